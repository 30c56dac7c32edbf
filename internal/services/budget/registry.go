package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/relaycore/relaycore/internal/models"
)

var (
	ErrBudgetNotFound   = errors.New("budget not found")
	ErrBudgetExceeded   = errors.New("budget exceeded")
	ErrInvalidPeriod    = errors.New("invalid budget period")
	ErrParentInactive   = errors.New("parent budget is not active")
	ErrHasActiveChilden = errors.New("budget has active child budgets")
)

// Registry owns the budget definition lifecycle: create, read, update,
// soft delete, list and hierarchy traversal. Every mutation runs in a
// transaction.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewRegistry(db *gorm.DB, logger *zap.Logger) *Registry {
	return &Registry{db: db, logger: logger}
}

type CreateRequest struct {
	Name           string                `json:"name"`
	ScopeType      models.ScopeType      `json:"scope_type"`
	ScopeID        string                `json:"scope_id"`
	Amount         float64               `json:"amount"`
	Currency       string                `json:"currency"`
	Period         models.BudgetPeriod   `json:"period"`
	StartDate      *time.Time            `json:"start_date,omitempty"`
	EndDate        *time.Time            `json:"end_date,omitempty"`
	Recurring      bool                  `json:"recurring"`
	Alerts         []models.BudgetAlert  `json:"alerts,omitempty"`
	Tags           map[string]string     `json:"tags,omitempty"`
	ParentBudgetID *uuid.UUID            `json:"parent_budget_id,omitempty"`
	CreatedBy      string                `json:"created_by"`
}

type UpdateRequest struct {
	Name   *string               `json:"name,omitempty"`
	Amount *float64              `json:"amount,omitempty"`
	Alerts *[]models.BudgetAlert `json:"alerts,omitempty"`
	Tags   *map[string]string    `json:"tags,omitempty"`
	Period *models.BudgetPeriod  `json:"period,omitempty"`
	Active *bool                 `json:"active,omitempty"`
}

type ListFilter struct {
	ScopeType       models.ScopeType
	ScopeID         string
	ParentBudgetID  *uuid.UUID
	IncludeInactive bool
}

// Create persists a new budget and initializes its status cache row with
// zero usage. The end date is derived from the period unless custom.
func (r *Registry) Create(ctx context.Context, req *CreateRequest) (*models.BudgetDefinition, error) {
	def := &models.BudgetDefinition{
		Name:           req.Name,
		ScopeType:      req.ScopeType,
		ScopeID:        req.ScopeID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Period:         req.Period,
		Recurring:      req.Recurring,
		ParentBudgetID: req.ParentBudgetID,
		Active:         true,
		CreatedBy:      req.CreatedBy,
		Alerts:         datatypes.NewJSONType(req.Alerts),
	}
	if def.Currency == "" {
		def.Currency = "USD"
	}
	if req.Tags != nil {
		def.Tags = datatypes.NewJSONType(req.Tags)
	}

	now := time.Now()
	if req.StartDate != nil {
		def.StartDate = *req.StartDate
	} else {
		def.StartDate = now
	}

	if req.Period == models.PeriodCustom {
		if req.EndDate == nil {
			return nil, ErrInvalidPeriod
		}
		def.EndDate = *req.EndDate
	} else {
		end := models.PeriodEnd(def.StartDate, req.Period)
		if end.IsZero() {
			return nil, ErrInvalidPeriod
		}
		def.EndDate = end
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.ParentBudgetID != nil {
			var parent models.BudgetDefinition
			if err := tx.First(&parent, "id = ?", *req.ParentBudgetID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrBudgetNotFound
				}
				return err
			}
			if !parent.Active {
				return ErrParentInactive
			}
		}

		if err := tx.Create(def).Error; err != nil {
			return err
		}

		row := statusRowFrom(ComputeStatus(def, 0, now))
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Budget created",
		zap.String("budget_id", def.ID.String()),
		zap.String("scope_type", string(def.ScopeType)),
		zap.String("scope_id", def.ScopeID),
		zap.Float64("amount", def.Amount))

	return def, nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.BudgetDefinition, error) {
	var def models.BudgetDefinition
	if err := r.db.WithContext(ctx).First(&def, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBudgetNotFound
		}
		return nil, err
	}
	return &def, nil
}

// Update applies the non-nil fields. Changing the amount or period
// invalidates the persisted status row so the next read recomputes.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, req *UpdateRequest) (*models.BudgetDefinition, error) {
	var def models.BudgetDefinition
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&def, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBudgetNotFound
			}
			return err
		}

		invalidateStatus := false
		if req.Name != nil {
			def.Name = *req.Name
		}
		if req.Amount != nil {
			def.Amount = *req.Amount
			invalidateStatus = true
		}
		if req.Period != nil {
			def.Period = *req.Period
			if *req.Period != models.PeriodCustom {
				def.EndDate = models.PeriodEnd(def.StartDate, *req.Period)
			}
			invalidateStatus = true
		}
		if req.Alerts != nil {
			def.Alerts = datatypes.NewJSONType(*req.Alerts)
		}
		if req.Tags != nil {
			def.Tags = datatypes.NewJSONType(*req.Tags)
		}
		if req.Active != nil {
			def.Active = *req.Active
		}

		if err := tx.Save(&def).Error; err != nil {
			return err
		}
		if invalidateStatus {
			return tx.Delete(&models.BudgetStatusRow{}, "budget_id = ?", id).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// SoftDelete deactivates a budget. It fails while any active child budget
// still references the target.
func (r *Registry) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var children int64
		if err := tx.Model(&models.BudgetDefinition{}).
			Where("parent_budget_id = ? AND active = ?", id, true).
			Count(&children).Error; err != nil {
			return err
		}
		if children > 0 {
			return fmt.Errorf("%w: %d active children", ErrHasActiveChilden, children)
		}

		result := tx.Model(&models.BudgetDefinition{}).
			Where("id = ?", id).
			Update("active", false)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBudgetNotFound
		}
		return nil
	})
}

func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*models.BudgetDefinition, error) {
	query := r.db.WithContext(ctx).Model(&models.BudgetDefinition{})
	if filter.ScopeType != "" {
		query = query.Where("scope_type = ?", filter.ScopeType)
	}
	if filter.ScopeID != "" {
		query = query.Where("scope_id = ?", filter.ScopeID)
	}
	if filter.ParentBudgetID != nil {
		query = query.Where("parent_budget_id = ?", *filter.ParentBudgetID)
	}
	if !filter.IncludeInactive {
		query = query.Where("active = ?", true)
	}

	var defs []*models.BudgetDefinition
	if err := query.Order("created_at").Find(&defs).Error; err != nil {
		return nil, err
	}
	return defs, nil
}

// GetHierarchy returns the budgets for a scope followed by all descendant
// budgets, parent before child. Organization membership resolves through
// users.organization_id.
func (r *Registry) GetHierarchy(ctx context.Context, scopeType models.ScopeType, scopeID string) ([]*models.BudgetDefinition, error) {
	roots, err := r.List(ctx, ListFilter{ScopeType: scopeType, ScopeID: scopeID})
	if err != nil {
		return nil, err
	}

	var out []*models.BudgetDefinition
	seen := make(map[uuid.UUID]bool)
	var walk func(defs []*models.BudgetDefinition) error
	walk = func(defs []*models.BudgetDefinition) error {
		for _, def := range defs {
			if seen[def.ID] {
				continue
			}
			seen[def.ID] = true
			out = append(out, def)

			children, err := r.List(ctx, ListFilter{ParentBudgetID: &def.ID})
			if err != nil {
				return err
			}
			if err := walk(children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(roots); err != nil {
		return nil, err
	}
	return out, nil
}

// FindActiveForScope returns the oldest active budget covering the scope
// subject, or nil when none exists. A non-recurring budget whose window
// has lapsed no longer constrains anything and is skipped; recurring
// budgets stay eligible because their window rolls forward on read.
func (r *Registry) FindActiveForScope(ctx context.Context, scopeType models.ScopeType, scopeID string) (*models.BudgetDefinition, error) {
	var def models.BudgetDefinition
	err := r.db.WithContext(ctx).
		Where("scope_type = ? AND scope_id = ? AND active = ? AND (recurring = ? OR end_date > ?)",
			scopeType, scopeID, true, true, time.Now()).
		Order("created_at").
		First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &def, nil
}

// ListActiveForScope returns every active budget covering the scope
// subject, oldest first. A scope may carry several concurrent budgets
// (for example a monthly and an annual one); request-level checks and
// usage writes apply to all of them. Lapsed non-recurring budgets are
// skipped like in FindActiveForScope.
func (r *Registry) ListActiveForScope(ctx context.Context, scopeType models.ScopeType, scopeID string) ([]*models.BudgetDefinition, error) {
	var defs []*models.BudgetDefinition
	err := r.db.WithContext(ctx).
		Where("scope_type = ? AND scope_id = ? AND active = ? AND (recurring = ? OR end_date > ?)",
			scopeType, scopeID, true, true, time.Now()).
		Order("created_at").
		Find(&defs).Error
	if err != nil {
		return nil, err
	}
	return defs, nil
}

func statusRowFrom(info *StatusInfo) *models.BudgetStatusRow {
	return &models.BudgetStatusRow{
		BudgetID:       info.BudgetID,
		CurrentAmount:  info.CurrentAmount,
		PercentUsed:    info.PercentUsed,
		Remaining:      info.Remaining,
		DaysRemaining:  info.DaysRemaining,
		BurnRate:       info.BurnRate,
		ProjectedTotal: info.ProjectedTotal,
		Status:         info.Status,
		LastUpdated:    info.LastUpdated,
	}
}
