package budget

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaycore/relaycore/internal/models"
)

// Tracker records usage against budgets and serves derived status. The
// usage insert and the status refresh share one transaction so a read
// following a successful write always observes it.
type Tracker struct {
	db          *gorm.DB
	statusCache *StatusCache
	logger      *zap.Logger
}

func NewTracker(db *gorm.DB, statusCache *StatusCache, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, statusCache: statusCache, logger: logger}
}

type UsageRequest struct {
	ID          *uuid.UUID         `json:"id,omitempty"`
	Amount      float64            `json:"amount"`
	Currency    string             `json:"currency"`
	Timestamp   *time.Time         `json:"timestamp,omitempty"`
	Source      models.UsageSource `json:"source"`
	Description string             `json:"description,omitempty"`
	RequestID   string             `json:"request_id,omitempty"`
	ModelID     string             `json:"model_id,omitempty"`
	UserID      string             `json:"user_id,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// RecordUsage appends a usage record and synchronously refreshes the
// budget's status. Replaying a record with the same id is a no-op and does
// not double-count. Currency mismatches are recorded unconverted with a
// warning flag.
func (t *Tracker) RecordUsage(ctx context.Context, budgetID uuid.UUID, req *UsageRequest) (*models.UsageRecord, error) {
	record := &models.UsageRecord{
		BudgetID:    budgetID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Source:      req.Source,
		Description: req.Description,
		RequestID:   req.RequestID,
		ModelID:     req.ModelID,
		UserID:      req.UserID,
	}
	if req.ID != nil {
		record.ID = *req.ID
	} else {
		record.ID = uuid.New()
	}
	if req.Timestamp != nil {
		record.Timestamp = *req.Timestamp
	} else {
		record.Timestamp = time.Now()
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.NewJSONType(req.Metadata)
	}

	var info *StatusInfo
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var def models.BudgetDefinition
		if err := tx.First(&def, "id = ?", budgetID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBudgetNotFound
			}
			return err
		}

		if record.Currency == "" {
			record.Currency = def.Currency
		}
		if record.Currency != def.Currency {
			record.CurrencyMismatch = true
			t.logger.Warn("Usage currency differs from budget currency, recording unconverted",
				zap.String("budget_id", budgetID.String()),
				zap.String("budget_currency", def.Currency),
				zap.String("usage_currency", record.Currency))
		}

		// Idempotent insert: a replayed id leaves the existing row alone.
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if err := tx.First(record, "id = ?", record.ID).Error; err != nil {
				return err
			}
			return nil
		}

		refreshed, err := t.refreshStatusLocked(tx, &def, time.Now())
		if err != nil {
			return err
		}
		info = refreshed
		return nil
	})
	if err != nil {
		return nil, err
	}

	if info != nil {
		t.statusCache.Set(ctx, info)
	}
	return record, nil
}

// GetBudgetStatus returns the derived status, serving the cache when fresh
// and recomputing from the usage records otherwise.
func (t *Tracker) GetBudgetStatus(ctx context.Context, budgetID uuid.UUID) (*StatusInfo, error) {
	if info := t.statusCache.Get(ctx, budgetID); info != nil {
		return info, nil
	}

	var info *StatusInfo
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var def models.BudgetDefinition
		if err := tx.First(&def, "id = ?", budgetID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBudgetNotFound
			}
			return err
		}
		refreshed, err := t.refreshStatusLocked(tx, &def, time.Now())
		if err != nil {
			return err
		}
		info = refreshed
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.statusCache.Set(ctx, info)
	return info, nil
}

// CheckBudgetConstraints runs the pre-flight check for an estimated cost.
func (t *Tracker) CheckBudgetConstraints(ctx context.Context, budgetID uuid.UUID, estimatedCost float64) (*ConstraintResult, error) {
	def, err := t.getDefinition(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	status, err := t.GetBudgetStatus(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	return EvaluateConstraints(def, status, estimatedCost), nil
}

// Invalidate drops cached status for a budget; the next read recomputes.
func (t *Tracker) Invalidate(ctx context.Context, budgetID uuid.UUID) {
	t.statusCache.Invalidate(ctx, budgetID)
}

// refreshStatusLocked recomputes status from the usage records inside the
// active window and upserts the persisted status row. Must run inside the
// caller's transaction.
func (t *Tracker) refreshStatusLocked(tx *gorm.DB, def *models.BudgetDefinition, now time.Time) (*StatusInfo, error) {
	if def.Recurring && def.IsExpired(now) {
		if err := t.rollWindowLocked(tx, def, now); err != nil {
			return nil, err
		}
	}

	var total float64
	err := tx.Model(&models.UsageRecord{}).
		Where("budget_id = ? AND timestamp >= ? AND timestamp < ?", def.ID, def.StartDate, def.EndDate).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return nil, err
	}

	info := ComputeStatus(def, total, now)

	row := statusRowFrom(info)
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "budget_id"}},
		UpdateAll: true,
	}).Create(row).Error; err != nil {
		return nil, err
	}

	if err := t.updateAlertHistory(tx, def, info, now); err != nil {
		// Alert bookkeeping never fails the usage write.
		t.logger.Warn("Failed to update alert history",
			zap.String("budget_id", def.ID.String()),
			zap.Error(err))
	}

	return info, nil
}

// rollWindowLocked advances a lapsed recurring budget to the period that
// contains now. Usage from earlier windows drops out of the sums; the
// records themselves stay untouched. Custom periods have no derivable
// next window and never roll.
func (t *Tracker) rollWindowLocked(tx *gorm.DB, def *models.BudgetDefinition, now time.Time) error {
	start, end := def.StartDate, def.EndDate
	for !now.Before(end) {
		next := models.PeriodEnd(end, def.Period)
		if next.IsZero() || !next.After(end) {
			return nil
		}
		start, end = end, next
	}

	def.StartDate, def.EndDate = start, end
	t.logger.Info("Recurring budget window advanced",
		zap.String("budget_id", def.ID.String()),
		zap.Time("start", start),
		zap.Time("end", end))
	return tx.Model(def).Updates(map[string]interface{}{
		"start_date": start,
		"end_date":   end,
	}).Error
}

// updateAlertHistory opens one history row per continuous breach and
// re-arms it once usage drops back below the threshold.
func (t *Tracker) updateAlertHistory(tx *gorm.DB, def *models.BudgetDefinition, info *StatusInfo, now time.Time) error {
	var open []models.AlertHistoryRow
	if err := tx.Where("budget_id = ? AND resolved_at IS NULL", def.ID).Find(&open).Error; err != nil {
		return err
	}
	openByThreshold := make(map[float64]*models.AlertHistoryRow, len(open))
	for i := range open {
		openByThreshold[open[i].Threshold] = &open[i]
	}

	for _, alert := range def.Alerts.Data() {
		breached := info.PercentUsed >= alert.Threshold
		existing := openByThreshold[alert.Threshold]

		switch {
		case breached && existing == nil:
			row := &models.AlertHistoryRow{
				ID:          uuid.New(),
				BudgetID:    def.ID,
				MetricType:  "budget_percent_used",
				Threshold:   alert.Threshold,
				Value:       info.PercentUsed,
				TriggeredAt: now,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		case !breached && existing != nil:
			if err := tx.Model(existing).Update("resolved_at", now).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tracker) getDefinition(ctx context.Context, budgetID uuid.UUID) (*models.BudgetDefinition, error) {
	var def models.BudgetDefinition
	if err := t.db.WithContext(ctx).First(&def, "id = ?", budgetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBudgetNotFound
		}
		return nil, err
	}
	return &def, nil
}
