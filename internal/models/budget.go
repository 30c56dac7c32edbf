package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ScopeType string

const (
	ScopeUser         ScopeType = "user"
	ScopeTeam         ScopeType = "team"
	ScopeOrganization ScopeType = "organization"
	ScopeProject      ScopeType = "project"
)

type BudgetPeriod string

const (
	PeriodDaily     BudgetPeriod = "daily"
	PeriodWeekly    BudgetPeriod = "weekly"
	PeriodMonthly   BudgetPeriod = "monthly"
	PeriodQuarterly BudgetPeriod = "quarterly"
	PeriodAnnual    BudgetPeriod = "annual"
	PeriodCustom    BudgetPeriod = "custom"
)

type BudgetStatus string

const (
	StatusNormal   BudgetStatus = "normal"
	StatusWarning  BudgetStatus = "warning"
	StatusCritical BudgetStatus = "critical"
	StatusExceeded BudgetStatus = "exceeded"
)

// AlertAction values, ordered from least to most restrictive.
type AlertAction string

const (
	ActionNotify          AlertAction = "notify"
	ActionAutoDowngrade   AlertAction = "auto-downgrade"
	ActionRestrictModels  AlertAction = "restrict-models"
	ActionRequireApproval AlertAction = "require-approval"
	ActionBlockAll        AlertAction = "block-all"
)

// Severity returns the restrictiveness rank of an action. Unknown actions
// rank lowest.
func (a AlertAction) Severity() int {
	switch a {
	case ActionNotify:
		return 1
	case ActionAutoDowngrade:
		return 2
	case ActionRestrictModels:
		return 3
	case ActionRequireApproval:
		return 4
	case ActionBlockAll:
		return 5
	default:
		return 0
	}
}

// IsBlocking reports whether the action forbids the request outright.
func (a AlertAction) IsBlocking() bool {
	return a == ActionBlockAll || a == ActionRequireApproval
}

type BudgetAlert struct {
	Threshold float64       `json:"threshold"`
	Actions   []AlertAction `json:"actions"`
}

type UsageSource string

const (
	SourceAutmatrix   UsageSource = "autmatrix"
	SourceRelayCore   UsageSource = "relaycore"
	SourceNeuroWeaver UsageSource = "neuroweaver"
)

// BudgetDefinition is a monetary allowance scoped to a user, team,
// organization or project.
type BudgetDefinition struct {
	BaseModel
	Name      string       `gorm:"not null" json:"name"`
	ScopeType ScopeType    `gorm:"not null;index:idx_budget_scope" json:"scope_type"`
	ScopeID   string       `gorm:"not null;index:idx_budget_scope" json:"scope_id"`
	Amount    float64      `gorm:"not null" json:"amount"`
	Currency  string       `gorm:"not null;default:USD" json:"currency"`
	Period    BudgetPeriod `gorm:"not null" json:"period"`
	StartDate time.Time    `json:"start_date"`
	EndDate   time.Time    `json:"end_date"`
	Recurring bool         `gorm:"default:false" json:"recurring"`

	Alerts datatypes.JSONType[[]BudgetAlert]     `json:"alerts"`
	Tags   datatypes.JSONType[map[string]string] `json:"tags,omitempty"`

	ParentBudgetID *uuid.UUID `gorm:"type:uuid;index" json:"parent_budget_id,omitempty"`
	Active         bool       `gorm:"default:true;index" json:"active"`
	CreatedBy      string     `json:"created_by"`
}

func (BudgetDefinition) TableName() string { return "budget_definitions" }

// PeriodEnd derives the end of a period starting at start. Custom periods
// keep their explicit end date.
func PeriodEnd(start time.Time, period BudgetPeriod) time.Time {
	switch period {
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodWeekly:
		return start.AddDate(0, 0, 7)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	case PeriodQuarterly:
		return start.AddDate(0, 3, 0)
	case PeriodAnnual:
		return start.AddDate(1, 0, 0)
	default:
		return time.Time{}
	}
}

func (b *BudgetDefinition) PeriodDays() float64 {
	return b.EndDate.Sub(b.StartDate).Hours() / 24
}

func (b *BudgetDefinition) IsExpired(now time.Time) bool {
	return now.After(b.EndDate)
}

// SortedAlerts returns the alert list ordered by descending threshold.
func (b *BudgetDefinition) SortedAlerts() []BudgetAlert {
	alerts := b.Alerts.Data()
	sorted := make([]BudgetAlert, len(alerts))
	copy(sorted, alerts)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Threshold > sorted[j-1].Threshold; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}

// UsageRecord is an append-only record of spend attributed to a budget.
type UsageRecord struct {
	ID        uuid.UUID   `gorm:"type:uuid;primary_key" json:"id"`
	BudgetID  uuid.UUID   `gorm:"type:uuid;not null;index" json:"budget_id"`
	Amount    float64     `gorm:"not null" json:"amount"`
	Currency  string      `gorm:"not null;default:USD" json:"currency"`
	Timestamp time.Time   `gorm:"not null;index" json:"timestamp"`
	Source    UsageSource `gorm:"not null" json:"source"`

	Description string `json:"description,omitempty"`

	RequestID string `gorm:"index" json:"request_id,omitempty"`
	ModelID   string `gorm:"index" json:"model_id,omitempty"`
	UserID    string `gorm:"index" json:"user_id,omitempty"`

	Metadata datatypes.JSONType[map[string]string] `json:"metadata,omitempty"`

	// Set when the record's currency differs from the budget's. The amount
	// is applied unconverted.
	CurrencyMismatch bool `gorm:"default:false" json:"currency_mismatch,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (UsageRecord) TableName() string { return "budget_usage_records" }

// BudgetStatusRow is the persisted mirror of the derived budget status.
type BudgetStatusRow struct {
	BudgetID       uuid.UUID    `gorm:"type:uuid;primary_key" json:"budget_id"`
	CurrentAmount  float64      `json:"current_amount"`
	PercentUsed    float64      `json:"percent_used"`
	Remaining      float64      `json:"remaining"`
	DaysRemaining  float64      `json:"days_remaining"`
	BurnRate       float64      `json:"burn_rate"`
	ProjectedTotal float64      `json:"projected_total"`
	Status         BudgetStatus `json:"status"`
	LastUpdated    time.Time    `json:"last_updated"`
}

func (BudgetStatusRow) TableName() string { return "budget_status_cache" }

// AlertHistoryRow records a triggered alert threshold. A row is re-armed
// (ResolvedAt set) when usage drops back below the threshold; the same
// continuous breach never notifies twice.
type AlertHistoryRow struct {
	ID           uuid.UUID  `gorm:"type:uuid;primary_key" json:"alert_id"`
	BudgetID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"budget_id"`
	MetricType   string     `json:"metric_type"`
	Threshold    float64    `json:"threshold"`
	Value        float64    `json:"value"`
	TriggeredAt  time.Time  `json:"triggered_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Acknowledged bool       `gorm:"default:false" json:"acknowledged"`
}

func (AlertHistoryRow) TableName() string { return "budget_alert_history" }

// User is the minimal slice of the identity store the budget hierarchy
// needs: team membership and the organization join key.
type User struct {
	ID             string `gorm:"primary_key" json:"id"`
	OrganizationID string `gorm:"index" json:"organization_id"`
}

func (User) TableName() string { return "users" }

type UserTeam struct {
	UserID string `gorm:"primary_key" json:"user_id"`
	TeamID string `gorm:"primary_key" json:"team_id"`
}

func (UserTeam) TableName() string { return "user_teams" }
