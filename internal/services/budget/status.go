package budget

import (
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/relaycore/internal/models"
)

// StatusInfo is the derived picture of a budget: spend so far, remaining
// headroom, burn rate and a coarse health label.
type StatusInfo struct {
	BudgetID       uuid.UUID            `json:"budget_id"`
	CurrentAmount  float64              `json:"current_amount"`
	PercentUsed    float64              `json:"percent_used"`
	Remaining      float64              `json:"remaining"`
	DaysRemaining  float64              `json:"days_remaining"`
	BurnRate       float64              `json:"burn_rate"`
	ProjectedTotal float64              `json:"projected_total"`
	Status         models.BudgetStatus  `json:"status"`
	LastUpdated    time.Time            `json:"last_updated"`
	ActiveAlerts   []models.BudgetAlert `json:"active_alerts,omitempty"`
}

// ComputeStatus derives a budget's status from its definition and the total
// usage recorded inside the active window.
func ComputeStatus(def *models.BudgetDefinition, totalUsage float64, now time.Time) *StatusInfo {
	info := &StatusInfo{
		BudgetID:      def.ID,
		CurrentAmount: totalUsage,
		LastUpdated:   now,
	}

	if def.Amount > 0 {
		info.PercentUsed = 100 * totalUsage / def.Amount
	} else if totalUsage > 0 {
		info.PercentUsed = 100
	}

	info.Remaining = def.Amount - totalUsage
	if info.Remaining < 0 {
		info.Remaining = 0
	}

	daysElapsed := now.Sub(def.StartDate).Hours() / 24
	if daysElapsed < 1.0/24 {
		daysElapsed = 1.0 / 24 // avoid absurd burn rates in the first hour
	}
	info.BurnRate = totalUsage / daysElapsed
	info.ProjectedTotal = info.BurnRate * def.PeriodDays()

	info.DaysRemaining = def.EndDate.Sub(now).Hours() / 24
	if info.DaysRemaining < 0 {
		info.DaysRemaining = 0
	}

	info.Status = statusLabel(def, totalUsage, info.PercentUsed)
	for _, alert := range def.Alerts.Data() {
		if info.PercentUsed >= alert.Threshold {
			info.ActiveAlerts = append(info.ActiveAlerts, alert)
		}
	}

	return info
}

// statusLabel maps usage onto the coarse health label. Exceeded means spend
// strictly above the allowance; the warning and critical bands come from
// the configured alert thresholds.
func statusLabel(def *models.BudgetDefinition, totalUsage, percentUsed float64) models.BudgetStatus {
	if totalUsage > def.Amount {
		return models.StatusExceeded
	}

	lowest, highestNonBlock := alertBands(def.Alerts.Data())
	if highestNonBlock > 0 && percentUsed >= highestNonBlock {
		return models.StatusCritical
	}
	if lowest > 0 && percentUsed >= lowest {
		return models.StatusWarning
	}
	return models.StatusNormal
}

// alertBands returns the lowest alert threshold and the highest threshold
// among alerts that do not block outright.
func alertBands(alerts []models.BudgetAlert) (lowest, highestNonBlock float64) {
	for _, alert := range alerts {
		if lowest == 0 || alert.Threshold < lowest {
			lowest = alert.Threshold
		}
		blocking := false
		for _, action := range alert.Actions {
			if action == models.ActionBlockAll {
				blocking = true
				break
			}
		}
		if !blocking && alert.Threshold > highestNonBlock {
			highestNonBlock = alert.Threshold
		}
	}
	return lowest, highestNonBlock
}

// ConstraintResult is the outcome of a pre-flight budget check.
type ConstraintResult struct {
	CanProceed       bool                 `json:"can_proceed"`
	Reason           string               `json:"reason,omitempty"`
	SuggestedActions []models.AlertAction `json:"suggested_actions,omitempty"`
}

// EvaluateConstraints decides whether a request with the given estimated
// cost may proceed against the budget. Alerts are walked from the highest
// threshold down; the first alert at or below the projected usage level
// determines the suggested actions, and blocking actions deny the request.
func EvaluateConstraints(def *models.BudgetDefinition, status *StatusInfo, estimatedCost float64) *ConstraintResult {
	if status.Status == models.StatusExceeded {
		return &ConstraintResult{
			CanProceed:       false,
			Reason:           "budget exceeded",
			SuggestedActions: []models.AlertAction{models.ActionBlockAll},
		}
	}

	var projectedPercent float64
	if def.Amount > 0 {
		projectedPercent = 100 * (status.CurrentAmount + estimatedCost) / def.Amount
	} else if status.CurrentAmount+estimatedCost > 0 {
		projectedPercent = 100
	}

	for _, alert := range def.SortedAlerts() {
		if projectedPercent < alert.Threshold {
			continue
		}
		for _, action := range alert.Actions {
			if action.IsBlocking() {
				return &ConstraintResult{
					CanProceed:       false,
					Reason:           "projected usage crosses a blocking alert threshold",
					SuggestedActions: alert.Actions,
				}
			}
		}
		return &ConstraintResult{
			CanProceed:       true,
			SuggestedActions: alert.Actions,
		}
	}

	return &ConstraintResult{CanProceed: true}
}
