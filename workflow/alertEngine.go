package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AlertEngine evaluates alert rules after each snapshot and manages the alert
// inbox (read/dismiss).
type AlertEngine struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewAlertEngine(db *gorm.DB, logger *logrus.Logger) *AlertEngine {
	return &AlertEngine{DB: db, Logger: logger}
}

// AlertInput is what the processor hands the engine after persisting a
// snapshot: the prior and new total cost plus the prior and new margin.
type AlertInput struct {
	ProductId     int
	PrevTotal     *decimal.Decimal
	NewTotal      decimal.Decimal
	ChangePercent decimal.Decimal
	PrevMargin    *decimal.Decimal
	MarginPercent *decimal.Decimal
}

type alertCandidate struct {
	alertType     models.AlertType
	previousValue decimal.Decimal
	newValue      decimal.Decimal
	changePercent decimal.Decimal
}

// evaluateAlertRules applies the two rules to one input. Pure.
//
// COST_SPIKE: prior snapshot exists with total > 0 and the increase exceeds
// the threshold. A first-ever snapshot is never a spike.
// LOW_MARGIN: margin is known and strictly below the floor.
func evaluateAlertRules(input AlertInput, setting *models.CostSetting) []alertCandidate {
	var out []alertCandidate

	if input.PrevTotal != nil && input.PrevTotal.IsPositive() &&
		input.ChangePercent.GreaterThan(setting.CostIncreaseThreshold) {
		out = append(out, alertCandidate{
			alertType:     models.AlertTypeCostSpike,
			previousValue: *input.PrevTotal,
			newValue:      input.NewTotal,
			changePercent: input.ChangePercent,
		})
	}

	if input.MarginPercent != nil && input.MarginPercent.LessThan(setting.MarginFloor) {
		// previous_value and new_value are both margin percentages here.
		prev := decimal.Zero
		if input.PrevMargin != nil {
			prev = *input.PrevMargin
		}
		out = append(out, alertCandidate{
			alertType:     models.AlertTypeLowMargin,
			previousValue: prev,
			newValue:      *input.MarginPercent,
			changePercent: input.ChangePercent,
		})
	}

	return out
}

// Evaluate runs the alert rules and raises or refreshes alerts. An unresolved
// alert of the same (product, type) inside the cool-down window is updated in
// place (and flipped back to unread) instead of creating a duplicate row.
func (a *AlertEngine) Evaluate(ctx context.Context, input AlertInput) error {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}

	setting, err := models.GetCostSetting(ctx, businessId)
	if err != nil {
		return err
	}

	for _, c := range evaluateAlertRules(input, setting) {
		if err := a.raise(ctx, businessId, input.ProductId, c, setting); err != nil {
			return err
		}
	}
	return nil
}

func (a *AlertEngine) raise(ctx context.Context, businessId string, productId int, c alertCandidate, setting *models.CostSetting) error {
	cooldownStart := time.Now().UTC().Add(-time.Duration(setting.AlertCooldownHours) * time.Hour)

	var existing models.CostAlert
	err := a.DB.WithContext(ctx).
		Where("business_id = ? AND product_id = ? AND alert_type = ?", businessId, productId, c.alertType).
		Where("is_dismissed = false AND created_at >= ?", cooldownStart).
		Order("created_at DESC").
		First(&existing).Error

	if err == nil {
		return a.DB.WithContext(ctx).Model(&models.CostAlert{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"new_value":      c.newValue,
				"change_percent": c.changePercent,
				"is_read":        false,
			}).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	alert := models.CostAlert{
		BusinessId:    businessId,
		ProductId:     productId,
		AlertType:     c.alertType,
		PreviousValue: c.previousValue,
		NewValue:      c.newValue,
		ChangePercent: c.changePercent,
		IsRead:        utils.NewFalse(),
		IsDismissed:   utils.NewFalse(),
	}
	if err := a.DB.WithContext(ctx).Create(&alert).Error; err != nil {
		return err
	}

	a.Logger.WithFields(logrus.Fields{
		"field":       "AlertEngine",
		"business_id": businessId,
		"product_id":  productId,
		"alert_type":  c.alertType,
		"new_value":   c.newValue.String(),
	}).Info("cost alert raised")
	return nil
}

// ListAlertsFilter narrows the alert listing. Dismissed alerts are always
// excluded.
type ListAlertsFilter struct {
	UnreadOnly bool
	ProductId  *int
	Limit      int
	Offset     int
}

type AlertList struct {
	Items  []models.CostAlert `json:"items"`
	Total  int64              `json:"total"`
	Unread int64              `json:"unread"`
}

func (a *AlertEngine) ListAlerts(ctx context.Context, filter ListAlertsFilter) (*AlertList, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	base := a.DB.WithContext(ctx).Model(&models.CostAlert{}).
		Where("business_id = ? AND is_dismissed = false", businessId)
	if filter.ProductId != nil {
		base = base.Where("product_id = ?", *filter.ProductId)
	}

	var result AlertList
	if err := base.Session(&gorm.Session{}).Count(&result.Total).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("is_read = false").Count(&result.Unread).Error; err != nil {
		return nil, err
	}

	query := base.Session(&gorm.Session{})
	if filter.UnreadOnly {
		query = query.Where("is_read = false")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if err := query.Order("created_at DESC, id DESC").
		Limit(limit).Offset(filter.Offset).
		Find(&result.Items).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *AlertEngine) MarkRead(ctx context.Context, alertId int) error {
	return a.setFlag(ctx, alertId, "is_read", true)
}

func (a *AlertEngine) MarkAllRead(ctx context.Context) (int64, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return 0, errors.New("business id is required")
	}
	res := a.DB.WithContext(ctx).Model(&models.CostAlert{}).
		Where("business_id = ? AND is_read = false AND is_dismissed = false", businessId).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// Dismiss is terminal: a dismissed alert never resurfaces, but the row is
// kept for audit.
func (a *AlertEngine) Dismiss(ctx context.Context, alertId int) error {
	return a.setFlag(ctx, alertId, "is_dismissed", true)
}

func (a *AlertEngine) setFlag(ctx context.Context, alertId int, column string, value bool) error {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}
	res := a.DB.WithContext(ctx).Model(&models.CostAlert{}).
		Where("business_id = ? AND id = ?", businessId, alertId).
		Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}
