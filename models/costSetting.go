package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CostSetting holds the per-business cost configuration: overhead allocation,
// flat labor cost per batch, and the alerting thresholds.
type CostSetting struct {
	BusinessId            string          `gorm:"primaryKey;size:64" json:"business_id"`
	OverheadMode          OverheadMode    `gorm:"type:enum('Flat','PercentOfMaterial');default:'Flat'" json:"overhead_mode"`
	OverheadValue         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"overhead_value"`
	LaborCost             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"labor_cost"`
	CostIncreaseThreshold decimal.Decimal `gorm:"type:decimal(20,4);default:10" json:"cost_increase_threshold"`
	MarginFloor           decimal.Decimal `gorm:"type:decimal(20,4);default:10" json:"margin_floor"`
	AlertCooldownHours    int             `gorm:"not null;default:24" json:"alert_cooldown_hours"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// DefaultCostSetting returns the configuration used when a business has not
// saved one yet: flat overhead 0, 10% spike threshold, 10% margin floor, 24h
// alert cool-down.
func DefaultCostSetting(businessId string) *CostSetting {
	return &CostSetting{
		BusinessId:            businessId,
		OverheadMode:          OverheadModeFlat,
		OverheadValue:         decimal.Zero,
		LaborCost:             decimal.Zero,
		CostIncreaseThreshold: decimal.NewFromInt(10),
		MarginFloor:           decimal.NewFromInt(10),
		AlertCooldownHours:    24,
	}
}

// GetCostSetting loads the business cost setting, falling back to defaults
// when none has been saved.
func GetCostSetting(ctx context.Context, businessId string) (*CostSetting, error) {
	if businessId == "" {
		return nil, errors.New("business id is required")
	}

	var setting CostSetting
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DefaultCostSetting(businessId), nil
		}
		return nil, err
	}
	if setting.AlertCooldownHours <= 0 {
		setting.AlertCooldownHours = 24
	}
	return &setting, nil
}
