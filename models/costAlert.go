package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostAlert is raised by the alert engine on cost spikes and margin erosion.
// Within the cool-down window an unresolved alert of the same
// (product_id, alert_type) is updated in place instead of duplicated.
// Dismissal is terminal but rows are retained for audit.
type CostAlert struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"index;size:64;not null" json:"business_id"`
	ProductId     int             `gorm:"index;not null" json:"product_id"`
	AlertType     AlertType       `gorm:"type:enum('COST_SPIKE','LOW_MARGIN');not null" json:"alert_type"`
	PreviousValue decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"previous_value"`
	NewValue      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"new_value"`
	ChangePercent decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"change_percent"`
	IsRead        *bool           `gorm:"not null;default:false" json:"is_read"`
	IsDismissed   *bool           `gorm:"not null;default:false" json:"is_dismissed"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
