package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaterialPurchase is an append-only purchase fact. Rows are never updated
// after creation; corrections are new purchases.
type MaterialPurchase struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BusinessId  string          `gorm:"index;size:64;not null" json:"business_id"`
	MaterialId  int             `gorm:"index;not null" json:"material_id"`
	Supplier    string          `gorm:"size:100" json:"supplier"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	TotalPrice  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_price"`
	PurchasedAt time.Time       `gorm:"index;not null" json:"purchased_at"`
	Notes       string          `gorm:"type:text" json:"notes"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// NewMaterialPurchase is the purchase input. Quantity and UnitPrice carry
// their own sign rules (quantity > 0, unit_price >= 0) which are checked
// explicitly because validator tags cannot compare decimals.
type NewMaterialPurchase struct {
	MaterialId  int             `json:"material_id" validate:"required,gt=0"`
	Supplier    string          `json:"supplier" validate:"max=100"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	PurchasedAt *time.Time      `json:"purchased_at"`
	Notes       string          `json:"notes"`
}
