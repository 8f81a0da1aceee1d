package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CostSnapshot is an append-only record of a product's computed cost at a
// point in time. Snapshots are never mutated, only archived.
type CostSnapshot struct {
	ID            int              `gorm:"primary_key" json:"id"`
	BusinessId    string           `gorm:"index;size:64;not null" json:"business_id"`
	ProductId     int              `gorm:"index:idx_snap_product_time,priority:1;not null" json:"product_id"`
	ComputedAt    time.Time        `gorm:"index:idx_snap_product_time,priority:2;not null" json:"computed_at"`
	MaterialCost  decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"material_cost"`
	LaborCost     decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"labor_cost"`
	OverheadCost  decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"overhead_cost"`
	TotalCost     decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"total_cost"`
	CostPerUnit   decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"cost_per_unit"`
	MarginPercent *decimal.Decimal `gorm:"type:decimal(20,4)" json:"margin_percent"`
	Reason        string           `gorm:"size:50" json:"reason"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// CostSnapshotArchive is the compacted history: one row per product per day,
// holding the last snapshot of that day. Upserted by
// (business_id, product_id, snapshot_date) so re-running a window is idempotent.
type CostSnapshotArchive struct {
	BusinessId     string           `gorm:"primaryKey;size:64" json:"business_id"`
	ProductId      int              `gorm:"primaryKey" json:"product_id"`
	SnapshotDate   time.Time        `gorm:"primaryKey;type:date" json:"snapshot_date"`
	MaterialCost   decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"material_cost"`
	LaborCost      decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"labor_cost"`
	OverheadCost   decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"overhead_cost"`
	TotalCost      decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"total_cost"`
	CostPerUnit    decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"cost_per_unit"`
	MarginPercent  *decimal.Decimal `gorm:"type:decimal(20,4)" json:"margin_percent"`
	ComputedAt     time.Time        `json:"computed_at"`
	CollapsedCount int              `gorm:"not null;default:1" json:"collapsed_count"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetLatestCostSnapshot returns the most recent snapshot for a product,
// or utils.ErrorRecordNotFound when the product has never been costed.
func GetLatestCostSnapshot(ctx context.Context, businessId string, productId int) (*CostSnapshot, error) {
	if businessId == "" {
		return nil, errors.New("business id is required")
	}

	var snapshot CostSnapshot
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("business_id = ? AND product_id = ?", businessId, productId).
		Order("computed_at DESC, id DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}
