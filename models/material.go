package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

// Material is a tracked raw material. Its weighted_average_cost and
// current_stock are mutated only by the purchase workflow (WAC updater);
// everything else in the engine reads them.
type Material struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	BusinessId          string          `gorm:"index;size:64;not null" json:"business_id"`
	Name                string          `gorm:"size:100;not null" json:"name"`
	Unit                string          `gorm:"size:20;not null" json:"unit"`
	LastPurchasePrice   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"last_purchase_price"`
	WeightedAverageCost decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"weighted_average_cost"`
	CurrentStock        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_stock"`
	ReorderPoint        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reorder_point"`
	IsActive            *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// StockLog is the append-only audit trail of every stock mutation.
type StockLog struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"index;size:64;not null" json:"business_id"`
	MaterialId      int             `gorm:"index;not null" json:"material_id"`
	QuantityBefore  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_before"`
	QuantityAfter   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_after"`
	QuantityChanged decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_changed"`
	ChangeType      StockChangeType `gorm:"type:enum('increase','decrease');default:'increase'" json:"change_type"`
	ReferenceType   string          `gorm:"size:50" json:"reference_type"`
	ReferenceId     int             `json:"reference_id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// GetMaterialsByIds loads a set of materials keyed by id, scoped to the
// caller's business. Missing ids are simply absent from the map; the cost
// calculator decides how to treat them.
func GetMaterialsByIds(ctx context.Context, ids []int) (map[int]*Material, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	result := make(map[int]*Material, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var materials []*Material
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("business_id = ? AND id IN ?", businessId, ids).
		Find(&materials).Error; err != nil {
		return nil, err
	}
	for _, m := range materials {
		result[m.ID] = m
	}
	return result, nil
}
