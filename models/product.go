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

// Product is read-only to the engine: the product/BOM editor owns it.
type Product struct {
	ID           int               `gorm:"primary_key" json:"id"`
	BusinessId   string            `gorm:"index;size:64;not null" json:"business_id"`
	Name         string            `gorm:"size:100;not null" json:"name"`
	Servings     int               `gorm:"not null;default:1" json:"servings"`
	SellingPrice decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"selling_price"`
	IsActive     *bool             `gorm:"not null;default:true" json:"is_active"`
	Materials    []ProductMaterial `gorm:"foreignKey:ProductId" json:"materials"`
	CreatedAt    time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductMaterial is one bill-of-materials line.
type ProductMaterial struct {
	ProductId  int             `gorm:"primary_key" json:"product_id"`
	MaterialId int             `gorm:"primary_key;index" json:"material_id"`
	Quantity   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
}

// GetProductWithMaterials fetches a product and its live bill of materials,
// scoped to the caller's business. May return utils.ErrorRecordNotFound.
func GetProductWithMaterials(ctx context.Context, id int) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var product Product
	db := config.GetDB()
	err := db.WithContext(ctx).
		Preload("Materials").
		Where("business_id = ? AND id = ?", businessId, id).
		First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &product, nil
}
