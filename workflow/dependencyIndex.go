package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
)

// AffectedProductIds resolves the reverse dependency material -> products from
// the live bill-of-materials associations. It only decides what to recheck:
// the calculator re-reads the live BOM, so a stale answer here costs at worst
// one redundant recomputation.
func AffectedProductIds(ctx context.Context, materialId int) ([]int, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var productIds []int
	db := config.GetDB()
	err := db.WithContext(ctx).
		Model(&models.ProductMaterial{}).
		Joins("JOIN products ON products.id = product_materials.product_id").
		Where("product_materials.material_id = ?", materialId).
		Where("products.business_id = ? AND products.is_active = true", businessId).
		Distinct().
		Pluck("product_materials.product_id", &productIds).Error
	if err != nil {
		return nil, err
	}
	return productIds, nil
}
