package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// wacSignalTolerance suppresses the "material cost changed" signal for
// cost-neutral restocks: a WAC move of 0.01 currency unit or less does not
// cascade into product recomputation.
var wacSignalTolerance = decimal.NewFromFloat(0.01)

// PurchaseWorkflow records material purchases and maintains the material
// ledger (stock, last purchase price, weighted-average cost). It is the only
// writer of those fields.
type PurchaseWorkflow struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Queue  *RecalcQueue
}

func NewPurchaseWorkflow(db *gorm.DB, logger *logrus.Logger, queue *RecalcQueue) *PurchaseWorkflow {
	return &PurchaseWorkflow{
		DB:     db,
		Logger: logger,
		Queue:  queue,
	}
}

// nextWeightedAverageCost folds one purchase into a material's running WAC.
// A depleted or new material (stock = 0) takes the purchase price directly,
// avoiding the division by zero.
func nextWeightedAverageCost(stock, wac, qty, unitPrice decimal.Decimal) decimal.Decimal {
	if !stock.IsPositive() {
		return unitPrice
	}
	newStock := stock.Add(qty)
	return stock.Mul(wac).Add(qty.Mul(unitPrice)).Div(newStock).Round(4)
}

func validatePurchaseInput(input *models.NewMaterialPurchase) error {
	if input == nil {
		return &utils.ValidationError{Field: "purchase", Reason: "is required"}
	}
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	// validator tags cannot compare decimals; check sign rules explicitly.
	if !input.Quantity.IsPositive() {
		return &utils.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	if input.UnitPrice.IsNegative() {
		return &utils.ValidationError{Field: "unit_price", Reason: "must not be negative"}
	}
	return nil
}

// RecordPurchase validates and persists a purchase, updates the material
// ledger atomically under a per-material advisory lock, and enqueues the
// affected products when the WAC actually moved.
//
// Rejected input (ValidationError) causes no side effects.
func (w *PurchaseWorkflow) RecordPurchase(ctx context.Context, input *models.NewMaterialPurchase) (*models.MaterialPurchase, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := validatePurchaseInput(input); err != nil {
		return nil, err
	}

	purchasedAt := time.Now().UTC()
	if input.PurchasedAt != nil {
		purchasedAt = input.PurchasedAt.UTC()
	}

	var purchase *models.MaterialPurchase
	var oldWac, newWac decimal.Decimal

	err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serialize concurrent purchases of the same material: the
		// read-modify-write below must not lose updates.
		if err := AcquireMaterialLock(tx, businessId, input.MaterialId); err != nil {
			return err
		}
		defer ReleaseMaterialLock(tx, businessId, input.MaterialId)

		var material models.Material
		if err := tx.Where("business_id = ? AND id = ?", businessId, input.MaterialId).
			First(&material).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if material.IsActive != nil && !*material.IsActive {
			return errors.New("material is inactive")
		}

		oldWac = material.WeightedAverageCost
		oldStock := material.CurrentStock
		newStock := oldStock.Add(input.Quantity)
		newWac = nextWeightedAverageCost(oldStock, oldWac, input.Quantity, input.UnitPrice)

		purchase = &models.MaterialPurchase{
			BusinessId:  businessId,
			MaterialId:  material.ID,
			Supplier:    input.Supplier,
			Quantity:    input.Quantity,
			UnitPrice:   input.UnitPrice,
			TotalPrice:  input.Quantity.Mul(input.UnitPrice).Round(4),
			PurchasedAt: purchasedAt,
			Notes:       input.Notes,
		}
		if err := tx.Create(purchase).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.Material{}).
			Where("id = ?", material.ID).
			Updates(map[string]interface{}{
				"last_purchase_price":   input.UnitPrice,
				"weighted_average_cost": newWac,
				"current_stock":         newStock,
			}).Error; err != nil {
			return err
		}

		stockLog := models.StockLog{
			BusinessId:      businessId,
			MaterialId:      material.ID,
			QuantityBefore:  oldStock,
			QuantityAfter:   newStock,
			QuantityChanged: input.Quantity,
			ChangeType:      models.StockChangeTypeIncrease,
			ReferenceType:   "material_purchase",
			ReferenceId:     purchase.ID,
		}
		if err := tx.Create(&stockLog).Error; err != nil {
			return err
		}

		if material.ReorderPoint.IsPositive() && newStock.LessThanOrEqual(material.ReorderPoint) {
			w.Logger.WithFields(logrus.Fields{
				"field":         "PurchaseWorkflow",
				"business_id":   businessId,
				"material_id":   material.ID,
				"current_stock": newStock.String(),
				"reorder_point": material.ReorderPoint.String(),
			}).Warn("material stock at or below reorder point")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if newWac.Sub(oldWac).Abs().GreaterThan(wacSignalTolerance) {
		enqueued, err := w.enqueueAffectedProducts(ctx, input.MaterialId)
		if err != nil {
			// Purchase is committed; a failed fan-out is recoverable by a
			// manual recompute, so log instead of failing the call.
			config.LogError(w.Logger, "purchaseWorkflow", "RecordPurchase", "enqueue affected products", input.MaterialId, err)
		} else {
			w.Logger.WithFields(logrus.Fields{
				"field":       "PurchaseWorkflow",
				"business_id": businessId,
				"material_id": input.MaterialId,
				"old_wac":     oldWac.String(),
				"new_wac":     newWac.String(),
				"enqueued":    enqueued,
			}).Info("material cost changed; affected products enqueued")
		}
	} else {
		w.Logger.WithFields(logrus.Fields{
			"field":       "PurchaseWorkflow",
			"business_id": businessId,
			"material_id": input.MaterialId,
		}).Debug("cost-neutral restock; no recomputation signal")
	}

	return purchase, nil
}

func (w *PurchaseWorkflow) enqueueAffectedProducts(ctx context.Context, materialId int) (int, error) {
	productIds, err := AffectedProductIds(ctx, materialId)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, productId := range productIds {
		if err := w.Queue.Enqueue(ctx, productId, models.RecalcReasonMaterialCostChanged); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}
