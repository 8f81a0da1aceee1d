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

const defaultRecalcBatchSize = 10

// RecalcProcessor drains the recalculation queue: claim a batch, recompute
// each product, persist a snapshot, feed the alert engine, mark the entry.
// One bad entry never fails its batch.
type RecalcProcessor struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Queue        *RecalcQueue
	Alerts       *AlertEngine
	EntryTimeout time.Duration
}

func NewRecalcProcessor(db *gorm.DB, logger *logrus.Logger, queue *RecalcQueue, alerts *AlertEngine) *RecalcProcessor {
	return &RecalcProcessor{
		DB:           db,
		Logger:       logger,
		Queue:        queue,
		Alerts:       alerts,
		EntryTimeout: 30 * time.Second,
	}
}

type EntryResult struct {
	ProductId int    `json:"product_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type BatchResult struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Results   []EntryResult `json:"results"`
}

// ProcessBatch reclaims stale work, claims up to limit entries, and processes
// them sequentially. Entry failures are recorded per entry and fed back to the
// queue's retry machinery; only infrastructure failures (claim, reclaim) fail
// the batch itself.
func (p *RecalcProcessor) ProcessBatch(ctx context.Context, limit int) (*BatchResult, error) {
	if limit <= 0 {
		limit = defaultRecalcBatchSize
	}

	if _, err := p.Queue.ReclaimStale(ctx); err != nil {
		return nil, err
	}

	entries, err := p.Queue.DequeueBatch(ctx, limit)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Processed: len(entries)}
	for i := range entries {
		entry := &entries[i]
		procErr := p.processEntry(ctx, entry)
		if completeErr := p.Queue.Complete(ctx, entry, procErr); completeErr != nil {
			return result, completeErr
		}
		r := EntryResult{ProductId: entry.ProductId, Success: procErr == nil}
		if procErr != nil {
			r.Error = procErr.Error()
			result.Failed++
		} else {
			result.Succeeded++
		}
		result.Results = append(result.Results, r)
	}

	if result.Processed > 0 {
		p.Logger.WithFields(logrus.Fields{
			"field":     "RecalcProcessor",
			"processed": result.Processed,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		}).Info("recalculation batch processed")
	}
	return result, nil
}

// processEntry recomputes one product under the per-entry time budget. The
// entry's business id, not the caller's, scopes the computation.
func (p *RecalcProcessor) processEntry(ctx context.Context, entry *models.RecalculationEntry) error {
	entryCtx, cancel := context.WithTimeout(ctx, p.EntryTimeout)
	defer cancel()
	entryCtx = utils.SetBusinessIdInContext(entryCtx, entry.BusinessId)

	_, _, err := p.recalculate(entryCtx, entry.ProductId, entry.Reason)
	if errors.Is(err, context.DeadlineExceeded) {
		return utils.ErrCalculationTimeout
	}
	return err
}

// recalculate computes the product cost, persists the snapshot and evaluates
// alerts against the prior snapshot. Shared by the queue path and the
// synchronous manual path.
func (p *RecalcProcessor) recalculate(ctx context.Context, productId int, reason string) (*models.CostSnapshot, *CostBreakdown, error) {
	product, breakdown, err := CalculateProductCost(ctx, productId)
	if err != nil {
		return nil, nil, err
	}

	var prevTotal, prevMargin *decimal.Decimal
	changePercent := decimal.Zero
	prior, err := models.GetLatestCostSnapshot(ctx, product.BusinessId, productId)
	if err != nil && !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, nil, err
	}
	if prior != nil {
		prevTotal = &prior.TotalCost
		prevMargin = prior.MarginPercent
		if prior.TotalCost.IsPositive() {
			changePercent = breakdown.TotalCost.Sub(prior.TotalCost).
				Div(prior.TotalCost).Mul(oneHundred).Round(4)
		}
	}

	snapshot := &models.CostSnapshot{
		BusinessId:    product.BusinessId,
		ProductId:     productId,
		ComputedAt:    breakdown.ComputedAt,
		MaterialCost:  breakdown.MaterialCost,
		LaborCost:     breakdown.LaborCost,
		OverheadCost:  breakdown.OverheadCost,
		TotalCost:     breakdown.TotalCost,
		CostPerUnit:   breakdown.CostPerUnit,
		MarginPercent: breakdown.MarginPercent,
		Reason:        reason,
	}
	if err := p.DB.WithContext(ctx).Create(snapshot).Error; err != nil {
		return nil, nil, err
	}

	alertErr := p.Alerts.Evaluate(ctx, AlertInput{
		ProductId:     productId,
		PrevTotal:     prevTotal,
		NewTotal:      breakdown.TotalCost,
		ChangePercent: changePercent,
		PrevMargin:    prevMargin,
		MarginPercent: breakdown.MarginPercent,
	})
	if alertErr != nil {
		// The snapshot is the source of truth; alerting is advisory and the
		// next recomputation re-evaluates, so log instead of failing.
		p.Logger.WithFields(logrus.Fields{
			"field":      "RecalcProcessor",
			"product_id": productId,
		}).Error("alert evaluation failed: " + alertErr.Error())
	}

	return snapshot, breakdown, nil
}

// RecalculateProductNow recomputes one product synchronously, bypassing the
// queue. Used by the manual trigger.
func (p *RecalcProcessor) RecalculateProductNow(ctx context.Context, productId int) (*models.CostSnapshot, *CostBreakdown, error) {
	return p.recalculate(ctx, productId, models.RecalcReasonManual)
}
