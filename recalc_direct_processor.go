package main

import (
	"context"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RecalcDirectProcessor drains the recalculation queue on a fixed interval.
// This covers deployments without an external scheduler hitting
// /internal/recalc-batch.
type RecalcDirectProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Engine    *workflow.Engine
	BatchSize int
	Interval  time.Duration
}

func NewRecalcDirectProcessor(db *gorm.DB, logger *logrus.Logger, engine *workflow.Engine) *RecalcDirectProcessor {
	return &RecalcDirectProcessor{
		DB:        db,
		Logger:    logger,
		Engine:    engine,
		BatchSize: 10,
		Interval:  5 * time.Second,
	}
}

func shouldRunDirectRecalcProcessor() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("RECALC_DIRECT_PROCESSING")))
	if val == "true" {
		return true
	}
	if val == "false" {
		return false
	}
	// Default: run as a safety-net even when a scheduler is configured.
	// Queue claims are per-entry conditional updates, so a scheduler batch and
	// the direct processor never double-process an entry.
	return true
}

func (p *RecalcDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil || p.Engine == nil {
		return
	}
	if !shouldRunDirectRecalcProcessor() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *RecalcDirectProcessor) processOnce(ctx context.Context) {
	// ProcessBatch logs its own per-batch summary.
	if _, err := p.Engine.Processor.ProcessBatch(ctx, p.BatchSize); err != nil {
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field": "RecalcDirectProcessor",
			}).Error("direct batch failed: " + err.Error())
		}
	}
}
