package workflow

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Engine wires the costing components together. Construction is explicit so
// the call graph between components stays visible in one place: purchases
// feed the queue, the processor drains it and feeds the alert engine, the
// archiver compacts what the processor wrote.
type Engine struct {
	Queue     *RecalcQueue
	Alerts    *AlertEngine
	Processor *RecalcProcessor
	Archiver  *SnapshotArchiver
	Purchases *PurchaseWorkflow
}

func NewEngine(db *gorm.DB, logger *logrus.Logger) *Engine {
	queue := NewRecalcQueue(db, logger)
	alerts := NewAlertEngine(db, logger)
	return &Engine{
		Queue:     queue,
		Alerts:    alerts,
		Processor: NewRecalcProcessor(db, logger, queue, alerts),
		Archiver:  NewSnapshotArchiver(db, logger),
		Purchases: NewPurchaseWorkflow(db, logger, queue),
	}
}
