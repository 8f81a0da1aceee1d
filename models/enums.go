package models

// RecalcStatus is the lifecycle of a recalculation queue entry.
//
// PENDING -> PROCESSING -> {DONE, FAILED}
// FAILED respawns a new PENDING entry (retry_count+1) while retries remain;
// otherwise the entry is terminal FAILED_PERMANENT. A stale PROCESSING entry
// overtaken by a newer PENDING entry for the same product ends SUPERSEDED
// without being processed; DONE always means a snapshot was written.
type RecalcStatus string

const (
	RecalcStatusPending         RecalcStatus = "PENDING"
	RecalcStatusProcessing      RecalcStatus = "PROCESSING"
	RecalcStatusDone            RecalcStatus = "DONE"
	RecalcStatusFailed          RecalcStatus = "FAILED"
	RecalcStatusFailedPermanent RecalcStatus = "FAILED_PERMANENT"
	RecalcStatusSuperseded      RecalcStatus = "SUPERSEDED"
)

type AlertType string

const (
	AlertTypeCostSpike AlertType = "COST_SPIKE"
	AlertTypeLowMargin AlertType = "LOW_MARGIN"
)

// OverheadMode selects how overhead is allocated to a product cost.
type OverheadMode string

const (
	OverheadModeFlat              OverheadMode = "Flat"
	OverheadModePercentOfMaterial OverheadMode = "PercentOfMaterial"
)

type StockChangeType string

const (
	StockChangeTypeIncrease StockChangeType = "increase"
	StockChangeTypeDecrease StockChangeType = "decrease"
)

// Well-known recalculation reasons. Reason is free-form; these are the ones
// the engine itself writes.
const (
	RecalcReasonMaterialCostChanged = "material_cost_changed"
	RecalcReasonManual              = "manual"
	RecalcReasonRetry               = "retry"
)
