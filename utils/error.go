package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrEntryAlreadyClaimed means another processor won the PENDING->PROCESSING
// transition for a queue entry. Benign: the loser skips the entry.
var ErrEntryAlreadyClaimed = errors.New("queue entry already claimed by another worker")

// ErrCalculationTimeout marks a cost calculation that exceeded its per-entry
// time budget. The entry is retried with backoff.
var ErrCalculationTimeout = errors.New("cost calculation exceeded time budget")

// ValidationError rejects malformed input synchronously, before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ComputationError names the material that could not be resolved during a cost
// calculation. A product cost is never computed partially.
type ComputationError struct {
	MaterialId   int
	MaterialName string
	Reason       string
}

func (e *ComputationError) Error() string {
	if e.MaterialName != "" {
		return fmt.Sprintf("cannot compute cost: material %q (id=%d) %s", e.MaterialName, e.MaterialId, e.Reason)
	}
	return fmt.Sprintf("cannot compute cost: material id=%d %s", e.MaterialId, e.Reason)
}

// ArchivalIntegrityError records an archive upsert conflict for one
// product/day group. The archival run continues with remaining groups.
type ArchivalIntegrityError struct {
	ProductId    int
	SnapshotDate string
	Err          error
}

func (e *ArchivalIntegrityError) Error() string {
	return fmt.Sprintf("archive upsert failed for product_id=%d date=%s: %v", e.ProductId, e.SnapshotDate, e.Err)
}

func (e *ArchivalIntegrityError) Unwrap() error {
	return e.Err
}
