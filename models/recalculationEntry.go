package models

import (
	"time"
)

// RecalculationEntry is one pending/processed recompute request for a product.
//
// PendingKey is "P" while the entry is PENDING and NULL afterwards. Together
// with the unique index below it enforces at most one PENDING entry per
// product: a second enqueue hits a duplicate-key error and is a no-op.
// (MySQL has no partial indexes; NULLs are exempt from unique constraints.)
type RecalculationEntry struct {
	ID         int          `gorm:"primary_key" json:"id"`
	BusinessId string       `gorm:"size:64;not null;index;uniqueIndex:uidx_recalc_open,priority:1" json:"business_id"`
	ProductId  int          `gorm:"not null;uniqueIndex:uidx_recalc_open,priority:2" json:"product_id"`
	PendingKey *string      `gorm:"size:1;uniqueIndex:uidx_recalc_open,priority:3" json:"-"`
	Reason     string       `gorm:"size:50" json:"reason"`
	Status     RecalcStatus `gorm:"type:enum('PENDING','PROCESSING','DONE','FAILED','FAILED_PERMANENT','SUPERSEDED');default:'PENDING';index" json:"status"`
	RetryCount int          `gorm:"not null;default:0" json:"retry_count"`
	NotBefore  *time.Time   `json:"not_before"`
	EnqueuedAt time.Time    `gorm:"index;not null" json:"enqueued_at"`

	ClaimedAt   *time.Time `json:"claimed_at"`
	ClaimedBy   *string    `gorm:"size:64" json:"claimed_by"`
	ProcessedAt *time.Time `json:"processed_at"`
	LastError   *string    `gorm:"type:text" json:"last_error"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const recalcPendingKey = "P"

// NewPendingEntry builds a PENDING entry ready for insert.
func NewPendingEntry(businessId string, productId int, reason string, retryCount int, notBefore *time.Time) *RecalculationEntry {
	key := recalcPendingKey
	return &RecalculationEntry{
		BusinessId: businessId,
		ProductId:  productId,
		PendingKey: &key,
		Reason:     reason,
		Status:     RecalcStatusPending,
		RetryCount: retryCount,
		NotBefore:  notBefore,
		EnqueuedAt: time.Now().UTC(),
	}
}
