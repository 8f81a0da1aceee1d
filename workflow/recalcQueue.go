package workflow

import (
	"context"
	"errors"
	"math"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type recalcRetryConfig struct {
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	claimTTL    time.Duration
}

func getRecalcRetryConfig() recalcRetryConfig {
	cfg := recalcRetryConfig{
		maxRetries:  3,
		baseBackoff: 30 * time.Second,
		maxBackoff:  15 * time.Minute,
		claimTTL:    5 * time.Minute,
	}

	if v := os.Getenv("RECALC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxRetries = n
		}
	}
	if v := os.Getenv("RECALC_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("RECALC_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("RECALC_CLAIM_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.claimTTL = time.Duration(n) * time.Second
		}
	}

	return cfg
}

// recalcBackoff computes the delay before the (retryCount+1)-th attempt.
// base * 2^retryCount, capped.
func recalcBackoff(retryCount int, cfg recalcRetryConfig) time.Duration {
	if retryCount <= 0 {
		return cfg.baseBackoff
	}
	delay := time.Duration(float64(cfg.baseBackoff) * math.Pow(2, float64(retryCount)))
	if delay > cfg.maxBackoff {
		return cfg.maxBackoff
	}
	return delay
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// RecalcQueue owns the recalculation_entries table and its state machine.
type RecalcQueue struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	WorkerID string
}

func NewRecalcQueue(db *gorm.DB, logger *logrus.Logger) *RecalcQueue {
	return &RecalcQueue{
		DB:       db,
		Logger:   logger,
		WorkerID: "recalc-" + time.Now().Format("20060102-150405.000"),
	}
}

// Enqueue inserts a PENDING entry for the product. If one already exists the
// unique pending-slot index turns the insert into a duplicate-key error and
// the call is an idempotent no-op.
func (q *RecalcQueue) Enqueue(ctx context.Context, productId int, reason string) error {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}

	entry := models.NewPendingEntry(businessId, productId, reason, 0, nil)
	if err := q.DB.WithContext(ctx).Create(entry).Error; err != nil {
		if isDuplicateKeyErr(err) {
			q.Logger.WithFields(logrus.Fields{
				"field":       "RecalcQueue",
				"business_id": businessId,
				"product_id":  productId,
				"reason":      reason,
			}).Debug("product already pending recalculation; enqueue deduplicated")
			return nil
		}
		return err
	}
	return nil
}

// DequeueBatch atomically claims up to limit runnable PENDING entries, oldest
// first, moving them to PROCESSING. The conditional update's affected-row
// count is the ownership proof: an entry whose update matched zero rows was
// claimed by someone else and is silently skipped.
func (q *RecalcQueue) DequeueBatch(ctx context.Context, limit int) ([]models.RecalculationEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	// Draining is cross-tenant; each entry carries its own business id.
	ctx = utils.SetSkipTenantScopeInContext(ctx)
	now := time.Now().UTC()

	var claimed []models.RecalculationEntry
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.RecalculationEntry
		query := tx.
			Where("status = ?", models.RecalcStatusPending).
			Where("(not_before IS NULL OR not_before <= ?)", now).
			Order("enqueued_at ASC, id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := query.Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			res := tx.Model(&models.RecalculationEntry{}).
				Where("id = ? AND status = ?", candidates[i].ID, models.RecalcStatusPending).
				Updates(map[string]interface{}{
					"status":      models.RecalcStatusProcessing,
					"pending_key": nil,
					"claimed_at":  &now,
					"claimed_by":  &q.WorkerID,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				q.Logger.WithFields(logrus.Fields{
					"field":    "RecalcQueue",
					"entry_id": candidates[i].ID,
				}).Debug(utils.ErrEntryAlreadyClaimed.Error())
				continue
			}
			candidates[i].Status = models.RecalcStatusProcessing
			candidates[i].PendingKey = nil
			candidates[i].ClaimedAt = &now
			candidates[i].ClaimedBy = &q.WorkerID
			claimed = append(claimed, candidates[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete finishes a PROCESSING entry. On success the entry becomes DONE.
// On failure it becomes FAILED and, while retries remain, a fresh PENDING
// entry is respawned with retry_count+1 and an exponential not_before delay;
// otherwise the entry is terminal FAILED_PERMANENT and stays visible in the
// queue status for manual intervention.
func (q *RecalcQueue) Complete(ctx context.Context, entry *models.RecalculationEntry, procErr error) error {
	now := time.Now().UTC()

	if procErr == nil {
		return q.DB.WithContext(ctx).Model(&models.RecalculationEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]interface{}{
				"status":       models.RecalcStatusDone,
				"processed_at": &now,
				"last_error":   nil,
				"claimed_at":   nil,
				"claimed_by":   nil,
			}).Error
	}

	cfg := getRecalcRetryConfig()
	errMsg := procErr.Error()

	status := models.RecalcStatusFailed
	if entry.RetryCount >= cfg.maxRetries {
		status = models.RecalcStatusFailedPermanent
	}

	if err := q.DB.WithContext(ctx).Model(&models.RecalculationEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status":       status,
			"processed_at": &now,
			"last_error":   &errMsg,
			"claimed_at":   nil,
			"claimed_by":   nil,
		}).Error; err != nil {
		return err
	}

	q.Logger.WithFields(logrus.Fields{
		"field":       "RecalcQueue",
		"business_id": entry.BusinessId,
		"product_id":  entry.ProductId,
		"entry_id":    entry.ID,
		"status":      status,
		"retry_count": entry.RetryCount,
	}).Error("recalculation failed: " + errMsg)

	if status == models.RecalcStatusFailedPermanent {
		return nil
	}

	notBefore := now.Add(recalcBackoff(entry.RetryCount, cfg))
	retry := models.NewPendingEntry(entry.BusinessId, entry.ProductId, models.RecalcReasonRetry, entry.RetryCount+1, &notBefore)
	if err := q.DB.WithContext(ctx).Create(retry).Error; err != nil {
		if isDuplicateKeyErr(err) {
			// A newer PENDING entry for the product already covers the retry.
			return nil
		}
		return err
	}
	return nil
}

// ReclaimStale resets entries stuck in PROCESSING beyond the claim TTL back
// to PENDING (crash recovery). If the product gained a fresh PENDING entry in
// the meantime, the stale one is closed as SUPERSEDED instead.
func (q *RecalcQueue) ReclaimStale(ctx context.Context) (int, error) {
	ctx = utils.SetSkipTenantScopeInContext(ctx)
	cfg := getRecalcRetryConfig()
	staleBefore := time.Now().UTC().Add(-cfg.claimTTL)

	var stale []models.RecalculationEntry
	if err := q.DB.WithContext(ctx).
		Where("status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?", models.RecalcStatusProcessing, staleBefore).
		Find(&stale).Error; err != nil {
		return 0, err
	}

	reclaimed := 0
	for i := range stale {
		err := q.DB.WithContext(ctx).Model(&models.RecalculationEntry{}).
			Where("id = ? AND status = ?", stale[i].ID, models.RecalcStatusProcessing).
			Updates(map[string]interface{}{
				"status":      models.RecalcStatusPending,
				"pending_key": utils.NewString("P"),
				"claimed_at":  nil,
				"claimed_by":  nil,
			}).Error
		if err != nil {
			if isDuplicateKeyErr(err) {
				_ = q.DB.WithContext(ctx).Model(&models.RecalculationEntry{}).
					Where("id = ?", stale[i].ID).
					Updates(map[string]interface{}{
						"status":     models.RecalcStatusSuperseded,
						"last_error": utils.NewString("superseded by a newer pending entry"),
						"claimed_at": nil,
						"claimed_by": nil,
					}).Error
				continue
			}
			return reclaimed, err
		}
		reclaimed++
		q.Logger.WithFields(logrus.Fields{
			"field":       "RecalcQueue",
			"business_id": stale[i].BusinessId,
			"product_id":  stale[i].ProductId,
			"entry_id":    stale[i].ID,
		}).Warn("reclaimed stale processing entry")
	}
	return reclaimed, nil
}

// QueueStatus is the operator-facing queue summary. Failed counts only the
// terminal FAILED_PERMANENT entries: transient failures respawn as PENDING.
type QueueStatus struct {
	Pending         int64      `json:"pending"`
	Processing      int64      `json:"processing"`
	Failed          int64      `json:"failed"`
	LastProcessedAt *time.Time `json:"last_processed_at"`
}

// GetQueueStatus reports per-business counts, with a short best-effort redis
// cache in front of the three count queries.
func (q *RecalcQueue) GetQueueStatus(ctx context.Context) (*QueueStatus, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	cacheKey := "recalcQueueStatus:" + businessId
	var cached QueueStatus
	if found, err := config.GetRedisObject(cacheKey, &cached); err == nil && found {
		return &cached, nil
	}

	var status QueueStatus
	db := q.DB.WithContext(ctx).Model(&models.RecalculationEntry{}).Where("business_id = ?", businessId)

	if err := db.Session(&gorm.Session{}).Where("status = ?", models.RecalcStatusPending).Count(&status.Pending).Error; err != nil {
		return nil, err
	}
	if err := db.Session(&gorm.Session{}).Where("status = ?", models.RecalcStatusProcessing).Count(&status.Processing).Error; err != nil {
		return nil, err
	}
	if err := db.Session(&gorm.Session{}).Where("status = ?", models.RecalcStatusFailedPermanent).Count(&status.Failed).Error; err != nil {
		return nil, err
	}

	var last *time.Time
	if err := q.DB.WithContext(ctx).Model(&models.RecalculationEntry{}).
		Where("business_id = ? AND processed_at IS NOT NULL", businessId).
		Select("MAX(processed_at)").Scan(&last).Error; err != nil {
		return nil, err
	}
	status.LastProcessedAt = last

	_ = config.SetRedisObject(cacheKey, &status, 5*time.Second)
	return &status, nil
}
