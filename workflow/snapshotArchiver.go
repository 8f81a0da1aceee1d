package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultRetentionDays    = 90
	defaultArchiveBatchSize = 500
)

// SnapshotArchiver compacts cost snapshots older than the retention window
// into one row per product per day, keeping the last snapshot of each day.
type SnapshotArchiver struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	BatchSize int
}

func NewSnapshotArchiver(db *gorm.DB, logger *logrus.Logger) *SnapshotArchiver {
	return &SnapshotArchiver{DB: db, Logger: logger, BatchSize: defaultArchiveBatchSize}
}

type ArchiveResult struct {
	ArchivedCount int `json:"archived_count"`
	GroupCount    int `json:"group_count"`
	FailedGroups  int `json:"failed_groups"`
}

type archiveGroup struct {
	last      *models.CostSnapshot
	ids       []int
	collapsed int
}

type archiveGroupKey struct {
	businessId string
	productId  int
	day        string
}

// ArchiveSnapshots walks snapshots older than retentionDays in id-cursor
// batches and compacts them. Each product/day group is moved in its own
// transaction (upsert archive row, delete source rows), so the run is
// idempotent and a failed group does not abort the rest. A repeat run over
// the same window archives nothing.
func (s *SnapshotArchiver) ArchiveSnapshots(ctx context.Context, retentionDays int) (*ArchiveResult, error) {
	// Archival compacts every tenant's snapshots in one run.
	ctx = utils.SetSkipTenantScopeInContext(ctx)
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = defaultArchiveBatchSize
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	result := &ArchiveResult{}
	cursor := 0
	for {
		var batch []models.CostSnapshot
		err := s.DB.WithContext(ctx).
			Where("id > ? AND computed_at < ?", cursor, cutoff).
			Order("id ASC").
			Limit(batchSize).
			Find(&batch).Error
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID

		for _, g := range groupSnapshotsByDay(batch) {
			if err := s.archiveGroup(ctx, g); err != nil {
				result.FailedGroups++
				day := g.last.ComputedAt.UTC().Format("2006-01-02")
				integrityErr := &utils.ArchivalIntegrityError{
					ProductId:    g.last.ProductId,
					SnapshotDate: day,
					Err:          err,
				}
				s.Logger.WithFields(logrus.Fields{
					"field":       "SnapshotArchiver",
					"business_id": g.last.BusinessId,
					"product_id":  g.last.ProductId,
					"date":        day,
				}).Error(integrityErr.Error())
				continue
			}
			result.GroupCount++
			result.ArchivedCount += len(g.ids)
		}
	}

	s.Logger.WithFields(logrus.Fields{
		"field":          "SnapshotArchiver",
		"retention_days": retentionDays,
		"archived":       result.ArchivedCount,
		"groups":         result.GroupCount,
		"failed_groups":  result.FailedGroups,
	}).Info("snapshot archival run finished")
	return result, nil
}

// groupSnapshotsByDay buckets a batch per (business, product, calendar day in
// UTC) and remembers the last snapshot of each bucket.
func groupSnapshotsByDay(batch []models.CostSnapshot) []archiveGroup {
	buckets := make(map[archiveGroupKey]*archiveGroup)
	var order []archiveGroupKey
	for i := range batch {
		snap := &batch[i]
		key := archiveGroupKey{
			businessId: snap.BusinessId,
			productId:  snap.ProductId,
			day:        snap.ComputedAt.UTC().Format("2006-01-02"),
		}
		g, ok := buckets[key]
		if !ok {
			g = &archiveGroup{}
			buckets[key] = g
			order = append(order, key)
		}
		g.ids = append(g.ids, snap.ID)
		g.collapsed++
		if g.last == nil || snap.ComputedAt.After(g.last.ComputedAt) ||
			(snap.ComputedAt.Equal(g.last.ComputedAt) && snap.ID > g.last.ID) {
			g.last = snap
		}
	}

	out := make([]archiveGroup, 0, len(order))
	for _, key := range order {
		out = append(out, *buckets[key])
	}
	return out
}

func (s *SnapshotArchiver) archiveGroup(ctx context.Context, g archiveGroup) error {
	day, err := time.Parse("2006-01-02", g.last.ComputedAt.UTC().Format("2006-01-02"))
	if err != nil {
		return err
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.CostSnapshotArchive{
			BusinessId:     g.last.BusinessId,
			ProductId:      g.last.ProductId,
			SnapshotDate:   day,
			MaterialCost:   g.last.MaterialCost,
			LaborCost:      g.last.LaborCost,
			OverheadCost:   g.last.OverheadCost,
			TotalCost:      g.last.TotalCost,
			CostPerUnit:    g.last.CostPerUnit,
			MarginPercent:  g.last.MarginPercent,
			ComputedAt:     g.last.ComputedAt,
			CollapsedCount: g.collapsed,
		}
		// A day can span batches: keep the later snapshot's values and
		// accumulate the collapsed count.
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "business_id"}, {Name: "product_id"}, {Name: "snapshot_date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"material_cost":   row.MaterialCost,
				"labor_cost":      row.LaborCost,
				"overhead_cost":   row.OverheadCost,
				"total_cost":      row.TotalCost,
				"cost_per_unit":   row.CostPerUnit,
				"margin_percent":  row.MarginPercent,
				"computed_at":     row.ComputedAt,
				"collapsed_count": gorm.Expr("collapsed_count + ?", g.collapsed),
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Where("id IN ?", g.ids).Delete(&models.CostSnapshot{}).Error
	})
}
