package workflow_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"bitbucket.org/mmdatafocus/costing_backend/workflow"
	"github.com/shopspring/decimal"
)

// End-to-end regression over the real MySQL/Redis stack. Run with
// INTEGRATION_TESTS=1 (requires docker).

func TestPurchaseToAlertPipeline(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupEngineEnv(t)
	db := config.GetDB()
	engine := workflow.NewEngine(db, config.GetLogger())
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	// Flour, and a product using 2 kg of it per batch of 10 servings.
	flour := models.Material{
		BusinessId: businessId,
		Name:       "Flour",
		Unit:       "kg",
		IsActive:   utils.NewTrue(),
	}
	if err := db.Create(&flour).Error; err != nil {
		t.Fatalf("create material: %v", err)
	}
	product := models.Product{
		BusinessId:   businessId,
		Name:         "Bread",
		Servings:     10,
		SellingPrice: decimal.NewFromInt(50000),
		IsActive:     utils.NewTrue(),
	}
	if err := db.Create(&product).Error; err != nil {
		t.Fatalf("create product: %v", err)
	}
	if err := db.Create(&models.ProductMaterial{
		ProductId:  product.ID,
		MaterialId: flour.ID,
		Quantity:   decimal.NewFromInt(2),
	}).Error; err != nil {
		t.Fatalf("create bom line: %v", err)
	}

	// First purchase: 10 kg at 10000. WAC becomes 10000.
	if _, err := engine.Purchases.RecordPurchase(ctx, &models.NewMaterialPurchase{
		MaterialId: flour.ID,
		Quantity:   decimal.NewFromInt(10),
		UnitPrice:  decimal.NewFromInt(10000),
	}); err != nil {
		t.Fatalf("RecordPurchase: %v", err)
	}
	var m models.Material
	if err := db.First(&m, flour.ID).Error; err != nil {
		t.Fatalf("reload material: %v", err)
	}
	if m.WeightedAverageCost.Cmp(decimal.NewFromInt(10000)) != 0 {
		t.Fatalf("expected wac 10000; got %s", m.WeightedAverageCost.String())
	}

	// A second purchase before the batch runs must not create a second
	// pending entry for the same product.
	if _, err := engine.Purchases.RecordPurchase(ctx, &models.NewMaterialPurchase{
		MaterialId: flour.ID,
		Quantity:   decimal.NewFromInt(10),
		UnitPrice:  decimal.NewFromInt(14000),
	}); err != nil {
		t.Fatalf("RecordPurchase (second): %v", err)
	}
	if err := db.First(&m, flour.ID).Error; err != nil {
		t.Fatalf("reload material: %v", err)
	}
	if m.WeightedAverageCost.Cmp(decimal.NewFromInt(12000)) != 0 {
		t.Fatalf("expected wac 12000 after second purchase; got %s", m.WeightedAverageCost.String())
	}
	var pendingCount int64
	if err := db.Model(&models.RecalculationEntry{}).
		Where("business_id = ? AND product_id = ? AND status = ?", businessId, product.ID, models.RecalcStatusPending).
		Count(&pendingCount).Error; err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pendingCount != 1 {
		t.Fatalf("expected exactly 1 pending entry; got %d", pendingCount)
	}

	// Drain the queue: one processed entry, one snapshot, no alert yet
	// (first snapshot is never a spike; margin is well above the floor).
	result, err := engine.Processor.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if result.Processed != 1 || result.Succeeded != 1 {
		t.Fatalf("expected 1/1 processed/succeeded; got %+v", result)
	}
	snap, err := models.GetLatestCostSnapshot(ctx, businessId, product.ID)
	if err != nil {
		t.Fatalf("GetLatestCostSnapshot: %v", err)
	}
	if snap.TotalCost.Cmp(decimal.NewFromInt(24000)) != 0 {
		t.Fatalf("expected total cost 24000 (2kg at wac 12000); got %s", snap.TotalCost.String())
	}
	alerts, err := engine.Alerts.ListAlerts(ctx, workflow.ListAlertsFilter{})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if alerts.Total != 0 {
		t.Fatalf("expected no alerts after first snapshot; got %d", alerts.Total)
	}

	// Expensive restock: wac 12000 -> 16000 (+33% product cost). The
	// recompute must raise a COST_SPIKE alert.
	if _, err := engine.Purchases.RecordPurchase(ctx, &models.NewMaterialPurchase{
		MaterialId: flour.ID,
		Quantity:   decimal.NewFromInt(20),
		UnitPrice:  decimal.NewFromInt(20000),
	}); err != nil {
		t.Fatalf("RecordPurchase (spike): %v", err)
	}
	if _, err := engine.Processor.ProcessBatch(ctx, 10); err != nil {
		t.Fatalf("ProcessBatch (spike): %v", err)
	}
	alerts, err = engine.Alerts.ListAlerts(ctx, workflow.ListAlertsFilter{})
	if err != nil {
		t.Fatalf("ListAlerts (spike): %v", err)
	}
	if alerts.Total != 1 {
		t.Fatalf("expected 1 alert after spike; got %d", alerts.Total)
	}
	spike := alerts.Items[0]
	if spike.AlertType != models.AlertTypeCostSpike {
		t.Fatalf("expected COST_SPIKE; got %s", spike.AlertType)
	}

	// A second spike inside the cool-down window updates the same row.
	if err := engine.Alerts.MarkRead(ctx, spike.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if _, err := engine.Purchases.RecordPurchase(ctx, &models.NewMaterialPurchase{
		MaterialId: flour.ID,
		Quantity:   decimal.NewFromInt(50),
		UnitPrice:  decimal.NewFromInt(40000),
	}); err != nil {
		t.Fatalf("RecordPurchase (second spike): %v", err)
	}
	if _, err := engine.Processor.ProcessBatch(ctx, 10); err != nil {
		t.Fatalf("ProcessBatch (second spike): %v", err)
	}
	alerts, err = engine.Alerts.ListAlerts(ctx, workflow.ListAlertsFilter{})
	if err != nil {
		t.Fatalf("ListAlerts (second spike): %v", err)
	}
	if alerts.Total != 1 {
		t.Fatalf("expected dedup to keep 1 alert; got %d", alerts.Total)
	}
	if alerts.Items[0].ID != spike.ID {
		t.Fatalf("expected alert %d to be updated in place; got new alert %d", spike.ID, alerts.Items[0].ID)
	}
	if alerts.Unread != 1 {
		t.Fatalf("expected refreshed alert to be unread again; got %d unread", alerts.Unread)
	}

	// Queue status reflects the drained state.
	status, err := engine.Queue.GetQueueStatus(ctx)
	if err != nil {
		t.Fatalf("GetQueueStatus: %v", err)
	}
	if status.Pending != 0 || status.Processing != 0 || status.Failed != 0 {
		t.Fatalf("expected empty queue; got %+v", status)
	}
	if status.LastProcessedAt == nil {
		t.Fatalf("expected last_processed_at to be set")
	}
}

func TestFailedEntryRetriesThenDeadLetters(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupEngineEnv(t)
	t.Setenv("RECALC_MAX_RETRIES", "1")
	t.Setenv("RECALC_BASE_BACKOFF_SECONDS", "1")
	t.Setenv("RECALC_MAX_BACKOFF_SECONDS", "1")

	db := config.GetDB()
	engine := workflow.NewEngine(db, config.GetLogger())
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	// Product referencing a material that does not exist: every recompute
	// fails with a computation error.
	product := models.Product{
		BusinessId: businessId,
		Name:       "Ghost Cake",
		Servings:   1,
		IsActive:   utils.NewTrue(),
	}
	if err := db.Create(&product).Error; err != nil {
		t.Fatalf("create product: %v", err)
	}
	if err := db.Create(&models.ProductMaterial{
		ProductId:  product.ID,
		MaterialId: 999999,
		Quantity:   decimal.NewFromInt(1),
	}).Error; err != nil {
		t.Fatalf("create bom line: %v", err)
	}

	if err := engine.Queue.Enqueue(ctx, product.ID, models.RecalcReasonManual); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// First attempt fails and respawns a delayed retry.
	result, err := engine.Processor.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected 1 failed entry; got %+v", result)
	}
	time.Sleep(1500 * time.Millisecond)

	// Second attempt exhausts retries: the entry dead-letters.
	if _, err := engine.Processor.ProcessBatch(ctx, 10); err != nil {
		t.Fatalf("ProcessBatch (retry): %v", err)
	}
	status, err := engine.Queue.GetQueueStatus(ctx)
	if err != nil {
		t.Fatalf("GetQueueStatus: %v", err)
	}
	if status.Failed != 1 {
		t.Fatalf("expected 1 FAILED_PERMANENT entry; got %+v", status)
	}
	if status.Pending != 0 {
		t.Fatalf("expected no further retries; got %+v", status)
	}

	var dead models.RecalculationEntry
	if err := db.Where("business_id = ? AND product_id = ? AND status = ?",
		businessId, product.ID, models.RecalcStatusFailedPermanent).
		First(&dead).Error; err != nil {
		t.Fatalf("fetch dead entry: %v", err)
	}
	if dead.LastError == nil || !strings.Contains(*dead.LastError, "material") {
		t.Fatalf("expected last_error to name the material; got %v", dead.LastError)
	}
}

func TestArchiveSnapshotsIsIdempotent(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupEngineEnv(t)
	db := config.GetDB()
	engine := workflow.NewEngine(db, config.GetLogger())
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	// Three old snapshots on one day, two on another, one recent.
	day1 := time.Now().UTC().AddDate(0, 0, -120)
	day2 := time.Now().UTC().AddDate(0, 0, -100)
	mkSnap := func(at time.Time, total int64) {
		if err := db.Create(&models.CostSnapshot{
			BusinessId: businessId,
			ProductId:  42,
			ComputedAt: at,
			TotalCost:  decimal.NewFromInt(total),
			Reason:     models.RecalcReasonManual,
		}).Error; err != nil {
			t.Fatalf("create snapshot: %v", err)
		}
	}
	mkSnap(day1.Add(1*time.Hour), 100)
	mkSnap(day1.Add(2*time.Hour), 110)
	mkSnap(day1.Add(3*time.Hour), 120)
	mkSnap(day2.Add(1*time.Hour), 200)
	mkSnap(day2.Add(5*time.Hour), 210)
	mkSnap(time.Now().UTC().Add(-1*time.Hour), 300)

	result, err := engine.Archiver.ArchiveSnapshots(ctx, 90)
	if err != nil {
		t.Fatalf("ArchiveSnapshots: %v", err)
	}
	if result.ArchivedCount != 5 || result.GroupCount != 2 || result.FailedGroups != 0 {
		t.Fatalf("unexpected archive result: %+v", result)
	}

	var archives []models.CostSnapshotArchive
	if err := db.Where("business_id = ? AND product_id = ?", businessId, 42).
		Order("snapshot_date ASC").Find(&archives).Error; err != nil {
		t.Fatalf("fetch archives: %v", err)
	}
	if len(archives) != 2 {
		t.Fatalf("expected 2 archive rows; got %d", len(archives))
	}
	if archives[0].TotalCost.Cmp(decimal.NewFromInt(120)) != 0 || archives[0].CollapsedCount != 3 {
		t.Fatalf("expected day1 archive to keep last-of-day 120 with collapsed 3; got %+v", archives[0])
	}
	if archives[1].TotalCost.Cmp(decimal.NewFromInt(210)) != 0 || archives[1].CollapsedCount != 2 {
		t.Fatalf("expected day2 archive to keep last-of-day 210 with collapsed 2; got %+v", archives[1])
	}

	// The recent snapshot survives; the archived ones are gone.
	var remaining int64
	if err := db.Model(&models.CostSnapshot{}).
		Where("business_id = ? AND product_id = ?", businessId, 42).
		Count(&remaining).Error; err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 remaining snapshot; got %d", remaining)
	}

	// Re-running the same window archives nothing and changes nothing.
	again, err := engine.Archiver.ArchiveSnapshots(ctx, 90)
	if err != nil {
		t.Fatalf("ArchiveSnapshots (repeat): %v", err)
	}
	if again.ArchivedCount != 0 {
		t.Fatalf("expected repeat run to archive 0; got %+v", again)
	}
	var day1Archive models.CostSnapshotArchive
	if err := db.Where("business_id = ? AND product_id = ?", businessId, 42).
		Order("snapshot_date ASC").First(&day1Archive).Error; err != nil {
		t.Fatalf("reload day1 archive: %v", err)
	}
	if day1Archive.CollapsedCount != 3 {
		t.Fatalf("expected collapsed count to stay 3 after repeat run; got %d", day1Archive.CollapsedCount)
	}
}

func TestConcurrentDequeueClaimsEachEntryOnce(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupEngineEnv(t)
	db := config.GetDB()
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	const entries = 30
	for i := 0; i < entries; i++ {
		if err := db.Create(models.NewPendingEntry(businessId, 1000+i, models.RecalcReasonManual, 0, nil)).Error; err != nil {
			t.Fatalf("seed entry: %v", err)
		}
	}

	// Several workers race over the same queue. Every entry must be claimed by
	// exactly one of them.
	const workers = 5
	var (
		mu     sync.Mutex
		claims = make(map[int]string)
		wg     sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			queue := workflow.NewRecalcQueue(db, config.GetLogger())
			queue.WorkerID = fmt.Sprintf("racer-%d", w)
			for {
				batch, err := queue.DequeueBatch(ctx, 4)
				if err != nil {
					t.Errorf("DequeueBatch: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					if winner, dup := claims[e.ID]; dup {
						t.Errorf("entry %d claimed by both %s and %s", e.ID, winner, queue.WorkerID)
					}
					claims[e.ID] = queue.WorkerID
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(claims) != entries {
		t.Fatalf("expected all %d entries claimed exactly once; got %d", entries, len(claims))
	}
	var processing int64
	if err := db.Model(&models.RecalculationEntry{}).
		Where("business_id = ? AND status = ?", businessId, models.RecalcStatusProcessing).
		Count(&processing).Error; err != nil {
		t.Fatalf("count processing: %v", err)
	}
	if processing != entries {
		t.Fatalf("expected %d PROCESSING entries; got %d", entries, processing)
	}
}

func TestReclaimStaleAndSupersede(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupEngineEnv(t)
	db := config.GetDB()
	queue := workflow.NewRecalcQueue(db, config.GetLogger())
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	old := time.Now().UTC().Add(-time.Hour)
	mkStale := func(productId int) *models.RecalculationEntry {
		e := &models.RecalculationEntry{
			BusinessId: businessId,
			ProductId:  productId,
			Reason:     models.RecalcReasonManual,
			Status:     models.RecalcStatusProcessing,
			EnqueuedAt: old,
			ClaimedAt:  &old,
			ClaimedBy:  utils.NewString("dead-worker"),
		}
		if err := db.Create(e).Error; err != nil {
			t.Fatalf("seed stale entry: %v", err)
		}
		return e
	}

	// Product 7: abandoned claim, no competing entry. Product 8: abandoned
	// claim plus a fresh PENDING entry that already covers the recompute.
	orphan := mkStale(7)
	overtaken := mkStale(8)
	if err := db.Create(models.NewPendingEntry(businessId, 8, models.RecalcReasonManual, 0, nil)).Error; err != nil {
		t.Fatalf("seed pending entry: %v", err)
	}

	reclaimed, err := queue.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed entry; got %d", reclaimed)
	}

	var got models.RecalculationEntry
	if err := db.First(&got, orphan.ID).Error; err != nil {
		t.Fatalf("reload orphan: %v", err)
	}
	if got.Status != models.RecalcStatusPending || got.PendingKey == nil {
		t.Fatalf("expected orphan back to PENDING with its pending slot; got %+v", got)
	}

	if err := db.First(&got, overtaken.ID).Error; err != nil {
		t.Fatalf("reload overtaken: %v", err)
	}
	if got.Status != models.RecalcStatusSuperseded {
		t.Fatalf("expected overtaken entry SUPERSEDED; got %s", got.Status)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "superseded") {
		t.Fatalf("expected superseded note in last_error; got %v", got.LastError)
	}
}

// setupEngineEnv boots MySQL and Redis containers, connects the globals, runs
// migrations and returns a context scoped to a fresh business id.
func setupEngineEnv(t *testing.T) context.Context {
	t.Helper()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "costing_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetBusinessIdInContext(ctx, fmt.Sprintf("biz-%d", time.Now().UnixNano()))
	return ctx
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("costing-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("costing-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=costing_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
