package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"gorm.io/gorm"
)

// Ops tool: move a FAILED_PERMANENT recalculation entry back to PENDING after
// the underlying problem (deleted material, bad BOM line) has been fixed.
func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	entryID := flag.Int("entry-id", 0, "Required: recalculation_entries.id to requeue")
	dryRun := flag.Bool("dry-run", true, "Show record only (no writes)")
	confirm := flag.String("confirm", "", "Type REQUEUE to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" || *entryID <= 0 {
		fmt.Fprintln(os.Stderr, "--business-id and --entry-id are required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REQUEUE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REQUEUE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	ctx := context.Background()

	var entry models.RecalculationEntry
	if err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", *businessID, *entryID).
		First(&entry).Error; err != nil {
		fmt.Fprintf(os.Stderr, "entry not found: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("entry id=%d product_id=%d status=%s retry_count=%d last_error=%s\n",
		entry.ID, entry.ProductId, entry.Status, entry.RetryCount, utils.DereferencePtr(entry.LastError))

	if *dryRun {
		fmt.Println("dry-run: no changes made")
		return
	}
	if entry.Status != models.RecalcStatusFailedPermanent {
		fmt.Fprintf(os.Stderr, "entry is %s, only FAILED_PERMANENT entries can be requeued\n", entry.Status)
		os.Exit(1)
	}

	// Fresh PENDING entry, retry counter reset. The dead entry stays for audit.
	fresh := models.NewPendingEntry(entry.BusinessId, entry.ProductId, models.RecalcReasonManual, 0, nil)
	if err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(fresh).Error
	}); err != nil {
		fmt.Fprintf(os.Stderr, "requeue failed (a pending entry may already exist): %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("requeued: new entry id=%d for product_id=%d\n", fresh.ID, fresh.ProductId)
}
