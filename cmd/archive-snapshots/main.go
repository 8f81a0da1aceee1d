package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/workflow"
)

// One-shot archival job for deployments that run compaction from cron or a
// scheduled Cloud Run job instead of the /internal/archive-snapshots endpoint.
func main() {
	retentionDays := flag.Int("retention-days", 90, "Archive snapshots older than this many days")
	batchSize := flag.Int("batch-size", 500, "Snapshots scanned per batch")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	archiver := workflow.NewSnapshotArchiver(db, config.GetLogger())
	if *batchSize > 0 {
		archiver.BatchSize = *batchSize
	}

	result, err := archiver.ArchiveSnapshots(context.Background(), *retentionDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archival failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("archived=%d groups=%d failed_groups=%d\n",
		result.ArchivedCount, result.GroupCount, result.FailedGroups)
	if result.FailedGroups > 0 {
		os.Exit(1)
	}
}
