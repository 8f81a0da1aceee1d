package models

import (
	"log"

	"bitbucket.org/mmdatafocus/costing_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Material{}, &MaterialPurchase{}, &StockLog{},
		&Product{}, &ProductMaterial{},
		&CostSetting{},
		&CostSnapshot{}, &CostSnapshotArchive{},
		&RecalculationEntry{},
		&CostAlert{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
