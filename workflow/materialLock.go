package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireMaterialLock serializes the stock/WAC read-modify-write per material
// across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB (transaction) that will do the update.
func AcquireMaterialLock(tx *gorm.DB, businessId string, materialId int) error {
	lockName := fmt.Sprintf("material:%s:%d", businessId, materialId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 10)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire material lock for business_id=%s material_id=%d", businessId, materialId)
	}
	return nil
}

func ReleaseMaterialLock(tx *gorm.DB, businessId string, materialId int) {
	lockName := fmt.Sprintf("material:%s:%d", businessId, materialId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
