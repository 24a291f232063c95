package migrations

import (
	"github.com/ksred/ledger-api/internal/ledger"
	"gorm.io/gorm"
)

func AddItemTransfers(db *gorm.DB) error {
	// Create the new tables
	if err := db.AutoMigrate(&ledger.ItemInstance{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&ledger.ItemTransferRecord{}); err != nil {
		return err
	}

	return nil
}
