package database

import (
	"fmt"
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/ledger-api/internal/audit"
	"github.com/ksred/ledger-api/internal/database/migrations"
	"github.com/ksred/ledger-api/internal/ledger"
	"github.com/ksred/ledger-api/internal/market"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("LEDGER_DB")
	if path == "" {
		path = "ledger.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddItemTransfers(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&ledger.Account{},
		&ledger.AssetBalance{},
		&ledger.TransactionRecord{},
		&market.Listing{},
		&market.Order{},
		&audit.Entry{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
