package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetOrCreateAccount resolves an account row for ref, creating it lazily on
// first use. Safe against creation races: a duplicate insert falls back to a
// re-read.
func (d *Database) GetOrCreateAccount(tx *gorm.DB, ref AccountRef) (*Account, error) {
	var account Account
	err := tx.Where("owner_kind = ? AND owner_ref = ?", ref.OwnerKind, ref.OwnerRef).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	account = Account{
		AccountID: "ACC_" + uuid.New().String(),
		OwnerKind: ref.OwnerKind,
		OwnerRef:  ref.OwnerRef,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := tx.Create(&account).Error; err != nil {
		// Lost a creation race: another transaction inserted the row first.
		var existing Account
		if ferr := tx.Where("owner_kind = ? AND owner_ref = ?", ref.OwnerKind, ref.OwnerRef).First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, err
	}
	return &account, nil
}

// GetBalanceForUpdate acquires a row lock on the (account, asset) balance
// row, creating a zeroed row first if none exists. All read-modify-write
// cycles on a balance go through this lock.
func (d *Database) GetBalanceForUpdate(tx *gorm.DB, accountID, assetCode string) (*AssetBalance, error) {
	var balance AssetBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND asset_code = ?", accountID, assetCode).
		First(&balance).Error
	if err == nil {
		return &balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	balance = AssetBalance{
		AccountID: accountID,
		AssetCode: assetCode,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := tx.Create(&balance).Error; err != nil {
		var existing AssetBalance
		if ferr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ? AND asset_code = ?", accountID, assetCode).
			First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, err
	}
	return &balance, nil
}

func (d *Database) UpdateBalance(tx *gorm.DB, balance *AssetBalance) error {
	balance.UpdatedAt = time.Now()
	return tx.Save(balance).Error
}

// GetTransactionRecord returns the record for a (business_type, business_id)
// pair, or nil if none exists.
func (d *Database) GetTransactionRecord(tx *gorm.DB, businessType, businessID string) (*TransactionRecord, error) {
	var record TransactionRecord
	err := tx.Where("business_type = ? AND business_id = ?", businessType, businessID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) CreateTransactionRecord(tx *gorm.DB, record *TransactionRecord) error {
	record.TransactionID = "TXN_" + uuid.New().String()
	record.CreatedAt = time.Now()
	return tx.Create(record).Error
}

// GetItemForUpdate acquires a row lock on an item instance.
func (d *Database) GetItemForUpdate(tx *gorm.DB, itemInstanceID string) (*ItemInstance, error) {
	var item ItemInstance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("item_instance_id = ?", itemInstanceID).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (d *Database) UpdateItem(tx *gorm.DB, item *ItemInstance) error {
	item.UpdatedAt = time.Now()
	return tx.Save(item).Error
}

func (d *Database) GetItemTransferRecord(tx *gorm.DB, businessType, businessID string) (*ItemTransferRecord, error) {
	var record ItemTransferRecord
	err := tx.Where("business_type = ? AND business_id = ?", businessType, businessID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) CreateItemTransferRecord(tx *gorm.DB, record *ItemTransferRecord) error {
	record.TransferID = "ITX_" + uuid.New().String()
	record.CreatedAt = time.Now()
	return tx.Create(record).Error
}

func (d *Database) CreateItem(tx *gorm.DB, item *ItemInstance) error {
	item.CreatedAt = time.Now()
	item.UpdatedAt = time.Now()
	return tx.Create(item).Error
}

// Read-path queries below run outside any engine transaction.

func (d *Database) GetAccount(ref AccountRef) (*Account, error) {
	var account Account
	err := d.db.Where("owner_kind = ? AND owner_ref = ?", ref.OwnerKind, ref.OwnerRef).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *Database) GetBalances(accountID string) ([]AssetBalance, error) {
	var balances []AssetBalance
	if err := d.db.Where("account_id = ?", accountID).Order("asset_code ASC").Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}

func (d *Database) GetTransactions(accountID string, limit, offset int) ([]TransactionRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []TransactionRecord
	err := d.db.Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) GetItemsByOwner(ownerUserID string) ([]ItemInstance, error) {
	var items []ItemInstance
	if err := d.db.Where("owner_user_id = ?", ownerUserID).Order("created_at DESC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
