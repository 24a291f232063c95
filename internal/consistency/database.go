package consistency

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/ledger-api/internal/ledger"
	"github.com/ksred/ledger-api/internal/market"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// frozenRow is one (account, asset) pair with a positive frozen amount,
// carried with its owner so listings can be matched.
type frozenRow struct {
	AccountID    string
	OwnerKind    string
	OwnerRef     string
	AssetCode    string
	FrozenAmount decimal.Decimal
}

// GetFrozenBalances returns all balances with frozen_amount > 0, optionally
// filtered by owning user and asset. Pure read, no locks.
func (d *Database) GetFrozenBalances(userID, assetCode string) ([]frozenRow, error) {
	query := d.db.Model(&ledger.AssetBalance{}).
		Select("asset_balances.account_id, accounts.owner_kind, accounts.owner_ref, asset_balances.asset_code, asset_balances.frozen_amount").
		Joins("JOIN accounts ON accounts.account_id = asset_balances.account_id").
		Where("asset_balances.frozen_amount > 0")
	if userID != "" {
		query = query.Where("accounts.owner_kind = ? AND accounts.owner_ref = ?", ledger.OwnerKindUser, userID)
	}
	if assetCode != "" {
		query = query.Where("asset_balances.asset_code = ?", assetCode)
	}

	var rows []frozenRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// GetListedAmount sums the fungible offer amounts of a seller's live
// listings for one asset. on_sale and locked listings both encumber the
// offer; sold and cancelled ones do not.
func (d *Database) GetListedAmount(tx *gorm.DB, sellerUserID, assetCode string) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := tx.Model(&market.Listing{}).
		Select("COALESCE(SUM(offer_amount), 0) AS total").
		Where("seller_user_id = ?", sellerUserID).
		Where("offer_asset_code = ?", assetCode).
		Where("status IN ?", []string{market.ListingOnSale, market.ListingLocked}).
		Scan(&result).Error
	if err != nil {
		return decimal.Zero, err
	}
	return result.Total, nil
}

// GetOrderHeldAmount sums the gross amounts a buyer has frozen against
// orders that are still in the frozen state. Those holds are live
// commitments just like listed offers.
func (d *Database) GetOrderHeldAmount(tx *gorm.DB, buyerUserID, assetCode string) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := tx.Model(&market.Order{}).
		Select("COALESCE(SUM(gross_amount), 0) AS total").
		Where("buyer_user_id = ?", buyerUserID).
		Where("asset_code = ?", assetCode).
		Where("status = ?", market.OrderFrozen).
		Scan(&result).Error
	if err != nil {
		return decimal.Zero, err
	}
	return result.Total, nil
}

func (d *Database) DB() *gorm.DB {
	return d.db
}
