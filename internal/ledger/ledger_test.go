package ledger

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/ledger-api/internal/audit"
	"github.com/ksred/ledger-api/internal/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&Account{},
		&AssetBalance{},
		&TransactionRecord{},
		&ItemInstance{},
		&ItemTransferRecord{},
		&audit.Entry{},
	))
	return db
}

func setupService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	return NewService(db, audit.NewWriter()), db
}

func txc(db *gorm.DB, businessType, businessID string) TxContext {
	return TxContext{
		Tx:           db,
		BusinessType: businessType,
		BusinessID:   businessID,
	}
}

// seedBalance credits a user with available funds through the normal
// mutation path so the account and balance rows exist.
func seedBalance(t *testing.T, svc *Service, db *gorm.DB, userID, assetCode string, amount int64) {
	t.Helper()
	_, err := svc.ChangeBalance(
		txc(db, "seed", uuid.New().String()),
		UserRef(userID), assetCode, decimal.NewFromInt(amount))
	require.NoError(t, err)
}

func TestFreezeUnfreezeRoundTrip(t *testing.T) {
	svc, db := setupService(t)
	seedBalance(t, svc, db, "user1", "points", 1000)

	frozen, err := svc.Freeze(txc(db, "order_freeze_buyer", "biz-1"),
		UserRef("user1"), "points", decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.True(t, frozen.AvailableAmount.Equal(decimal.NewFromInt(800)))
	assert.True(t, frozen.FrozenAmount.Equal(decimal.NewFromInt(200)))

	released, err := svc.Unfreeze(txc(db, "order_unfreeze_buyer", "biz-2"),
		UserRef("user1"), "points", decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.True(t, released.AvailableAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, released.FrozenAmount.Equal(decimal.Zero))

	// Seed, freeze, unfreeze: one record each.
	var count int64
	require.NoError(t, db.Model(&TransactionRecord{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestSettleFromFrozen(t *testing.T) {
	svc, db := setupService(t)
	seedBalance(t, svc, db, "user1", "points", 500)

	_, err := svc.Freeze(txc(db, "order_freeze_buyer", "biz-1"),
		UserRef("user1"), "points", decimal.NewFromInt(300))
	require.NoError(t, err)

	settled, err := svc.SettleFromFrozen(txc(db, "order_settle_buyer", "biz-2"),
		UserRef("user1"), "points", decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.True(t, settled.AvailableAmount.Equal(decimal.NewFromInt(200)))
	assert.True(t, settled.FrozenAmount.Equal(decimal.Zero))
}

func TestIdempotentReplayReturnsPriorResult(t *testing.T) {
	svc, db := setupService(t)

	first, err := svc.ChangeBalance(txc(db, "grant", "biz-1"),
		UserRef("user1"), "points", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate)

	second, err := svc.ChangeBalance(txc(db, "grant", "biz-1"),
		UserRef("user1"), "points", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.AvailableAmount.Equal(decimal.NewFromInt(100)))

	// The replay must not have applied a second time.
	var count int64
	require.NoError(t, db.Model(&TransactionRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIdempotencyConflictLeavesBalanceUntouched(t *testing.T) {
	svc, db := setupService(t)

	_, err := svc.ChangeBalance(txc(db, "grant", "biz-1"),
		UserRef("user1"), "points", decimal.NewFromInt(100))
	require.NoError(t, err)

	// Same key, different amount.
	_, err = svc.ChangeBalance(txc(db, "grant", "biz-1"),
		UserRef("user1"), "points", decimal.NewFromInt(999))
	var conflict *types.IdempotencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "grant", conflict.BusinessType)
	assert.Equal(t, "biz-1", conflict.BusinessID)

	// Same key, different asset.
	_, err = svc.ChangeBalance(txc(db, "grant", "biz-1"),
		UserRef("user1"), "gems", decimal.NewFromInt(100))
	require.ErrorAs(t, err, &conflict)

	var balance AssetBalance
	require.NoError(t, db.Where("asset_code = ?", "points").First(&balance).Error)
	assert.True(t, balance.AvailableAmount.Equal(decimal.NewFromInt(100)))
}

func TestInsufficientBalance(t *testing.T) {
	svc, db := setupService(t)
	seedBalance(t, svc, db, "user1", "points", 50)

	_, err := svc.Freeze(txc(db, "order_freeze_buyer", "biz-1"),
		UserRef("user1"), "points", decimal.NewFromInt(200))
	var insufficient *types.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "points", insufficient.AssetCode)
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(50)))
	assert.True(t, insufficient.Requested.Equal(decimal.NewFromInt(200)))

	// The failed freeze must not leave partial state behind.
	var balance AssetBalance
	require.NoError(t, db.First(&balance).Error)
	assert.True(t, balance.AvailableAmount.Equal(decimal.NewFromInt(50)))
	assert.True(t, balance.FrozenAmount.Equal(decimal.Zero))
}

func TestUnfreezeMoreThanFrozen(t *testing.T) {
	svc, db := setupService(t)
	seedBalance(t, svc, db, "user1", "points", 500)

	_, err := svc.Freeze(txc(db, "order_freeze_buyer", "biz-1"),
		UserRef("user1"), "points", decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = svc.Unfreeze(txc(db, "order_unfreeze_buyer", "biz-2"),
		UserRef("user1"), "points", decimal.NewFromInt(150))
	var invalid *types.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "asset_balance", invalid.Entity)
}

func TestMutationAmountMustBePositive(t *testing.T) {
	svc, db := setupService(t)

	_, err := svc.Freeze(txc(db, "order_freeze_buyer", "biz-1"),
		UserRef("user1"), "points", decimal.Zero)
	assert.Error(t, err)

	_, err = svc.Unfreeze(txc(db, "order_unfreeze_buyer", "biz-2"),
		UserRef("user1"), "points", decimal.NewFromInt(-5))
	assert.Error(t, err)
}

func TestTxContextValidation(t *testing.T) {
	svc, db := setupService(t)

	_, err := svc.ChangeBalance(TxContext{Tx: db, BusinessType: "grant"},
		UserRef("user1"), "points", decimal.NewFromInt(10))
	assert.Error(t, err)

	_, err = svc.ChangeBalance(TxContext{BusinessType: "grant", BusinessID: "biz-1"},
		UserRef("user1"), "points", decimal.NewFromInt(10))
	assert.Error(t, err)
}

func TestTransferItem(t *testing.T) {
	svc, db := setupService(t)

	item, err := svc.CreateItem(db, "seller1", "lottery_prize_a")
	require.NoError(t, err)

	result, err := svc.TransferItem(txc(db, "order_item_transfer", "biz-1"),
		item.ItemInstanceID, "seller1", "buyer1")
	require.NoError(t, err)
	assert.Equal(t, "buyer1", result.OwnerUserID)
	assert.False(t, result.IsDuplicate)

	// Replay returns the recorded outcome without a second move.
	replay, err := svc.TransferItem(txc(db, "order_item_transfer", "biz-1"),
		item.ItemInstanceID, "seller1", "buyer1")
	require.NoError(t, err)
	assert.True(t, replay.IsDuplicate)
	assert.Equal(t, result.TransferID, replay.TransferID)

	// The old owner cannot transfer it again.
	_, err = svc.TransferItem(txc(db, "order_item_transfer", "biz-2"),
		item.ItemInstanceID, "seller1", "buyer2")
	var invalid *types.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "item_instance", invalid.Entity)

	items, err := svc.GetDB().GetItemsByOwner("buyer1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ItemStatusHeld, items[0].Status)
}

func TestAdminAdjustWritesAudit(t *testing.T) {
	svc, db := setupService(t)

	result, err := svc.AdminAdjust("ops-1", UserRef("user1"), "points",
		decimal.NewFromInt(500), "adj-1", "goodwill credit")
	require.NoError(t, err)
	assert.True(t, result.AvailableAmount.Equal(decimal.NewFromInt(500)))

	entries, err := audit.NewWriter().GetByBusinessID(db, "adj-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ops-1", entries[0].OperatorID)
	assert.Equal(t, "admin_adjust", entries[0].Action)

	// A replay must not produce a second audit entry.
	replay, err := svc.AdminAdjust("ops-1", UserRef("user1"), "points",
		decimal.NewFromInt(500), "adj-1", "goodwill credit")
	require.NoError(t, err)
	assert.True(t, replay.IsDuplicate)

	entries, err = audit.NewWriter().GetByBusinessID(db, "adj-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAdminAdjustRequiresOperator(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.AdminAdjust("", UserRef("user1"), "points",
		decimal.NewFromInt(500), "adj-1", "goodwill credit")
	assert.Error(t, err)
}

func TestAccountsAreIsolatedPerOwnerAndAsset(t *testing.T) {
	svc, db := setupService(t)
	seedBalance(t, svc, db, "user1", "points", 100)
	seedBalance(t, svc, db, "user2", "points", 200)
	seedBalance(t, svc, db, "user1", "gems", 300)

	account, err := svc.GetDB().GetAccount(UserRef("user1"))
	require.NoError(t, err)
	require.NotNil(t, account)

	balances, err := svc.GetDB().GetBalances(account.AccountID)
	require.NoError(t, err)
	require.Len(t, balances, 2)

	other, err := svc.GetDB().GetAccount(UserRef("user2"))
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.NotEqual(t, account.AccountID, other.AccountID)
}
