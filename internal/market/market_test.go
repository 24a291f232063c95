package market

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/ledger-api/internal/audit"
	"github.com/ksred/ledger-api/internal/ledger"
	"github.com/ksred/ledger-api/internal/types"
)

const testSettlementAsset = "points"

func setupMarket(t *testing.T) (*Service, *ledger.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&ledger.Account{},
		&ledger.AssetBalance{},
		&ledger.TransactionRecord{},
		&ledger.ItemInstance{},
		&ledger.ItemTransferRecord{},
		&Listing{},
		&Order{},
		&audit.Entry{},
	))

	ledgerService := ledger.NewService(db, audit.NewWriter())
	marketService := NewService(db, ledgerService, NewDefaultFeeCalculator(), testSettlementAsset)
	return marketService, ledgerService, db
}

func seedFunds(t *testing.T, db *gorm.DB, ledgerService *ledger.Service, userID, assetCode string, amount int64) {
	t.Helper()
	_, err := ledgerService.ChangeBalance(
		ledger.TxContext{Tx: db, BusinessType: "seed", BusinessID: uuid.New().String()},
		ledger.UserRef(userID), assetCode, decimal.NewFromInt(amount))
	require.NoError(t, err)
}

// balanceOf returns (available, frozen) for an owner/asset pair, zeroes if
// the account or balance row does not exist yet.
func balanceOf(t *testing.T, ledgerService *ledger.Service, ref ledger.AccountRef, assetCode string) (decimal.Decimal, decimal.Decimal) {
	t.Helper()
	account, err := ledgerService.GetDB().GetAccount(ref)
	require.NoError(t, err)
	if account == nil {
		return decimal.Zero, decimal.Zero
	}
	balances, err := ledgerService.GetDB().GetBalances(account.AccountID)
	require.NoError(t, err)
	for _, b := range balances {
		if b.AssetCode == assetCode {
			return b.AvailableAmount, b.FrozenAmount
		}
	}
	return decimal.Zero, decimal.Zero
}

func fungibleListing(t *testing.T, svc *Service, seller string, price, offer int64) *Listing {
	t.Helper()
	resp, err := svc.CreateListing(CreateListingRequest{
		SellerUserID:   seller,
		PriceAssetCode: testSettlementAsset,
		PriceAmount:    decimal.NewFromInt(price),
		OfferAssetCode: "gems",
		OfferAmount:    decimal.NewFromInt(offer),
	})
	require.NoError(t, err)
	return resp.Listing
}

func TestCreateListingFreezesSellerOffer(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 50)

	listing := fungibleListing(t, svc, "seller1", 100, 30)
	assert.Equal(t, ListingOnSale, listing.Status)

	available, frozen := balanceOf(t, ledgerService, ledger.UserRef("seller1"), "gems")
	assert.True(t, available.Equal(decimal.NewFromInt(20)))
	assert.True(t, frozen.Equal(decimal.NewFromInt(30)))
}

func TestCreateListingValidation(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 50)

	// Wrong pricing currency.
	_, err := svc.CreateListing(CreateListingRequest{
		SellerUserID:   "seller1",
		PriceAssetCode: "gems",
		PriceAmount:    decimal.NewFromInt(100),
		OfferAssetCode: "gems",
		OfferAmount:    decimal.NewFromInt(10),
	})
	var invalid *types.InvalidStateError
	require.ErrorAs(t, err, &invalid)

	// Neither offer kind.
	_, err = svc.CreateListing(CreateListingRequest{
		SellerUserID:   "seller1",
		PriceAssetCode: testSettlementAsset,
		PriceAmount:    decimal.NewFromInt(100),
	})
	require.ErrorAs(t, err, &invalid)

	// Offer exceeding the seller's holdings.
	_, err = svc.CreateListing(CreateListingRequest{
		SellerUserID:   "seller1",
		PriceAssetCode: testSettlementAsset,
		PriceAmount:    decimal.NewFromInt(100),
		OfferAssetCode: "gems",
		OfferAmount:    decimal.NewFromInt(500),
	})
	var insufficient *types.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
}

func TestCreateAndCancelItemListing(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)

	item, err := ledgerService.CreateItem(db, "seller1", "lottery_prize_a")
	require.NoError(t, err)

	resp, err := svc.CreateListing(CreateListingRequest{
		SellerUserID:        "seller1",
		PriceAssetCode:      testSettlementAsset,
		PriceAmount:         decimal.NewFromInt(50),
		OfferItemInstanceID: item.ItemInstanceID,
	})
	require.NoError(t, err)

	items, err := ledgerService.GetDB().GetItemsByOwner("seller1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ledger.ItemStatusListed, items[0].Status)

	// A listed item cannot be listed again.
	_, err = svc.CreateListing(CreateListingRequest{
		SellerUserID:        "seller1",
		PriceAssetCode:      testSettlementAsset,
		PriceAmount:         decimal.NewFromInt(60),
		OfferItemInstanceID: item.ItemInstanceID,
	})
	var invalid *types.InvalidStateError
	require.ErrorAs(t, err, &invalid)

	// Cancelling releases the item back to the inventory.
	cancelled, err := svc.CancelListing(resp.Listing.ListingID, "seller1")
	require.NoError(t, err)
	assert.Equal(t, ListingCancelled, cancelled.Listing.Status)

	items, err = ledgerService.GetDB().GetItemsByOwner("seller1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ledger.ItemStatusHeld, items[0].Status)
}

func TestCancelListingReleasesFreeze(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 50)

	listing := fungibleListing(t, svc, "seller1", 100, 30)

	// Only the owning seller may cancel.
	_, err := svc.CancelListing(listing.ListingID, "someone-else")
	var invalid *types.InvalidStateError
	require.ErrorAs(t, err, &invalid)

	_, err = svc.CancelListing(listing.ListingID, "seller1")
	require.NoError(t, err)

	available, frozen := balanceOf(t, ledgerService, ledger.UserRef("seller1"), "gems")
	assert.True(t, available.Equal(decimal.NewFromInt(50)))
	assert.True(t, frozen.Equal(decimal.Zero))

	// Cancelled listings are terminal.
	_, err = svc.CancelListing(listing.ListingID, "seller1")
	require.ErrorAs(t, err, &invalid)
}

func TestOrderLifecycleSettlesFeeSplit(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 40)
	seedFunds(t, db, ledgerService, "buyer1", "points", 200)

	listing := fungibleListing(t, svc, "seller1", 105, 40)

	created, err := svc.CreateOrder("biz-order-1", listing.ListingID, "buyer1")
	require.NoError(t, err)
	order := created.Order
	assert.Equal(t, OrderFrozen, order.Status)
	assert.True(t, order.GrossAmount.Equal(decimal.NewFromInt(105)))
	assert.True(t, order.FeeAmount.Equal(decimal.NewFromInt(5)))
	assert.True(t, order.NetAmount.Equal(decimal.NewFromInt(100)))

	// Buyer funds are held, the listing is locked to the order.
	available, frozen := balanceOf(t, ledgerService, ledger.UserRef("buyer1"), "points")
	assert.True(t, available.Equal(decimal.NewFromInt(95)))
	assert.True(t, frozen.Equal(decimal.NewFromInt(105)))

	locked, err := svc.GetListing(listing.ListingID)
	require.NoError(t, err)
	assert.Equal(t, ListingLocked, locked.Status)
	assert.Equal(t, order.OrderID, locked.LockedByOrderID)

	completed, err := svc.CompleteOrder(order.OrderID, "biz-complete-1")
	require.NoError(t, err)
	assert.Equal(t, OrderCompleted, completed.Order.Status)

	// Buyer paid gross and received the offer.
	available, frozen = balanceOf(t, ledgerService, ledger.UserRef("buyer1"), "points")
	assert.True(t, available.Equal(decimal.NewFromInt(95)))
	assert.True(t, frozen.Equal(decimal.Zero))
	available, _ = balanceOf(t, ledgerService, ledger.UserRef("buyer1"), "gems")
	assert.True(t, available.Equal(decimal.NewFromInt(40)))

	// Seller received net and delivered the offer.
	available, frozen = balanceOf(t, ledgerService, ledger.UserRef("seller1"), "points")
	assert.True(t, available.Equal(decimal.NewFromInt(100)))
	available, frozen = balanceOf(t, ledgerService, ledger.UserRef("seller1"), "gems")
	assert.True(t, available.Equal(decimal.Zero))
	assert.True(t, frozen.Equal(decimal.Zero))

	// The platform fee account collected the difference.
	available, _ = balanceOf(t, ledgerService, ledger.SystemRef(ledger.SystemAccountPlatformFees), "points")
	assert.True(t, available.Equal(decimal.NewFromInt(5)))

	sold, err := svc.GetListing(listing.ListingID)
	require.NoError(t, err)
	assert.Equal(t, ListingSold, sold.Status)
}

func TestCompleteOrderTransfersItem(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "buyer1", "points", 200)

	item, err := ledgerService.CreateItem(db, "seller1", "lottery_prize_a")
	require.NoError(t, err)

	resp, err := svc.CreateListing(CreateListingRequest{
		SellerUserID:        "seller1",
		PriceAssetCode:      testSettlementAsset,
		PriceAmount:         decimal.NewFromInt(50),
		OfferItemInstanceID: item.ItemInstanceID,
	})
	require.NoError(t, err)

	created, err := svc.CreateOrder("biz-order-1", resp.Listing.ListingID, "buyer1")
	require.NoError(t, err)

	_, err = svc.CompleteOrder(created.Order.OrderID, "biz-complete-1")
	require.NoError(t, err)

	items, err := ledgerService.GetDB().GetItemsByOwner("buyer1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ItemInstanceID, items[0].ItemInstanceID)
	assert.Equal(t, ledger.ItemStatusHeld, items[0].Status)
}

func TestCreateOrderReplay(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 40)
	seedFunds(t, db, ledgerService, "buyer1", "points", 200)

	listing := fungibleListing(t, svc, "seller1", 100, 40)

	first, err := svc.CreateOrder("biz-order-1", listing.ListingID, "buyer1")
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate)

	// Same key, same parameters: the original order comes back.
	replay, err := svc.CreateOrder("biz-order-1", listing.ListingID, "buyer1")
	require.NoError(t, err)
	assert.True(t, replay.IsDuplicate)
	assert.Equal(t, first.Order.OrderID, replay.Order.OrderID)

	// The replay must not have frozen the buyer twice.
	available, frozen := balanceOf(t, ledgerService, ledger.UserRef("buyer1"), "points")
	assert.True(t, available.Equal(decimal.NewFromInt(100)))
	assert.True(t, frozen.Equal(decimal.NewFromInt(100)))

	// Same key, different buyer: conflict.
	_, err = svc.CreateOrder("biz-order-1", listing.ListingID, "buyer2")
	var conflict *types.IdempotencyConflictError
	require.ErrorAs(t, err, &conflict)

	var count int64
	require.NoError(t, db.Model(&Order{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateOrderRejectsSelfTrade(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 40)

	listing := fungibleListing(t, svc, "seller1", 100, 40)

	_, err := svc.CreateOrder("biz-order-1", listing.ListingID, "seller1")
	var invalid *types.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestCreateOrderOnLockedListing(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 40)
	seedFunds(t, db, ledgerService, "buyer1", "points", 200)
	seedFunds(t, db, ledgerService, "buyer2", "points", 200)

	listing := fungibleListing(t, svc, "seller1", 100, 40)

	_, err := svc.CreateOrder("biz-order-1", listing.ListingID, "buyer1")
	require.NoError(t, err)

	// The listing is locked to the first order; the second buyer loses.
	_, err = svc.CreateOrder("biz-order-2", listing.ListingID, "buyer2")
	var invalid *types.InvalidStateError
	require.ErrorAs(t, err, &invalid)

	// The loser's funds were never touched.
	available, frozen := balanceOf(t, ledgerService, ledger.UserRef("buyer2"), "points")
	assert.True(t, available.Equal(decimal.NewFromInt(200)))
	assert.True(t, frozen.Equal(decimal.Zero))
}

func TestCreateOrderInsufficientFundsRollsBack(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 40)
	seedFunds(t, db, ledgerService, "buyer1", "points", 10)

	listing := fungibleListing(t, svc, "seller1", 100, 40)

	_, err := svc.CreateOrder("biz-order-1", listing.ListingID, "buyer1")
	var insufficient *types.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)

	// The whole transaction rolled back: no order, listing still on sale.
	var count int64
	require.NoError(t, db.Model(&Order{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	relisted, err := svc.GetListing(listing.ListingID)
	require.NoError(t, err)
	assert.Equal(t, ListingOnSale, relisted.Status)
	assert.Empty(t, relisted.LockedByOrderID)
}

func TestCompleteOrderReplay(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 40)
	seedFunds(t, db, ledgerService, "buyer1", "points", 200)

	listing := fungibleListing(t, svc, "seller1", 105, 40)
	created, err := svc.CreateOrder("biz-order-1", listing.ListingID, "buyer1")
	require.NoError(t, err)

	first, err := svc.CompleteOrder(created.Order.OrderID, "biz-complete-1")
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate)

	replay, err := svc.CompleteOrder(created.Order.OrderID, "biz-complete-1")
	require.NoError(t, err)
	assert.True(t, replay.IsDuplicate)
	assert.Equal(t, OrderCompleted, replay.Order.Status)

	// The seller was credited exactly once.
	available, _ := balanceOf(t, ledgerService, ledger.UserRef("seller1"), "points")
	assert.True(t, available.Equal(decimal.NewFromInt(100)))
}

func TestCompleteOrderRequiresFrozen(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 40)
	seedFunds(t, db, ledgerService, "buyer1", "points", 200)

	listing := fungibleListing(t, svc, "seller1", 100, 40)
	created, err := svc.CreateOrder("biz-order-1", listing.ListingID, "buyer1")
	require.NoError(t, err)

	_, err = svc.CancelOrder(created.Order.OrderID, "biz-cancel-1", "buyer backed out")
	require.NoError(t, err)

	_, err = svc.CompleteOrder(created.Order.OrderID, "biz-complete-1")
	var invalid *types.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestCancelOrderReleasesHoldAndRelists(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 40)
	seedFunds(t, db, ledgerService, "buyer1", "points", 200)

	listing := fungibleListing(t, svc, "seller1", 100, 40)
	created, err := svc.CreateOrder("biz-order-1", listing.ListingID, "buyer1")
	require.NoError(t, err)

	cancelled, err := svc.CancelOrder(created.Order.OrderID, "biz-cancel-1", "buyer backed out")
	require.NoError(t, err)
	assert.Equal(t, OrderCancelled, cancelled.Order.Status)
	assert.Equal(t, "buyer backed out", cancelled.Order.CancelReason)

	// The buyer's hold is fully released.
	available, frozen := balanceOf(t, ledgerService, ledger.UserRef("buyer1"), "points")
	assert.True(t, available.Equal(decimal.NewFromInt(200)))
	assert.True(t, frozen.Equal(decimal.Zero))

	// The listing is back on sale and unbound.
	relisted, err := svc.GetListing(listing.ListingID)
	require.NoError(t, err)
	assert.Equal(t, ListingOnSale, relisted.Status)
	assert.Empty(t, relisted.LockedByOrderID)

	// Cancelling again is an idempotent no-op.
	replay, err := svc.CancelOrder(created.Order.OrderID, "biz-cancel-2", "again")
	require.NoError(t, err)
	assert.True(t, replay.IsDuplicate)

	available, frozen = balanceOf(t, ledgerService, ledger.UserRef("buyer1"), "points")
	assert.True(t, available.Equal(decimal.NewFromInt(200)))
	assert.True(t, frozen.Equal(decimal.Zero))
}

func TestReaperSweepCancelsStaleOrders(t *testing.T) {
	svc, ledgerService, db := setupMarket(t)
	seedFunds(t, db, ledgerService, "seller1", "gems", 40)
	seedFunds(t, db, ledgerService, "buyer1", "points", 200)

	listing := fungibleListing(t, svc, "seller1", 100, 40)
	created, err := svc.CreateOrder("biz-order-1", listing.ListingID, "buyer1")
	require.NoError(t, err)

	// A negative max age makes every locked listing look stale.
	reaper := &Reaper{service: svc, maxAge: -time.Minute}
	require.NoError(t, reaper.sweep())

	order, err := svc.GetOrder(created.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderCancelled, order.Status)

	// The buyer's hold is released, the listing is back on sale.
	available, frozen := balanceOf(t, ledgerService, ledger.UserRef("buyer1"), "points")
	assert.True(t, available.Equal(decimal.NewFromInt(200)))
	assert.True(t, frozen.Equal(decimal.Zero))

	relisted, err := svc.GetListing(listing.ListingID)
	require.NoError(t, err)
	assert.Equal(t, ListingOnSale, relisted.Status)

	// A second sweep replays the cancellation without side effects.
	require.NoError(t, reaper.sweep())
	available, frozen = balanceOf(t, ledgerService, ledger.UserRef("buyer1"), "points")
	assert.True(t, available.Equal(decimal.NewFromInt(200)))
	assert.True(t, frozen.Equal(decimal.Zero))
}

func TestPercentFeeCalculator(t *testing.T) {
	calc := NewDefaultFeeCalculator()

	tests := []struct {
		name    string
		price   int64
		fee     int64
		tier    string
		wantErr bool
	}{
		{name: "five percent floored", price: 105, fee: 5, tier: FeeTierStandard},
		{name: "fraction floors down", price: 119, fee: 5, tier: FeeTierStandard},
		{name: "minimum fee applies", price: 10, fee: 1, tier: FeeTierMinimum},
		{name: "exact boundary", price: 20, fee: 1, tier: FeeTierStandard},
		{name: "price too small", price: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price := decimal.NewFromInt(tt.price)
			breakdown, err := calc.Calculate(price, price)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, breakdown.FeeAmount.Equal(decimal.NewFromInt(tt.fee)))
			assert.Equal(t, tt.tier, breakdown.Tier)
		})
	}
}
