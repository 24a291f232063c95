package market

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/ledger-api/internal/ledger"
	"github.com/ksred/ledger-api/internal/types"
)

// Service orchestrates trades: listing lifecycle, order state machine and
// the settlement legs against the balance engine. Every operation runs in a
// single database transaction; the ledger calls inside share it.
type Service struct {
	db              *Database
	gormDB          *gorm.DB
	ledger          *ledger.Service
	fees            FeeCalculator
	settlementAsset string
}

// NewService creates a new market service. settlementAsset is the single
// currency the market is allowed to price trades in.
func NewService(gormDB *gorm.DB, ledgerService *ledger.Service, fees FeeCalculator, settlementAsset string) *Service {
	return &Service{
		db:              NewDatabase(gormDB),
		gormDB:          gormDB,
		ledger:          ledgerService,
		fees:            fees,
		settlementAsset: settlementAsset,
	}
}

// CreateListingRequest describes a new sell offer.
type CreateListingRequest struct {
	SellerUserID        string          `json:"seller_user_id"`
	PriceAssetCode      string          `json:"price_asset_code"`
	PriceAmount         decimal.Decimal `json:"price_amount"`
	OfferItemInstanceID string          `json:"offer_item_instance_id,omitempty"`
	OfferAssetCode      string          `json:"offer_asset_code,omitempty"`
	OfferAmount         decimal.Decimal `json:"offer_amount"`
}

// CreateListing puts an offer on sale. A fungible offer freezes the seller's
// offer amount for the lifetime of the listing; an item offer marks the item
// instance as listed.
func (s *Service) CreateListing(req CreateListingRequest) (*ListingResponse, error) {
	logger := log.With().
		Str("service", "market").
		Str("seller_user_id", req.SellerUserID).
		Logger()

	if req.PriceAssetCode != s.settlementAsset {
		return nil, &types.InvalidStateError{
			Entity: "listing",
			State:  "price_asset=" + req.PriceAssetCode,
			Detail: fmt.Sprintf("listings must be priced in %s", s.settlementAsset),
		}
	}
	if !req.PriceAmount.IsPositive() {
		return nil, &types.InvalidStateError{
			Entity: "listing",
			State:  "price=" + req.PriceAmount.String(),
			Detail: "price must be positive",
		}
	}
	hasItem := req.OfferItemInstanceID != ""
	hasFungible := req.OfferAssetCode != ""
	if hasItem == hasFungible {
		return nil, &types.InvalidStateError{
			Entity: "listing",
			State:  "offer",
			Detail: "exactly one of item instance or fungible offer is required",
		}
	}
	if hasFungible && !req.OfferAmount.IsPositive() {
		return nil, &types.InvalidStateError{
			Entity: "listing",
			State:  "offer_amount=" + req.OfferAmount.String(),
			Detail: "offer amount must be positive",
		}
	}

	listing := &Listing{
		ListingID:           "LST_" + uuid.New().String(),
		SellerUserID:        req.SellerUserID,
		Status:              ListingOnSale,
		PriceAssetCode:      req.PriceAssetCode,
		PriceAmount:         req.PriceAmount,
		OfferItemInstanceID: req.OfferItemInstanceID,
		OfferAssetCode:      req.OfferAssetCode,
		OfferAmount:         req.OfferAmount,
	}

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		if hasItem {
			item, err := s.ledger.GetDB().GetItemForUpdate(tx, req.OfferItemInstanceID)
			if err != nil {
				return err
			}
			if item == nil {
				return &types.InvalidStateError{
					Entity:   "item_instance",
					EntityID: req.OfferItemInstanceID,
					State:    "missing",
					Detail:   "item instance not found",
				}
			}
			if item.OwnerUserID != req.SellerUserID {
				return &types.InvalidStateError{
					Entity:   "item_instance",
					EntityID: item.ItemInstanceID,
					State:    "owner=" + item.OwnerUserID,
					Detail:   "seller does not own the offered item",
				}
			}
			if item.Status != ledger.ItemStatusHeld {
				return &types.InvalidStateError{
					Entity:   "item_instance",
					EntityID: item.ItemInstanceID,
					State:    item.Status,
					Detail:   "item is already encumbered",
				}
			}
			item.Status = ledger.ItemStatusListed
			if err := s.ledger.GetDB().UpdateItem(tx, item); err != nil {
				return err
			}
		} else {
			txc := ledger.TxContext{
				Tx:           tx,
				BusinessType: "listing_freeze_seller",
				BusinessID:   listing.ListingID,
				Meta:         "seller offer frozen while listed",
			}
			if _, err := s.ledger.Freeze(txc, ledger.UserRef(req.SellerUserID), req.OfferAssetCode, req.OfferAmount); err != nil {
				return err
			}
		}
		return s.db.CreateListing(tx, listing)
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create listing")
		return nil, err
	}

	logger.Info().
		Str("listing_id", listing.ListingID).
		Str("price", listing.PriceAmount.String()).
		Bool("item_offer", hasItem).
		Msg("listing created")

	return &ListingResponse{Listing: listing, Timestamp: time.Now()}, nil
}

// CancelListing takes an on-sale listing off the market, releasing whatever
// the listing encumbered.
func (s *Service) CancelListing(listingID, sellerUserID string) (*ListingResponse, error) {
	var listing *Listing
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		var err error
		listing, err = s.db.GetListingForUpdate(tx, listingID)
		if err != nil {
			return err
		}
		if listing == nil {
			return &types.InvalidStateError{
				Entity:   "listing",
				EntityID: listingID,
				State:    "missing",
				Detail:   "listing not found",
			}
		}
		if listing.SellerUserID != sellerUserID {
			return &types.InvalidStateError{
				Entity:   "listing",
				EntityID: listingID,
				State:    listing.Status,
				Detail:   "listing does not belong to the requesting seller",
			}
		}
		if listing.Status != ListingOnSale {
			return &types.InvalidStateError{
				Entity:   "listing",
				EntityID: listingID,
				State:    listing.Status,
				Detail:   "only on_sale listings can be cancelled",
			}
		}

		if listing.IsItemOffer() {
			item, err := s.ledger.GetDB().GetItemForUpdate(tx, listing.OfferItemInstanceID)
			if err != nil {
				return err
			}
			if item != nil && item.Status == ledger.ItemStatusListed {
				item.Status = ledger.ItemStatusHeld
				if err := s.ledger.GetDB().UpdateItem(tx, item); err != nil {
					return err
				}
			}
		} else {
			txc := ledger.TxContext{
				Tx:           tx,
				BusinessType: "listing_unfreeze_seller",
				BusinessID:   listing.ListingID,
				Meta:         "listing cancelled",
			}
			if _, err := s.ledger.Unfreeze(txc, ledger.UserRef(listing.SellerUserID), listing.OfferAssetCode, listing.OfferAmount); err != nil {
				return err
			}
		}

		listing.Status = ListingCancelled
		return s.db.UpdateListing(tx, listing)
	})
	if err != nil {
		return nil, err
	}
	return &ListingResponse{Listing: listing, Timestamp: time.Now()}, nil
}

// validateOrderParams is the single replay validator: it runs against a
// stored order on the idempotent-replay path and asserts both parameter
// equality and the settlement-currency invariant. A stored order priced in a
// non-settlement asset is a fatal consistency error, never a pass-through.
func (s *Service) validateOrderParams(order *Order, listing *Listing, listingID, buyerUserID string) error {
	if order.AssetCode != s.settlementAsset {
		return &types.ConsistencyViolationError{
			Detail: fmt.Sprintf("order %s is priced in %s, settlement currency is %s",
				order.OrderID, order.AssetCode, s.settlementAsset),
		}
	}
	if order.ListingID != listingID || order.BuyerUserID != buyerUserID {
		return &types.IdempotencyConflictError{
			BusinessType: "order_create",
			BusinessID:   order.BusinessID,
			Detail:       "replayed with a different listing or buyer",
		}
	}
	if listing != nil {
		if !order.GrossAmount.Equal(listing.PriceAmount) || order.AssetCode != listing.PriceAssetCode {
			return &types.IdempotencyConflictError{
				BusinessType: "order_create",
				BusinessID:   order.BusinessID,
				Detail:       "replayed against a listing with different pricing",
			}
		}
	}
	return nil
}

// CreateOrder opens a trade on a listing. The listing is locked and bound to
// the order before the buyer's funds are frozen, so a crash in between
// leaves a recoverable trail for the reaper instead of a phantom freeze.
// Replays by business id return the original order after re-validation.
func (s *Service) CreateOrder(businessID, listingID, buyerUserID string) (*OrderResponse, error) {
	logger := log.With().
		Str("service", "market").
		Str("business_id", businessID).
		Str("listing_id", listingID).
		Str("buyer_user_id", buyerUserID).
		Logger()

	var order *Order
	var isDuplicate bool

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		existing, err := s.db.GetOrderByBusinessID(tx, businessID)
		if err != nil {
			return err
		}
		if existing != nil {
			listing, err := s.db.GetListing(existing.ListingID)
			if err != nil {
				return err
			}
			if err := s.validateOrderParams(existing, listing, listingID, buyerUserID); err != nil {
				return err
			}
			order = existing
			isDuplicate = true
			return nil
		}

		listing, err := s.db.GetListingForUpdate(tx, listingID)
		if err != nil {
			return err
		}
		if listing == nil {
			return &types.InvalidStateError{
				Entity:   "listing",
				EntityID: listingID,
				State:    "missing",
				Detail:   "listing not found",
			}
		}
		if listing.Status != ListingOnSale {
			return &types.InvalidStateError{
				Entity:   "listing",
				EntityID: listingID,
				State:    listing.Status,
				Detail:   "listing not on_sale",
			}
		}
		if listing.SellerUserID == buyerUserID {
			return &types.InvalidStateError{
				Entity:   "listing",
				EntityID: listingID,
				State:    listing.Status,
				Detail:   "buyer and seller cannot be the same user",
			}
		}
		if listing.PriceAssetCode != s.settlementAsset {
			return &types.InvalidStateError{
				Entity:   "listing",
				EntityID: listingID,
				State:    "price_asset=" + listing.PriceAssetCode,
				Detail:   fmt.Sprintf("trades must settle in %s", s.settlementAsset),
			}
		}

		breakdown, err := s.fees.Calculate(listing.PriceAmount, listing.PriceAmount)
		if err != nil {
			return err
		}
		gross := listing.PriceAmount
		fee := breakdown.FeeAmount
		net := gross.Sub(fee)
		if !gross.Equal(fee.Add(net)) {
			return &types.FeeReconciliationError{Gross: gross, Fee: fee, Net: net}
		}

		order = &Order{
			OrderID:      "ORD_" + uuid.New().String(),
			BusinessID:   businessID,
			ListingID:    listing.ListingID,
			BuyerUserID:  buyerUserID,
			SellerUserID: listing.SellerUserID,
			AssetCode:    listing.PriceAssetCode,
			GrossAmount:  gross,
			FeeAmount:    fee,
			NetAmount:    net,
			Status:       OrderCreated,
		}
		if err := s.db.CreateOrder(tx, order); err != nil {
			return err
		}

		// Lock the listing to the order before freezing buyer funds.
		listing.Status = ListingLocked
		listing.LockedByOrderID = order.OrderID
		if err := s.db.UpdateListing(tx, listing); err != nil {
			return err
		}

		txc := ledger.TxContext{
			Tx:           tx,
			BusinessType: "order_freeze_buyer",
			BusinessID:   businessID,
			Meta:         "buyer funds held for order " + order.OrderID,
		}
		if _, err := s.ledger.Freeze(txc, ledger.UserRef(buyerUserID), order.AssetCode, gross); err != nil {
			return err
		}

		order.Status = OrderFrozen
		return s.db.UpdateOrder(tx, order)
	})
	if err != nil {
		logger.Error().Err(err).Msg("order creation failed")
		return nil, err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("status", order.Status).
		Str("gross", order.GrossAmount.String()).
		Str("fee", order.FeeAmount.String()).
		Bool("is_duplicate", isDuplicate).
		Msg("order created")

	return &OrderResponse{Order: order, IsDuplicate: isDuplicate, Timestamp: time.Now()}, nil
}

// settlementLeg is one balance engine call within order completion.
type settlementLeg struct {
	ref          ledger.AccountRef
	businessType string
	apply        func(txc ledger.TxContext) error
}

// CompleteOrder settles a frozen order: the buyer's hold is consumed, the
// seller is credited net, the platform fee account is credited the fee, and
// the traded offer changes hands. The three ledger legs share businessID
// with distinct business types, so each is individually idempotent.
func (s *Service) CompleteOrder(orderID, businessID string) (*OrderResponse, error) {
	logger := log.With().
		Str("service", "market").
		Str("order_id", orderID).
		Str("business_id", businessID).
		Logger()

	var order *Order
	var isDuplicate bool

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.db.GetOrderForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return &types.InvalidStateError{
				Entity:   "order",
				EntityID: orderID,
				State:    "missing",
				Detail:   "order not found",
			}
		}
		if order.Status == OrderCompleted {
			isDuplicate = true
			return nil
		}
		if order.Status != OrderFrozen {
			return &types.InvalidStateError{
				Entity:   "order",
				EntityID: orderID,
				State:    order.Status,
				Detail:   "only frozen orders can be completed",
			}
		}

		listing, err := s.db.GetListingForUpdate(tx, order.ListingID)
		if err != nil {
			return err
		}
		if listing == nil || listing.LockedByOrderID != order.OrderID {
			return &types.ConsistencyViolationError{
				Detail: fmt.Sprintf("order %s is frozen but its listing is not locked to it", order.OrderID),
			}
		}

		buyer := ledger.UserRef(order.BuyerUserID)
		seller := ledger.UserRef(order.SellerUserID)
		platform := ledger.SystemRef(ledger.SystemAccountPlatformFees)

		legs := []settlementLeg{
			{ref: buyer, businessType: "order_settle_buyer", apply: func(txc ledger.TxContext) error {
				_, err := s.ledger.SettleFromFrozen(txc, buyer, order.AssetCode, order.GrossAmount)
				return err
			}},
			{ref: seller, businessType: "order_credit_seller", apply: func(txc ledger.TxContext) error {
				_, err := s.ledger.ChangeBalance(txc, seller, order.AssetCode, order.NetAmount)
				return err
			}},
			{ref: platform, businessType: "order_fee_platform", apply: func(txc ledger.TxContext) error {
				_, err := s.ledger.ChangeBalance(txc, platform, order.AssetCode, order.FeeAmount)
				return err
			}},
		}
		// Lock balance rows in a deterministic order so two trades racing on
		// the same pair of accounts in opposite directions cannot deadlock.
		sort.Slice(legs, func(i, j int) bool {
			return legKey(legs[i].ref) < legKey(legs[j].ref)
		})
		for _, leg := range legs {
			txc := ledger.TxContext{
				Tx:           tx,
				BusinessType: leg.businessType,
				BusinessID:   businessID,
				Meta:         "settlement for order " + order.OrderID,
			}
			if err := leg.apply(txc); err != nil {
				return err
			}
		}

		if listing.IsItemOffer() {
			txc := ledger.TxContext{
				Tx:           tx,
				BusinessType: "order_item_transfer",
				BusinessID:   businessID,
				Meta:         "item sold via order " + order.OrderID,
			}
			if _, err := s.ledger.TransferItem(txc, listing.OfferItemInstanceID, order.SellerUserID, order.BuyerUserID); err != nil {
				return err
			}
		} else {
			settleTxc := ledger.TxContext{
				Tx:           tx,
				BusinessType: "order_settle_seller_offer",
				BusinessID:   businessID,
				Meta:         "seller offer delivered via order " + order.OrderID,
			}
			if _, err := s.ledger.SettleFromFrozen(settleTxc, seller, listing.OfferAssetCode, listing.OfferAmount); err != nil {
				return err
			}
			creditTxc := ledger.TxContext{
				Tx:           tx,
				BusinessType: "order_credit_buyer_offer",
				BusinessID:   businessID,
				Meta:         "offer received via order " + order.OrderID,
			}
			if _, err := s.ledger.ChangeBalance(creditTxc, buyer, listing.OfferAssetCode, listing.OfferAmount); err != nil {
				return err
			}
		}

		listing.Status = ListingSold
		if err := s.db.UpdateListing(tx, listing); err != nil {
			return err
		}
		order.Status = OrderCompleted
		return s.db.UpdateOrder(tx, order)
	})
	if err != nil {
		logger.Error().Err(err).Msg("order completion failed")
		return nil, err
	}

	logger.Info().
		Str("status", order.Status).
		Bool("is_duplicate", isDuplicate).
		Msg("order completed")

	return &OrderResponse{Order: order, IsDuplicate: isDuplicate, Timestamp: time.Now()}, nil
}

// CancelOrder aborts a non-terminal order: the buyer's hold is released and
// the listing returns to sale.
func (s *Service) CancelOrder(orderID, businessID, reason string) (*OrderResponse, error) {
	logger := log.With().
		Str("service", "market").
		Str("order_id", orderID).
		Str("business_id", businessID).
		Logger()

	var order *Order
	var isDuplicate bool

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.db.GetOrderForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return &types.InvalidStateError{
				Entity:   "order",
				EntityID: orderID,
				State:    "missing",
				Detail:   "order not found",
			}
		}
		if order.Status == OrderCancelled {
			isDuplicate = true
			return nil
		}
		if order.Status != OrderCreated && order.Status != OrderFrozen {
			return &types.InvalidStateError{
				Entity:   "order",
				EntityID: orderID,
				State:    order.Status,
				Detail:   "only created or frozen orders can be cancelled",
			}
		}

		// A created order crashed before its freeze; there is nothing held.
		if order.Status == OrderFrozen {
			txc := ledger.TxContext{
				Tx:           tx,
				BusinessType: "order_unfreeze_buyer",
				BusinessID:   businessID,
				Meta:         "order cancelled: " + reason,
			}
			if _, err := s.ledger.Unfreeze(txc, ledger.UserRef(order.BuyerUserID), order.AssetCode, order.GrossAmount); err != nil {
				return err
			}
		}

		listing, err := s.db.GetListingForUpdate(tx, order.ListingID)
		if err != nil {
			return err
		}
		if listing != nil && listing.LockedByOrderID == order.OrderID && listing.Status == ListingLocked {
			listing.Status = ListingOnSale
			listing.LockedByOrderID = ""
			if err := s.db.UpdateListing(tx, listing); err != nil {
				return err
			}
		}

		order.Status = OrderCancelled
		order.CancelReason = reason
		return s.db.UpdateOrder(tx, order)
	})
	if err != nil {
		logger.Error().Err(err).Msg("order cancellation failed")
		return nil, err
	}

	logger.Info().
		Str("status", order.Status).
		Str("reason", reason).
		Bool("is_duplicate", isDuplicate).
		Msg("order cancelled")

	return &OrderResponse{Order: order, IsDuplicate: isDuplicate, Timestamp: time.Now()}, nil
}

// GetOrder retrieves an order by its ID.
func (s *Service) GetOrder(orderID string) (*Order, error) {
	return s.db.GetOrder(orderID)
}

// GetListing retrieves a listing by its ID.
func (s *Service) GetListing(listingID string) (*Listing, error) {
	return s.db.GetListing(listingID)
}

// GetSellerListings retrieves a seller's listings, optionally by status.
func (s *Service) GetSellerListings(sellerUserID, status string) ([]Listing, error) {
	return s.db.GetListingsBySeller(sellerUserID, status)
}

// GetDB exposes the package database for collaborating services.
func (s *Service) GetDB() *Database {
	return s.db
}

func legKey(ref ledger.AccountRef) string {
	return ref.OwnerKind + "/" + ref.OwnerRef
}
