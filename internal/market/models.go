package market

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Listing statuses.
const (
	ListingOnSale    = "on_sale"
	ListingLocked    = "locked"
	ListingSold      = "sold"
	ListingCancelled = "cancelled"
)

// Order statuses. created -> frozen -> completed is the happy path;
// created/frozen -> cancelled is the abort path. completed and cancelled
// are terminal.
const (
	OrderCreated   = "created"
	OrderFrozen    = "frozen"
	OrderCompleted = "completed"
	OrderCancelled = "cancelled"
)

// Listing is a live sell offer. A listing offers either a unique item
// instance (OfferItemInstanceID set) or a fungible amount
// (OfferAssetCode/OfferAmount set, frozen on the seller while listed).
type Listing struct {
	gorm.Model          `json:"-"`
	ListingID           string          `gorm:"uniqueIndex" json:"listing_id"`
	SellerUserID        string          `gorm:"index" json:"seller_user_id"`
	Status              string          `gorm:"index" json:"status"` // on_sale, locked, sold, cancelled
	PriceAssetCode      string          `json:"price_asset_code"`
	PriceAmount         decimal.Decimal `gorm:"type:decimal(36,18)" json:"price_amount"`
	OfferItemInstanceID string          `json:"offer_item_instance_id,omitempty"`
	OfferAssetCode      string          `json:"offer_asset_code,omitempty"`
	OfferAmount         decimal.Decimal `gorm:"type:decimal(36,18)" json:"offer_amount"`
	LockedByOrderID     string          `gorm:"index" json:"locked_by_order_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// IsItemOffer reports whether the listing offers a non-fungible item.
func (l *Listing) IsItemOffer() bool {
	return l.OfferItemInstanceID != ""
}

// Order is a trade in progress. Orders are created and mutated only by the
// settlement engine and never deleted; they are the audit trail of the
// market. gross_amount = fee_amount + net_amount always holds.
type Order struct {
	gorm.Model   `json:"-"`
	OrderID      string          `gorm:"uniqueIndex" json:"order_id"`
	BusinessID   string          `gorm:"uniqueIndex" json:"business_id"`
	ListingID    string          `gorm:"index" json:"listing_id"`
	BuyerUserID  string          `gorm:"index" json:"buyer_user_id"`
	SellerUserID string          `json:"seller_user_id"`
	AssetCode    string          `json:"asset_code"`
	GrossAmount  decimal.Decimal `gorm:"type:decimal(36,18)" json:"gross_amount"`
	FeeAmount    decimal.Decimal `gorm:"type:decimal(36,18)" json:"fee_amount"`
	NetAmount    decimal.Decimal `gorm:"type:decimal(36,18)" json:"net_amount"`
	Status       string          `gorm:"index" json:"status"` // created, frozen, completed, cancelled
	CancelReason string          `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OrderResponse is returned by order operations. IsDuplicate marks an
// idempotent replay.
type OrderResponse struct {
	Order       *Order    `json:"order"`
	IsDuplicate bool      `json:"is_duplicate"`
	Timestamp   time.Time `json:"timestamp"`
}

// ListingResponse is returned by listing operations.
type ListingResponse struct {
	Listing     *Listing  `json:"listing"`
	IsDuplicate bool      `json:"is_duplicate"`
	Timestamp   time.Time `json:"timestamp"`
}
