package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Owner kinds for accounts.
const (
	OwnerKindUser   = "user"
	OwnerKindSystem = "system"
)

// System account codes.
const (
	SystemAccountPlatformFees = "platform_fees"
)

// Item instance statuses.
const (
	ItemStatusHeld   = "held"
	ItemStatusListed = "listed"
)

// Account identifies a holder of balances: a user or a system/platform
// account (e.g. the fee-collection account). Created lazily on first balance
// mutation, never deleted while a balance row references it.
type Account struct {
	gorm.Model `json:"-"`
	AccountID  string    `gorm:"uniqueIndex" json:"account_id"`
	OwnerKind  string    `gorm:"uniqueIndex:idx_acct_owner" json:"owner_kind"` // user or system
	OwnerRef   string    `gorm:"uniqueIndex:idx_acct_owner" json:"owner_ref"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AccountRef names an account by owner rather than by surrogate key, so
// callers never need to know whether the account row exists yet.
type AccountRef struct {
	OwnerKind string `json:"owner_kind"`
	OwnerRef  string `json:"owner_ref"`
}

func UserRef(userID string) AccountRef {
	return AccountRef{OwnerKind: OwnerKindUser, OwnerRef: userID}
}

func SystemRef(code string) AccountRef {
	return AccountRef{OwnerKind: OwnerKindSystem, OwnerRef: code}
}

// AssetBalance is one row per (account, asset). available_amount and
// frozen_amount are each >= 0 at all times; the row is mutated only by the
// balance engine while holding its row lock.
type AssetBalance struct {
	gorm.Model      `json:"-"`
	AccountID       string          `gorm:"uniqueIndex:idx_bal_account_asset" json:"account_id"`
	AssetCode       string          `gorm:"uniqueIndex:idx_bal_account_asset" json:"asset_code"`
	AvailableAmount decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"available_amount"`
	FrozenAmount    decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"frozen_amount"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TransactionRecord is the immutable log of one balance mutation. The
// composite unique index on (business_type, business_id) is the idempotency
// mechanism: a repeated call with the same key finds the existing record and
// replays its result instead of mutating again. AvailableDelta and
// FrozenDelta together encode the kind of mutation:
//
//	change:   (delta, 0)
//	freeze:   (-amount, +amount)
//	unfreeze: (+amount, -amount)
//	settle:   (0, -amount)
type TransactionRecord struct {
	gorm.Model      `json:"-"`
	TransactionID   string          `gorm:"uniqueIndex" json:"transaction_id"`
	AccountID       string          `gorm:"index" json:"account_id"`
	AssetCode       string          `json:"asset_code"`
	AvailableDelta  decimal.Decimal `gorm:"type:decimal(36,18)" json:"available_delta"`
	FrozenDelta     decimal.Decimal `gorm:"type:decimal(36,18)" json:"frozen_delta"`
	BusinessType    string          `gorm:"uniqueIndex:idx_txn_business" json:"business_type"`
	BusinessID      string          `gorm:"uniqueIndex:idx_txn_business" json:"business_id"`
	AvailableBefore decimal.Decimal `gorm:"type:decimal(36,18)" json:"available_before"`
	AvailableAfter  decimal.Decimal `gorm:"type:decimal(36,18)" json:"available_after"`
	FrozenBefore    decimal.Decimal `gorm:"type:decimal(36,18)" json:"frozen_before"`
	FrozenAfter     decimal.Decimal `gorm:"type:decimal(36,18)" json:"frozen_after"`
	Meta            string          `json:"meta"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ItemInstance is a unique non-fungible holding.
type ItemInstance struct {
	gorm.Model     `json:"-"`
	ItemInstanceID string    `gorm:"uniqueIndex" json:"item_instance_id"`
	OwnerUserID    string    `gorm:"index" json:"owner_user_id"`
	ItemCode       string    `json:"item_code"`
	Status         string    `json:"status"` // held, listed
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ItemTransferRecord mirrors TransactionRecord for ownership changes, with
// the same (business_type, business_id) idempotency contract.
type ItemTransferRecord struct {
	gorm.Model     `json:"-"`
	TransferID     string    `gorm:"uniqueIndex" json:"transfer_id"`
	ItemInstanceID string    `gorm:"index" json:"item_instance_id"`
	FromUserID     string    `json:"from_user_id"`
	ToUserID       string    `json:"to_user_id"`
	BusinessType   string    `gorm:"uniqueIndex:idx_itx_business" json:"business_type"`
	BusinessID     string    `gorm:"uniqueIndex:idx_itx_business" json:"business_id"`
	Meta           string    `json:"meta"`
	CreatedAt      time.Time `json:"created_at"`
}

// MutationResult is the post-mutation state returned by every balance engine
// operation. IsDuplicate marks an idempotent replay.
type MutationResult struct {
	TransactionID   string          `json:"transaction_id"`
	AccountID       string          `json:"account_id"`
	AssetCode       string          `json:"asset_code"`
	AvailableAmount decimal.Decimal `json:"available_amount"`
	FrozenAmount    decimal.Decimal `json:"frozen_amount"`
	IsDuplicate     bool            `json:"is_duplicate"`
}

// TransferResult is the post-mutation state of an item transfer.
type TransferResult struct {
	TransferID     string `json:"transfer_id"`
	ItemInstanceID string `json:"item_instance_id"`
	OwnerUserID    string `json:"owner_user_id"`
	IsDuplicate    bool   `json:"is_duplicate"`
}
