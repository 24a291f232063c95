package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/ledger-api/internal/audit"
	"github.com/ksred/ledger-api/internal/types"
)

// TxContext carries the caller-supplied transaction handle and the
// idempotency key for one balance mutation. The engine never opens its own
// transaction: the enclosing operation defines the atomicity boundary.
type TxContext struct {
	Tx           *gorm.DB
	BusinessType string
	BusinessID   string
	Meta         string
}

func (c TxContext) validate() error {
	if c.Tx == nil {
		return fmt.Errorf("ledger: no transaction supplied")
	}
	if c.BusinessType == "" || c.BusinessID == "" {
		return fmt.Errorf("ledger: business_type and business_id are required")
	}
	return nil
}

// Service is the single writer of balance mutations. Every operation takes a
// pessimistic row lock on its target balance (or item) row before reading,
// so concurrent mutations of the same account/asset pair serialize on the
// database's row-lock queue.
type Service struct {
	db    *Database
	audit *audit.Writer
}

func NewService(gormDB *gorm.DB, auditWriter *audit.Writer) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		audit: auditWriter,
	}
}

// ChangeBalance applies a signed delta to available_amount. A replay of the
// same (business_type, business_id) with identical parameters returns the
// prior result with IsDuplicate set; a replay with different parameters
// fails with an idempotency conflict and leaves the balance untouched.
func (s *Service) ChangeBalance(txc TxContext, ref AccountRef, assetCode string, delta decimal.Decimal) (*MutationResult, error) {
	return s.mutate(txc, ref, assetCode, delta, decimal.Zero)
}

// Freeze moves amount from available_amount to frozen_amount.
func (s *Service) Freeze(txc TxContext, ref AccountRef, assetCode string, amount decimal.Decimal) (*MutationResult, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	return s.mutate(txc, ref, assetCode, amount.Neg(), amount)
}

// Unfreeze moves amount from frozen_amount back to available_amount.
func (s *Service) Unfreeze(txc TxContext, ref AccountRef, assetCode string, amount decimal.Decimal) (*MutationResult, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	return s.mutate(txc, ref, assetCode, amount, amount.Neg())
}

// SettleFromFrozen permanently removes amount from frozen_amount, concluding
// a commitment. Any counterpart credit is a separate ChangeBalance call on
// the other party sharing the same business_id.
func (s *Service) SettleFromFrozen(txc TxContext, ref AccountRef, assetCode string, amount decimal.Decimal) (*MutationResult, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	return s.mutate(txc, ref, assetCode, decimal.Zero, amount.Neg())
}

// mutate is the shared read-modify-write cycle. availableDelta and
// frozenDelta are applied together under the balance row lock; the pair also
// uniquely identifies the kind of operation for idempotent-replay checks.
func (s *Service) mutate(txc TxContext, ref AccountRef, assetCode string, availableDelta, frozenDelta decimal.Decimal) (*MutationResult, error) {
	if err := txc.validate(); err != nil {
		return nil, err
	}

	account, err := s.db.GetOrCreateAccount(txc.Tx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}

	// Idempotency check before touching the balance row.
	existing, err := s.db.GetTransactionRecord(txc.Tx, txc.BusinessType, txc.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("failed to check transaction log: %w", err)
	}
	if existing != nil {
		if existing.AccountID != account.AccountID ||
			existing.AssetCode != assetCode ||
			!existing.AvailableDelta.Equal(availableDelta) ||
			!existing.FrozenDelta.Equal(frozenDelta) {
			return nil, &types.IdempotencyConflictError{
				BusinessType: txc.BusinessType,
				BusinessID:   txc.BusinessID,
				Detail:       "replayed with different account, asset or amount",
			}
		}
		return &MutationResult{
			TransactionID:   existing.TransactionID,
			AccountID:       existing.AccountID,
			AssetCode:       existing.AssetCode,
			AvailableAmount: existing.AvailableAfter,
			FrozenAmount:    existing.FrozenAfter,
			IsDuplicate:     true,
		}, nil
	}

	balance, err := s.db.GetBalanceForUpdate(txc.Tx, account.AccountID, assetCode)
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance row: %w", err)
	}

	newAvailable := balance.AvailableAmount.Add(availableDelta)
	newFrozen := balance.FrozenAmount.Add(frozenDelta)

	if newAvailable.IsNegative() {
		return nil, &types.InsufficientBalanceError{
			AccountID: account.AccountID,
			AssetCode: assetCode,
			Available: balance.AvailableAmount,
			Requested: availableDelta.Neg(),
		}
	}
	if newFrozen.IsNegative() {
		return nil, &types.InvalidStateError{
			Entity:   "asset_balance",
			EntityID: account.AccountID + "/" + assetCode,
			State:    "frozen=" + balance.FrozenAmount.String(),
			Detail:   "frozen amount smaller than requested release",
		}
	}

	record := &TransactionRecord{
		AccountID:       account.AccountID,
		AssetCode:       assetCode,
		AvailableDelta:  availableDelta,
		FrozenDelta:     frozenDelta,
		BusinessType:    txc.BusinessType,
		BusinessID:      txc.BusinessID,
		AvailableBefore: balance.AvailableAmount,
		AvailableAfter:  newAvailable,
		FrozenBefore:    balance.FrozenAmount,
		FrozenAfter:     newFrozen,
		Meta:            txc.Meta,
	}

	balance.AvailableAmount = newAvailable
	balance.FrozenAmount = newFrozen

	if err := s.db.UpdateBalance(txc.Tx, balance); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	if err := s.db.CreateTransactionRecord(txc.Tx, record); err != nil {
		return nil, fmt.Errorf("failed to append transaction record: %w", err)
	}

	log.Debug().
		Str("service", "ledger").
		Str("account_id", account.AccountID).
		Str("asset_code", assetCode).
		Str("business_type", txc.BusinessType).
		Str("business_id", txc.BusinessID).
		Str("available", newAvailable.String()).
		Str("frozen", newFrozen.String()).
		Msg("applied balance mutation")

	return &MutationResult{
		TransactionID:   record.TransactionID,
		AccountID:       account.AccountID,
		AssetCode:       assetCode,
		AvailableAmount: newAvailable,
		FrozenAmount:    newFrozen,
		IsDuplicate:     false,
	}, nil
}

// TransferItem reassigns ownership of an item instance, re-checking the
// current owner under a row lock, and appends an ownership-transfer event
// for audit symmetry with fungible transfers.
func (s *Service) TransferItem(txc TxContext, itemInstanceID, fromUserID, toUserID string) (*TransferResult, error) {
	if err := txc.validate(); err != nil {
		return nil, err
	}

	existing, err := s.db.GetItemTransferRecord(txc.Tx, txc.BusinessType, txc.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("failed to check transfer log: %w", err)
	}
	if existing != nil {
		if existing.ItemInstanceID != itemInstanceID ||
			existing.FromUserID != fromUserID ||
			existing.ToUserID != toUserID {
			return nil, &types.IdempotencyConflictError{
				BusinessType: txc.BusinessType,
				BusinessID:   txc.BusinessID,
				Detail:       "replayed with different item or parties",
			}
		}
		return &TransferResult{
			TransferID:     existing.TransferID,
			ItemInstanceID: existing.ItemInstanceID,
			OwnerUserID:    existing.ToUserID,
			IsDuplicate:    true,
		}, nil
	}

	item, err := s.db.GetItemForUpdate(txc.Tx, itemInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock item row: %w", err)
	}
	if item == nil {
		return nil, &types.InvalidStateError{
			Entity:   "item_instance",
			EntityID: itemInstanceID,
			State:    "missing",
			Detail:   "item instance not found",
		}
	}
	if item.OwnerUserID != fromUserID {
		return nil, &types.InvalidStateError{
			Entity:   "item_instance",
			EntityID: itemInstanceID,
			State:    "owner=" + item.OwnerUserID,
			Detail:   "item is not owned by the transferring party",
		}
	}

	item.OwnerUserID = toUserID
	// A transfer concludes whatever hold justified it.
	item.Status = ItemStatusHeld
	if err := s.db.UpdateItem(txc.Tx, item); err != nil {
		return nil, fmt.Errorf("failed to update item owner: %w", err)
	}

	record := &ItemTransferRecord{
		ItemInstanceID: itemInstanceID,
		FromUserID:     fromUserID,
		ToUserID:       toUserID,
		BusinessType:   txc.BusinessType,
		BusinessID:     txc.BusinessID,
		Meta:           txc.Meta,
	}
	if err := s.db.CreateItemTransferRecord(txc.Tx, record); err != nil {
		return nil, fmt.Errorf("failed to append transfer record: %w", err)
	}

	return &TransferResult{
		TransferID:     record.TransferID,
		ItemInstanceID: itemInstanceID,
		OwnerUserID:    toUserID,
		IsDuplicate:    false,
	}, nil
}

// AdminAdjust grants or revokes balance on behalf of an operator. The
// adjustment and its audit entry commit atomically; the audit write is
// critical and aborts the whole adjustment on failure.
func (s *Service) AdminAdjust(operatorID string, ref AccountRef, assetCode string, delta decimal.Decimal, businessID, reason string) (*MutationResult, error) {
	if operatorID == "" {
		return nil, fmt.Errorf("admin adjustment requires an operator id")
	}

	logger := log.With().
		Str("service", "ledger").
		Str("operator_id", operatorID).
		Str("business_id", businessID).
		Logger()

	var result *MutationResult
	err := s.db.db.Transaction(func(tx *gorm.DB) error {
		txc := TxContext{
			Tx:           tx,
			BusinessType: "admin_adjust",
			BusinessID:   businessID,
			Meta:         reason,
		}
		var err error
		result, err = s.ChangeBalance(txc, ref, assetCode, delta)
		if err != nil {
			return err
		}
		if result.IsDuplicate {
			return nil
		}
		return s.audit.Record(tx, &audit.Entry{
			OperatorID: operatorID,
			Action:     "admin_adjust",
			TargetType: "asset_balance",
			TargetID:   result.AccountID + "/" + assetCode,
			AfterState: fmt.Sprintf("available=%s frozen=%s", result.AvailableAmount.String(), result.FrozenAmount.String()),
			Reason:     reason,
			BusinessID: businessID,
		})
	})
	if err != nil {
		logger.Error().Err(err).Msg("admin adjustment failed")
		return nil, err
	}

	logger.Info().
		Str("account_id", result.AccountID).
		Str("asset_code", assetCode).
		Str("delta", delta.String()).
		Bool("is_duplicate", result.IsDuplicate).
		Msg("admin adjustment applied")
	return result, nil
}

// CreateItem mints a new item instance for a user, e.g. a lottery prize
// landing in inventory.
func (s *Service) CreateItem(tx *gorm.DB, ownerUserID, itemCode string) (*ItemInstance, error) {
	item := &ItemInstance{
		ItemInstanceID: "ITM_" + uuid.New().String(),
		OwnerUserID:    ownerUserID,
		ItemCode:       itemCode,
		Status:         ItemStatusHeld,
	}
	if err := s.db.CreateItem(tx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// GetDB exposes the package database for collaborating services.
func (s *Service) GetDB() *Database {
	return s.db
}

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount.String())
	}
	return nil
}
