package consistency

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/ledger-api/internal/audit"
	"github.com/ksred/ledger-api/internal/ledger"
)

// Service is the consistency auditor. frozen_amount on a balance should
// equal the sum of amounts encumbered by live commitments (active listings
// plus frozen order holds) for that account and asset; any excess is an
// orphan frozen amount, a silent data-corruption bug that locks user funds.
//
// Detection is a cheap, lock-free, stale-tolerant read safe to run anytime.
// Cleanup re-validates under the balance row lock, only ever reduces
// frozen_amount, and requires an operator identity plus an audit entry per
// healed account.
type Service struct {
	db     *Database
	ledger *ledger.Service
	audit  *audit.Writer
}

func NewService(gormDB *gorm.DB, ledgerService *ledger.Service, auditWriter *audit.Writer) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		ledger: ledgerService,
		audit:  auditWriter,
	}
}

// DetectFilter narrows detection to one user and/or asset.
type DetectFilter struct {
	UserID    string `json:"user_id,omitempty"`
	AssetCode string `json:"asset_code,omitempty"`
}

// OrphanDetail describes one orphaned (account, asset) pair.
type OrphanDetail struct {
	AccountID      string          `json:"account_id"`
	OwnerRef       string          `json:"owner_ref"`
	AssetCode      string          `json:"asset_code"`
	FrozenAmount   decimal.Decimal `json:"frozen_amount"`
	ExpectedFrozen decimal.Decimal `json:"expected_frozen"`
	OrphanAmount   decimal.Decimal `json:"orphan_amount"`
}

// CleanupOptions gate the repair pass. A non-dry run requires OperatorID.
type CleanupOptions struct {
	DryRun     bool   `json:"dry_run"`
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
}

// CleanupFailure records a per-account cleanup error that did not block the
// rest of the batch.
type CleanupFailure struct {
	AccountID string `json:"account_id"`
	AssetCode string `json:"asset_code"`
	Error     string `json:"error"`
}

// CleanupResult summarizes one cleanup run.
type CleanupResult struct {
	DryRun      bool             `json:"dry_run"`
	Detected    int              `json:"detected"`
	Cleaned     int              `json:"cleaned"`
	Failed      int              `json:"failed"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	Details     []OrphanDetail   `json:"details"`
	Failures    []CleanupFailure `json:"failures,omitempty"`
}

// AssetOrphanStats aggregates current orphan totals for one asset.
type AssetOrphanStats struct {
	AssetCode   string          `json:"asset_code"`
	Accounts    int             `json:"accounts"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// DetectOrphanFrozen scans balances with frozen_amount > 0 and reports every
// pair whose frozen amount exceeds its live commitments. Pure read: no
// locking, safe to run concurrently with trading. The result is a
// stale-tolerant estimate; cleanup re-validates before mutating.
func (s *Service) DetectOrphanFrozen(filter DetectFilter) ([]OrphanDetail, error) {
	rows, err := s.db.GetFrozenBalances(filter.UserID, filter.AssetCode)
	if err != nil {
		return nil, fmt.Errorf("failed to scan frozen balances: %w", err)
	}

	var orphans []OrphanDetail
	for _, row := range rows {
		expected, err := s.expectedFrozen(s.db.DB(), row)
		if err != nil {
			return nil, err
		}
		if row.FrozenAmount.GreaterThan(expected) {
			orphans = append(orphans, OrphanDetail{
				AccountID:      row.AccountID,
				OwnerRef:       row.OwnerRef,
				AssetCode:      row.AssetCode,
				FrozenAmount:   row.FrozenAmount,
				ExpectedFrozen: expected,
				OrphanAmount:   row.FrozenAmount.Sub(expected),
			})
		}
	}
	return orphans, nil
}

// expectedFrozen recomputes what should be encumbered for one account and
// asset: fungible offers on the owner's active listings plus gross holds on
// the owner's frozen orders. System accounts hold no commitments.
func (s *Service) expectedFrozen(tx *gorm.DB, row frozenRow) (decimal.Decimal, error) {
	if row.OwnerKind != ledger.OwnerKindUser {
		return decimal.Zero, nil
	}
	listed, err := s.db.GetListedAmount(tx, row.OwnerRef, row.AssetCode)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum listed amounts: %w", err)
	}
	held, err := s.db.GetOrderHeldAmount(tx, row.OwnerRef, row.AssetCode)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum order holds: %w", err)
	}
	return listed.Add(held), nil
}

// CleanupOrphanFrozen re-runs detection and, unless DryRun, heals each
// orphaned account by unfreezing the excess inside one transaction. Every
// healed account gets an audit entry; the audit write is a hard dependency
// and aborts the whole transaction on failure. Other per-account failures
// are collected and do not block the rest of the batch.
//
// Repair only ever reduces frozen_amount. Re-validating under the balance
// row lock means a legitimate freeze that landed after detection shrinks or
// cancels the computed orphan instead of being clawed back.
func (s *Service) CleanupOrphanFrozen(opts CleanupOptions) (*CleanupResult, error) {
	logger := log.With().
		Str("service", "consistency").
		Bool("dry_run", opts.DryRun).
		Str("operator_id", opts.OperatorID).
		Logger()

	detected, err := s.DetectOrphanFrozen(DetectFilter{})
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{
		DryRun:      opts.DryRun,
		Detected:    len(detected),
		TotalAmount: decimal.Zero,
		Details:     []OrphanDetail{},
	}

	if opts.DryRun {
		result.Details = detected
		for _, orphan := range detected {
			result.TotalAmount = result.TotalAmount.Add(orphan.OrphanAmount)
		}
		logger.Info().
			Int("detected", result.Detected).
			Str("total_amount", result.TotalAmount.String()).
			Msg("orphan frozen dry run complete")
		return result, nil
	}

	if opts.OperatorID == "" {
		return nil, fmt.Errorf("orphan frozen cleanup requires an operator id")
	}
	if len(detected) == 0 {
		return result, nil
	}

	runID := "CLN_" + uuid.New().String()

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		for _, orphan := range detected {
			cleaned, cleanupErr := s.cleanupAccount(tx, runID, opts, orphan)
			if cleanupErr != nil {
				// Audit failures poison the whole batch: the trail must never
				// diverge from ledger state.
				if isAuditFailure(cleanupErr) {
					return cleanupErr
				}
				logger.Error().
					Err(cleanupErr).
					Str("account_id", orphan.AccountID).
					Str("asset_code", orphan.AssetCode).
					Msg("failed to clean orphaned account")
				result.Failed++
				result.Failures = append(result.Failures, CleanupFailure{
					AccountID: orphan.AccountID,
					AssetCode: orphan.AssetCode,
					Error:     cleanupErr.Error(),
				})
				continue
			}
			if cleaned == nil {
				// Re-validation found no orphan anymore; nothing to heal.
				continue
			}
			result.Cleaned++
			result.TotalAmount = result.TotalAmount.Add(cleaned.OrphanAmount)
			result.Details = append(result.Details, *cleaned)
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("orphan frozen cleanup aborted")
		return nil, err
	}

	logger.Info().
		Int("detected", result.Detected).
		Int("cleaned", result.Cleaned).
		Int("failed", result.Failed).
		Str("total_amount", result.TotalAmount.String()).
		Msg("orphan frozen cleanup complete")
	return result, nil
}

// cleanupAccount heals one orphaned pair under the balance row lock.
// Returns nil detail when re-validation finds nothing left to heal.
func (s *Service) cleanupAccount(tx *gorm.DB, runID string, opts CleanupOptions, orphan OrphanDetail) (*OrphanDetail, error) {
	balance, err := s.ledger.GetDB().GetBalanceForUpdate(tx, orphan.AccountID, orphan.AssetCode)
	if err != nil {
		return nil, err
	}

	expected, err := s.expectedFrozen(tx, frozenRow{
		AccountID:    orphan.AccountID,
		OwnerKind:    ledger.OwnerKindUser,
		OwnerRef:     orphan.OwnerRef,
		AssetCode:    orphan.AssetCode,
		FrozenAmount: balance.FrozenAmount,
	})
	if err != nil {
		return nil, err
	}
	if !balance.FrozenAmount.GreaterThan(expected) {
		return nil, nil
	}
	amount := balance.FrozenAmount.Sub(expected)

	txc := ledger.TxContext{
		Tx:           tx,
		BusinessType: "orphan_frozen_cleanup",
		BusinessID:   fmt.Sprintf("%s:%s:%s", runID, orphan.AccountID, orphan.AssetCode),
		Meta:         opts.Reason,
	}
	result, err := s.ledger.Unfreeze(txc, ledger.UserRef(orphan.OwnerRef), orphan.AssetCode, amount)
	if err != nil {
		return nil, err
	}

	if err := s.audit.Record(tx, &audit.Entry{
		OperatorID:  opts.OperatorID,
		Action:      "orphan_frozen_cleanup",
		TargetType:  "asset_balance",
		TargetID:    orphan.AccountID + "/" + orphan.AssetCode,
		BeforeState: fmt.Sprintf("frozen=%s", balance.FrozenAmount.String()),
		AfterState:  fmt.Sprintf("frozen=%s", result.FrozenAmount.String()),
		Reason:      opts.Reason,
		BusinessID:  txc.BusinessID,
	}); err != nil {
		return nil, &auditFailure{err: err}
	}

	return &OrphanDetail{
		AccountID:      orphan.AccountID,
		OwnerRef:       orphan.OwnerRef,
		AssetCode:      orphan.AssetCode,
		FrozenAmount:   balance.FrozenAmount,
		ExpectedFrozen: expected,
		OrphanAmount:   amount,
	}, nil
}

// GetOrphanFrozenStats aggregates current orphan totals by asset for
// dashboards. Pure read composed from detection.
func (s *Service) GetOrphanFrozenStats() ([]AssetOrphanStats, error) {
	orphans, err := s.DetectOrphanFrozen(DetectFilter{})
	if err != nil {
		return nil, err
	}

	byAsset := make(map[string]*AssetOrphanStats)
	var order []string
	for _, orphan := range orphans {
		stats, ok := byAsset[orphan.AssetCode]
		if !ok {
			stats = &AssetOrphanStats{AssetCode: orphan.AssetCode, TotalAmount: decimal.Zero}
			byAsset[orphan.AssetCode] = stats
			order = append(order, orphan.AssetCode)
		}
		stats.Accounts++
		stats.TotalAmount = stats.TotalAmount.Add(orphan.OrphanAmount)
	}

	result := make([]AssetOrphanStats, 0, len(order))
	for _, asset := range order {
		result = append(result, *byAsset[asset])
	}
	return result, nil
}

// auditFailure wraps an audit write error so the batch loop can tell it
// apart from per-account business failures.
type auditFailure struct {
	err error
}

func (a *auditFailure) Error() string { return a.err.Error() }
func (a *auditFailure) Unwrap() error { return a.err }

func isAuditFailure(err error) bool {
	var af *auditFailure
	return errors.As(err, &af)
}
