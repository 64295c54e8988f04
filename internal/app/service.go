/**
 * @description
 * This file contains the transfer engine, the core business logic of the
 * service. The `Service` struct orchestrates validation, idempotent request
 * handling, account locking, balance mutation and double-entry ledger writes
 * as one atomic unit of work, then emits best-effort notifications after
 * commit.
 *
 * Key features:
 * - Pessimistic ordered row locking is the primary concurrency strategy;
 *   ExecuteTransferOptimistic keeps the version-check path available as a
 *   fallback for low-contention deployments.
 * - Idempotency is two-layered: a cheap pre-check by request id, backed by
 *   the (request_id, type) uniqueness constraint for the race where two
 *   callers pass the pre-check simultaneously.
 * - All failures below the engine boundary are normalized into the sentinel
 *   errors declared here and in internal/store before reaching the caller.
 *
 * @dependencies
 * - context, errors, fmt: Standard Go libraries.
 * - golang.org/x/crypto/bcrypt: Account credential verification.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jsp-KW/openbanking/internal/domain"
	"github.com/jsp-KW/openbanking/internal/store"
)

var (
	ErrInvalidAmount = errors.New("transfer amount must be positive")
	ErrSameAccount   = errors.New("transfer between an account and itself")
	ErrNotOwner      = errors.New("caller does not own the source account")
	ErrBadCredential = errors.New("account credential mismatch")
	ErrRateLimited   = errors.New("transfer rate limit exceeded")
)

// Notifier is the post-commit notification sink. Implementations must be
// best-effort: they swallow and log their own failures, because ledger
// correctness never depends on notification delivery.
type Notifier interface {
	Notify(ctx context.Context, userID int64, message, category string)
}

// NopNotifier discards all notifications. Used when no broker is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, userID int64, message, category string) {}

// RateLimiter consumes one slot from a fixed-window counter and reports the
// resulting count. A nil limiter disables throttling.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core funds-transfer business logic.
type Service struct {
	repo               store.Repository
	notifier           Notifier
	limiter            RateLimiter
	highValueThreshold int64
	transfersPerMinute int
	logger             *slog.Logger
}

// NewService creates a new transfer engine instance. highValueThreshold <= 0
// disables high-value notifications.
func NewService(repo store.Repository, notifier Notifier, highValueThreshold int64, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		repo:               repo,
		notifier:           notifier,
		highValueThreshold: highValueThreshold,
		logger:             logger,
	}
}

// SetRateLimiter enables per-user transfer throttling. limitPerMinute <= 0
// leaves throttling disabled.
func (s *Service) SetRateLimiter(limiter RateLimiter, limitPerMinute int) {
	s.limiter = limiter
	s.transfersPerMinute = limitPerMinute
}

// ResolveCaller maps the authenticated email from the HTTP layer to the
// internal user identity.
func (s *Service) ResolveCaller(ctx context.Context, email string) (*domain.User, error) {
	return s.repo.FindUserByEmail(ctx, email)
}

// ExecuteTransfer moves req.Amount from the caller-owned source account to the
// destination account with pessimistic ordered locking. Replaying the same
// request id returns the previously committed pair unchanged.
func (s *Service) ExecuteTransfer(ctx context.Context, caller *domain.User, req domain.TransferRequest) (*domain.TransferResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := s.consumeRateLimit(ctx, caller.ID); err != nil {
		return nil, err
	}

	from0, err := s.repo.FindAccountByNumberAndBank(ctx, req.FromAccountNumber, req.FromBankID)
	if err != nil {
		return nil, fmt.Errorf("resolve source account: %w", err)
	}
	to0, err := s.repo.FindAccountByNumberAndBank(ctx, req.ToAccountNumber, req.ToBankID)
	if err != nil {
		return nil, fmt.Errorf("resolve destination account: %w", err)
	}
	// Compare resolved identities, not caller-supplied strings: distinct
	// bank/number inputs can still name the same row.
	if from0.ID == to0.ID {
		return nil, ErrSameAccount
	}

	if result, done, err := s.replayIfExecuted(ctx, req.RequestID); done {
		return result, err
	}

	tx, err := s.repo.BeginTransfer(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	from, to, err := s.lockPair(ctx, tx, from0.ID, to0.ID)
	if err != nil {
		return nil, err
	}

	// Ownership and credential are checked against the locked snapshot, not
	// the earlier unlocked read.
	if from.UserID != caller.ID {
		return nil, ErrNotOwner
	}
	if err := verifyCredential(from, req.Password); err != nil {
		return nil, err
	}

	result, err := s.settle(ctx, tx, from, to, req.Amount, req.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			// A concurrent caller won the insert race. Discard our attempt
			// and return theirs.
			_ = tx.Rollback(ctx)
			return s.loadReplayedPair(ctx, req.RequestID)
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.emitTransferNotifications(ctx, from, to, req.Amount)
	return result, nil
}

// ExecuteSystemTransfer is the engine path used by the scheduled transfer
// processor. Accounts are addressed by id and the ownership/credential checks
// are skipped: both were validated when the scheduled transfer was registered.
func (s *Service) ExecuteSystemTransfer(ctx context.Context, fromAccountID, toAccountID, amount int64, requestID string) (*domain.TransferResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromAccountID == toAccountID {
		return nil, ErrSameAccount
	}

	if result, done, err := s.replayIfExecuted(ctx, requestID); done {
		return result, err
	}

	tx, err := s.repo.BeginTransfer(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	from, to, err := s.lockPair(ctx, tx, fromAccountID, toAccountID)
	if err != nil {
		return nil, err
	}

	result, err := s.settle(ctx, tx, from, to, amount, requestID)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			_ = tx.Rollback(ctx)
			return s.loadReplayedPair(ctx, requestID)
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.emitTransferNotifications(ctx, from, to, amount)
	return result, nil
}

// ExecuteTransferOptimistic is the fallback concurrency strategy: it reads
// version-stamped snapshots without locks and writes back conditioned on the
// versions. A concurrent writer surfaces store.ErrVersionConflict, which the
// caller may retry with the same request id.
func (s *Service) ExecuteTransferOptimistic(ctx context.Context, caller *domain.User, req domain.TransferRequest) (*domain.TransferResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := s.consumeRateLimit(ctx, caller.ID); err != nil {
		return nil, err
	}

	from, err := s.repo.FindAccountByNumberAndBank(ctx, req.FromAccountNumber, req.FromBankID)
	if err != nil {
		return nil, fmt.Errorf("resolve source account: %w", err)
	}
	to, err := s.repo.FindAccountByNumberAndBank(ctx, req.ToAccountNumber, req.ToBankID)
	if err != nil {
		return nil, fmt.Errorf("resolve destination account: %w", err)
	}
	if from.ID == to.ID {
		return nil, ErrSameAccount
	}
	if from.UserID != caller.ID {
		return nil, ErrNotOwner
	}
	if err := verifyCredential(from, req.Password); err != nil {
		return nil, err
	}

	if result, done, err := s.replayIfExecuted(ctx, req.RequestID); done {
		return result, err
	}

	if from.Balance < req.Amount {
		s.notifier.Notify(ctx, from.UserID, "transfer failed: insufficient balance", domain.CategoryInsufficientBalance)
		return nil, store.ErrInsufficientFunds
	}

	tx, err := s.repo.BeginTransfer(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := tx.UpdateBalanceVersioned(ctx, from.ID, from.Balance-req.Amount, from.Version); err != nil {
		return nil, err
	}
	if err := tx.UpdateBalanceVersioned(ctx, to.ID, to.Balance+req.Amount, to.Version); err != nil {
		return nil, err
	}

	result, err := s.writeLedgerPair(ctx, tx, from, to, req.Amount, req.RequestID, from.Balance-req.Amount, to.Balance+req.Amount)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			_ = tx.Rollback(ctx)
			return s.loadReplayedPair(ctx, req.RequestID)
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.emitTransferNotifications(ctx, from, to, req.Amount)
	return result, nil
}

// ListLedger returns recent ledger entries for a caller-owned account.
func (s *Service) ListLedger(ctx context.Context, caller *domain.User, accountID int64, limit int) ([]domain.LedgerEntry, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.UserID != caller.ID {
		return nil, ErrNotOwner
	}
	return s.repo.ListLedgerEntriesByAccount(ctx, accountID, limit)
}

// replayIfExecuted is the idempotency fast path. done is true when the caller
// should return immediately, either with the prior result or with a lookup
// error other than not-found.
func (s *Service) replayIfExecuted(ctx context.Context, requestID string) (*domain.TransferResult, bool, error) {
	_, err := s.repo.FindLedgerEntry(ctx, requestID, domain.EntryDebit)
	if err != nil {
		if errors.Is(err, store.ErrLedgerEntryNotFound) {
			return nil, false, nil
		}
		return nil, true, err
	}
	result, err := s.loadReplayedPair(ctx, requestID)
	return result, true, err
}

func (s *Service) loadReplayedPair(ctx context.Context, requestID string) (*domain.TransferResult, error) {
	debit, credit, err := s.repo.FindLedgerPair(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load committed pair for request %s: %w", requestID, err)
	}
	return &domain.TransferResult{Debit: debit, Credit: credit, Replayed: true}, nil
}

// lockPair acquires both rows in ascending id order and re-maps the snapshots
// to the caller's from/to orientation.
func (s *Service) lockPair(ctx context.Context, tx store.TransferTx, fromID, toID int64) (from, to *domain.Account, err error) {
	first, second, err := tx.LockAccounts(ctx, fromID, toID)
	if err != nil {
		return nil, nil, err
	}
	if first.ID == fromID {
		return first, second, nil
	}
	return second, first, nil
}

// settle applies the funds check and the balance/ledger mutation using the
// locked snapshots' current balances.
func (s *Service) settle(ctx context.Context, tx store.TransferTx, from, to *domain.Account, amount int64, requestID string) (*domain.TransferResult, error) {
	if from.Balance < amount {
		// Side-channel failure signal; the deferred rollback guarantees no
		// balance change.
		s.notifier.Notify(ctx, from.UserID, "transfer failed: insufficient balance", domain.CategoryInsufficientBalance)
		return nil, store.ErrInsufficientFunds
	}

	fromBalance := from.Balance - amount
	toBalance := to.Balance + amount

	if err := tx.UpdateBalance(ctx, from.ID, fromBalance); err != nil {
		return nil, err
	}
	if err := tx.UpdateBalance(ctx, to.ID, toBalance); err != nil {
		return nil, err
	}

	return s.writeLedgerPair(ctx, tx, from, to, amount, requestID, fromBalance, toBalance)
}

// writeLedgerPair persists the debit and credit entries for one transfer.
// Never only one side: both inserts happen inside the same unit of work.
func (s *Service) writeLedgerPair(ctx context.Context, tx store.TransferTx, from, to *domain.Account, amount int64, requestID string, fromBalance, toBalance int64) (*domain.TransferResult, error) {
	debit := &domain.LedgerEntry{
		AccountID:    from.ID,
		Amount:       -amount,
		Type:         domain.EntryDebit,
		BalanceAfter: fromBalance,
		Description:  fmt.Sprintf("transferred to account %s", to.AccountNumber),
		RequestID:    requestID,
	}
	credit := &domain.LedgerEntry{
		AccountID:    to.ID,
		Amount:       amount,
		Type:         domain.EntryCredit,
		BalanceAfter: toBalance,
		Description:  fmt.Sprintf("received from account %s", from.AccountNumber),
		RequestID:    requestID,
	}

	if err := tx.InsertLedgerEntry(ctx, debit); err != nil {
		return nil, err
	}
	if err := tx.InsertLedgerEntry(ctx, credit); err != nil {
		return nil, err
	}
	return &domain.TransferResult{Debit: debit, Credit: credit}, nil
}

func (s *Service) emitTransferNotifications(ctx context.Context, from, to *domain.Account, amount int64) {
	s.notifier.Notify(ctx, from.UserID,
		fmt.Sprintf("%d transferred to account %s", amount, to.AccountNumber), domain.CategoryTransfer)
	s.notifier.Notify(ctx, to.UserID,
		fmt.Sprintf("%d received from account %s", amount, from.AccountNumber), domain.CategoryTransfer)

	if s.highValueThreshold > 0 && amount >= s.highValueThreshold {
		s.notifier.Notify(ctx, from.UserID,
			fmt.Sprintf("high-value transaction: %d transferred", amount), domain.CategoryHighValue)
		s.notifier.Notify(ctx, to.UserID,
			fmt.Sprintf("high-value transaction: %d received", amount), domain.CategoryHighValue)
	}
}

func (s *Service) consumeRateLimit(ctx context.Context, userID int64) error {
	if s.limiter == nil || s.transfersPerMinute <= 0 {
		return nil
	}
	count, _, err := s.limiter.ConsumeRateLimit(ctx, "transfer", fmt.Sprintf("%d", userID), s.transfersPerMinute, time.Minute)
	if err != nil {
		// Throttling is advisory; a limiter outage must not block transfers.
		if s.logger != nil {
			s.logger.Warn("rate limiter unavailable; allowing transfer", "user_id", userID, "error", err)
		}
		return nil
	}
	if count > s.transfersPerMinute {
		return ErrRateLimited
	}
	return nil
}

func verifyCredential(account *domain.Account, password string) error {
	if account.PasswordHash == "" {
		return ErrBadCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return ErrBadCredential
	}
	return nil
}
