/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access operations required by the transfer engine and the scheduled
 * transfer processor. Defining an interface decouples the business logic from
 * the PostgreSQL implementation and makes the engine testable with in-memory
 * stubs.
 *
 * The `TransferTx` interface is the explicit unit of work for a single
 * transfer: it is opened by the engine, carried through the locking and
 * mutation steps, and closed (commit or rollback) on every exit path.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jsp-KW/openbanking/internal/domain"
)

var (
	ErrUserNotFound              = errors.New("user not found")
	ErrAccountNotFound           = errors.New("account not found")
	ErrLedgerEntryNotFound       = errors.New("ledger entry not found")
	ErrScheduledTransferNotFound = errors.New("scheduled transfer not found")
	ErrInsufficientFunds         = errors.New("insufficient funds")

	// ErrDuplicateRequest is returned when an insert collides with the
	// (request_id, type) uniqueness constraint: another caller already
	// committed this request. The engine rolls back and re-reads the
	// winning pair instead of propagating this.
	ErrDuplicateRequest = errors.New("duplicate transfer request")

	// Retryable concurrency outcomes. Callers may safely resubmit with the
	// same request id.
	ErrVersionConflict = errors.New("account version conflict")
	ErrLockTimeout     = errors.New("account lock wait timed out")
)

// TransferTx is the unit of work for one transfer. All mutations made through
// it become visible atomically at Commit; Rollback discards them. Rollback
// after a successful Commit is a no-op, so it is safe to defer.
type TransferTx interface {
	// LockAccounts acquires exclusive row locks on both accounts in
	// ascending id order, which is the deadlock-avoidance rule every
	// multi-account code path must follow. The returned snapshots are in
	// ascending id order as well; callers re-map them to from/to. The lock
	// wait is bounded; exceeding it yields ErrLockTimeout.
	LockAccounts(ctx context.Context, idA, idB int64) (*domain.Account, *domain.Account, error)

	// UpdateBalance writes a balance computed from a locked snapshot.
	UpdateBalance(ctx context.Context, accountID, balance int64) error

	// UpdateBalanceVersioned writes a balance conditioned on the version
	// stamp read earlier. Zero rows affected yields ErrVersionConflict.
	UpdateBalanceVersioned(ctx context.Context, accountID, balance, version int64) error

	// InsertLedgerEntry persists one side of a debit/credit pair, filling
	// in the entry's ID and CreatedAt. A (request_id, type) uniqueness
	// violation yields ErrDuplicateRequest.
	InsertLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// Accounts are resolved by their natural key; numbers are unique per bank.
	FindAccountByNumberAndBank(ctx context.Context, accountNumber string, bankID int64) (*domain.Account, error)
	FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error)

	// Idempotency pre-check and replay reads.
	FindLedgerEntry(ctx context.Context, requestID string, entryType domain.EntryType) (*domain.LedgerEntry, error)
	FindLedgerPair(ctx context.Context, requestID string) (debit, credit *domain.LedgerEntry, err error)
	ListLedgerEntriesByAccount(ctx context.Context, accountID int64, limit int) ([]domain.LedgerEntry, error)

	// BeginTransfer opens the unit of work for one transfer.
	BeginTransfer(ctx context.Context) (TransferTx, error)

	// Scheduled transfer methods.
	CreateScheduledTransfer(ctx context.Context, st *domain.ScheduledTransfer) error
	DueScheduledTransfers(ctx context.Context, now time.Time) ([]domain.ScheduledTransfer, error)
	UpdateScheduledTransferStatus(ctx context.Context, id int64, status string) error
	ListScheduledTransfersByUser(ctx context.Context, userID int64) ([]domain.ScheduledTransfer, error)
}
