/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` and
 * `TransferTx` interfaces. It contains all SQL against the accounts,
 * ledger_entries and scheduled_transfers tables.
 *
 * Concurrency notes:
 * - Row locks are taken with `SELECT ... FOR UPDATE` in ascending account-id
 *   order inside a single transaction; `SET LOCAL lock_timeout` bounds the
 *   wait so a blocked transfer surfaces ErrLockTimeout instead of hanging.
 * - The (request_id, type) unique index on ledger_entries is the
 *   authoritative idempotency guard; violation is mapped to
 *   ErrDuplicateRequest.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jsp-KW/openbanking/internal/domain"
)

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

// PostgresRepository is a concrete implementation of the Repository interface
// for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository.
// lockTimeout bounds row-lock acquisition inside transfer transactions.
func NewPostgresRepository(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresRepository {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

// FindUserByEmail resolves the verified caller identity supplied by the auth layer.
func (r *PostgresRepository) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, email, name FROM users WHERE lower(email) = lower($1)`
	err := r.db.QueryRow(ctx, query, email).Scan(&user.ID, &user.Email, &user.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

const accountColumns = `id, account_number, bank_id, user_id, balance, password_hash, version`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.AccountNumber, &a.BankID, &a.UserID, &a.Balance, &a.PasswordHash, &a.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindAccountByNumberAndBank resolves an account by its natural key.
func (r *PostgresRepository) FindAccountByNumberAndBank(ctx context.Context, accountNumber string, bankID int64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_number = $1 AND bank_id = $2`
	return scanAccount(r.db.QueryRow(ctx, query, accountNumber, bankID))
}

// FindAccountByID retrieves an account by its surrogate id.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

const ledgerColumns = `id, account_id, amount, type, balance_after, description, request_id, created_at`

func scanLedgerEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Type, &e.BalanceAfter, &e.Description, &e.RequestID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

// FindLedgerEntry is the cheap idempotency pre-check: it looks up one side of
// a pair by (request_id, type).
func (r *PostgresRepository) FindLedgerEntry(ctx context.Context, requestID string, entryType domain.EntryType) (*domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE request_id = $1 AND type = $2`
	return scanLedgerEntry(r.db.QueryRow(ctx, query, requestID, entryType))
}

// FindLedgerPair loads the committed debit/credit pair for a request id.
func (r *PostgresRepository) FindLedgerPair(ctx context.Context, requestID string) (*domain.LedgerEntry, *domain.LedgerEntry, error) {
	debit, err := r.FindLedgerEntry(ctx, requestID, domain.EntryDebit)
	if err != nil {
		return nil, nil, err
	}
	credit, err := r.FindLedgerEntry(ctx, requestID, domain.EntryCredit)
	if err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}

// ListLedgerEntriesByAccount returns the most recent entries for one account.
func (r *PostgresRepository) ListLedgerEntriesByAccount(ctx context.Context, accountID int64, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Type, &e.BalanceAfter, &e.Description, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// BeginTransfer opens the unit of work for a single transfer and bounds row
// lock waits for its duration.
func (r *PostgresRepository) BeginTransfer(ctx context.Context) (TransferTx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	// SET LOCAL scopes the timeout to this transaction only.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return &pgTransferTx{tx: tx}, nil
}

// pgTransferTx implements TransferTx on top of a pgx transaction.
type pgTransferTx struct {
	tx pgx.Tx
}

func (t *pgTransferTx) LockAccounts(ctx context.Context, idA, idB int64) (*domain.Account, *domain.Account, error) {
	// Lock-order rule: always lowest id first. Two opposite transfers
	// between the same pair then queue on the same first lock instead of
	// forming a wait cycle.
	lo, hi := idA, idB
	if lo > hi {
		lo, hi = hi, lo
	}

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	first, err := scanAccount(t.tx.QueryRow(ctx, query, lo))
	if err != nil {
		return nil, nil, classifyLockErr(err)
	}
	second, err := scanAccount(t.tx.QueryRow(ctx, query, hi))
	if err != nil {
		return nil, nil, classifyLockErr(err)
	}
	return first, second, nil
}

func (t *pgTransferTx) UpdateBalance(ctx context.Context, accountID, balance int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $1, version = version + 1 WHERE id = $2`, balance, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTransferTx) UpdateBalanceVersioned(ctx context.Context, accountID, balance, version int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = $1, version = version + 1 WHERE id = $2 AND version = $3`,
		balance, accountID, version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the row vanished or another writer bumped the version; both
		// surface as a conflict the caller may retry.
		return ErrVersionConflict
	}
	return nil
}

func (t *pgTransferTx) InsertLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (account_id, amount, type, balance_after, description, request_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := t.tx.QueryRow(ctx, query, e.AccountID, e.Amount, e.Type, e.BalanceAfter, e.Description, e.RequestID).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateRequest
		}
		return err
	}
	return nil
}

func (t *pgTransferTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTransferTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func classifyLockErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return ErrLockTimeout
	}
	return err
}

// CreateScheduledTransfer inserts a new pending scheduled transfer and fills
// in its id and creation timestamp.
func (r *PostgresRepository) CreateScheduledTransfer(ctx context.Context, st *domain.ScheduledTransfer) error {
	query := `
		INSERT INTO scheduled_transfers (user_id, from_account_id, to_account_id, amount, scheduled_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return r.db.QueryRow(ctx, query,
		st.UserID, st.FromAccountID, st.ToAccountID, st.Amount, st.ScheduledAt, st.Status,
	).Scan(&st.ID, &st.CreatedAt)
}

// DueScheduledTransfers selects pending items whose scheduled time has passed,
// oldest first so a long backlog drains in registration order.
func (r *PostgresRepository) DueScheduledTransfers(ctx context.Context, now time.Time) ([]domain.ScheduledTransfer, error) {
	query := `
		SELECT id, user_id, from_account_id, to_account_id, amount, scheduled_at, status, created_at
		FROM scheduled_transfers
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, domain.ScheduledPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []domain.ScheduledTransfer
	for rows.Next() {
		var st domain.ScheduledTransfer
		if err := rows.Scan(&st.ID, &st.UserID, &st.FromAccountID, &st.ToAccountID, &st.Amount, &st.ScheduledAt, &st.Status, &st.CreatedAt); err != nil {
			return nil, err
		}
		due = append(due, st)
	}
	return due, rows.Err()
}

// UpdateScheduledTransferStatus moves one item to a terminal status. The
// pending guard keeps completed/failed rows terminal even if a sweep overlaps
// a manual re-run.
func (r *PostgresRepository) UpdateScheduledTransferStatus(ctx context.Context, id int64, status string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_transfers SET status = $1 WHERE id = $2 AND status = $3`,
		status, id, domain.ScheduledPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduledTransferNotFound
	}
	return nil
}

// ListScheduledTransfersByUser returns all scheduled transfers registered by a user.
func (r *PostgresRepository) ListScheduledTransfersByUser(ctx context.Context, userID int64) ([]domain.ScheduledTransfer, error) {
	query := `
		SELECT id, user_id, from_account_id, to_account_id, amount, scheduled_at, status, created_at
		FROM scheduled_transfers
		WHERE user_id = $1
		ORDER BY scheduled_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ScheduledTransfer
	for rows.Next() {
		var st domain.ScheduledTransfer
		if err := rows.Scan(&st.ID, &st.UserID, &st.FromAccountID, &st.ToAccountID, &st.Amount, &st.ScheduledAt, &st.Status, &st.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, st)
	}
	return items, rows.Err()
}
