/**
 * @description
 * This file defines the core domain models for the openbanking ledger service.
 * These structs represent the entities persisted in the database and the data
 * transfer objects (DTOs) exchanged with the API layer.
 *
 * @notes
 * - Amounts are stored as `int64` in minor currency units to avoid
 *   floating-point inaccuracies with financial data.
 * - Entities carry plain foreign-key ids instead of nested object graphs;
 *   lookups are always explicit repository calls.
 */

package domain

import "time"

// EntryType tags a ledger entry as one side of a double-entry pair.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// Scheduled transfer lifecycle states. Completed and failed are terminal.
const (
	ScheduledPending   = "pending"
	ScheduledCompleted = "completed"
	ScheduledFailed    = "failed"
)

// Notification categories emitted by the transfer engine and the scheduled
// transfer processor. Delivery is best-effort and never affects the ledger.
const (
	CategoryTransfer            = "transfer"
	CategoryInsufficientBalance = "insufficient_balance"
	CategoryHighValue           = "high_value_transaction"
	CategoryScheduledTransfer   = "scheduled_transfer"
)

// User is the verified caller identity supplied by the auth collaborator.
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Account maps to the `accounts` table. Balance is mutated only by the
// transfer engine; Version backs the optimistic concurrency path.
type Account struct {
	ID            int64  `json:"id"`
	AccountNumber string `json:"account_number"`
	BankID        int64  `json:"bank_id"`
	UserID        int64  `json:"user_id"`
	Balance       int64  `json:"balance"`
	PasswordHash  string `json:"-"`
	Version       int64  `json:"version"`
}

// LedgerEntry is an immutable record of one signed balance movement on one
// account. Every committed transfer produces exactly one debit and one credit
// entry sharing a request id; the pair is created atomically.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	Amount       int64     `json:"amount"` // negative = debit, positive = credit
	Type         EntryType `json:"type"`
	BalanceAfter int64     `json:"balance_after"`
	Description  string    `json:"description"`
	RequestID    string    `json:"request_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// ScheduledTransfer maps to the `scheduled_transfers` table. It is created by
// the registration API and mutated only by the sweep processor.
type ScheduledTransfer struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	FromAccountID int64     `json:"from_account_id"`
	ToAccountID   int64     `json:"to_account_id"`
	Amount        int64     `json:"amount"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// TransferRequest is the DTO for incoming transfer API requests. Accounts are
// addressed by their natural key (bank id + account number) because account
// numbers are only unique per bank in the original numbering scheme.
type TransferRequest struct {
	FromBankID        int64  `json:"from_bank_id"`
	FromAccountNumber string `json:"from_account_number"`
	ToBankID          int64  `json:"to_bank_id"`
	ToAccountNumber   string `json:"to_account_number"`
	Amount            int64  `json:"amount"`
	Password          string `json:"account_password"`
	RequestID         string `json:"request_id"`
}

// TransferResult carries the committed debit/credit pair back to the caller.
// Replayed is true when the request id had already been executed and the
// prior result was returned unchanged.
type TransferResult struct {
	Debit    *LedgerEntry `json:"debit"`
	Credit   *LedgerEntry `json:"credit"`
	Replayed bool         `json:"replayed"`
}

// ScheduledTransferRequest is the DTO for registering a scheduled transfer.
// Ownership and the account credential are verified once at registration;
// funds are checked at execution time.
type ScheduledTransferRequest struct {
	FromBankID        int64     `json:"from_bank_id"`
	FromAccountNumber string    `json:"from_account_number"`
	ToBankID          int64     `json:"to_bank_id"`
	ToAccountNumber   string    `json:"to_account_number"`
	Amount            int64     `json:"amount"`
	ScheduledAt       time.Time `json:"scheduled_at"`
	Password          string    `json:"account_password"`
}
