/**
 * @description
 * This file contains the scheduled transfer processor. Registration validates
 * ownership and the account credential once, up front; the sweep (`Tick`)
 * later executes each due item through the system transfer path, which skips
 * those checks.
 *
 * Key features:
 * - Per-item isolation: one failing item is marked failed and the sweep
 *   continues with the rest.
 * - Deterministic request ids ("SCHEDULED-<id>") make re-execution of an
 *   already settled item a harmless replay.
 * - Completed and failed are terminal states; the status update is guarded in
 *   the store so a concurrent sweep cannot flip them back.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - golang.org/x/crypto/bcrypt: Registration-time credential verification.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jsp-KW/openbanking/internal/domain"
	"github.com/jsp-KW/openbanking/internal/store"
)

var ErrScheduledInPast = errors.New("scheduled time must be in the future")

// TransferExecutor is the slice of the transfer engine the processor needs.
type TransferExecutor interface {
	ExecuteSystemTransfer(ctx context.Context, fromAccountID, toAccountID, amount int64, requestID string) (*domain.TransferResult, error)
}

// Processor owns the scheduled transfer lifecycle: registration, the periodic
// due sweep, and per-user listing.
type Processor struct {
	repo     store.Repository
	executor TransferExecutor
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessor(repo store.Repository, executor TransferExecutor, notifier Notifier, logger *slog.Logger) *Processor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Processor{
		repo:     repo,
		executor: executor,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Register validates and stores a pending scheduled transfer. Ownership and
// the account credential are verified here, not at execution time.
func (p *Processor) Register(ctx context.Context, caller *domain.User, req domain.ScheduledTransferRequest) (*domain.ScheduledTransfer, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.ScheduledAt.After(p.now()) {
		return nil, ErrScheduledInPast
	}

	from, err := p.repo.FindAccountByNumberAndBank(ctx, req.FromAccountNumber, req.FromBankID)
	if err != nil {
		return nil, fmt.Errorf("resolve source account: %w", err)
	}
	to, err := p.repo.FindAccountByNumberAndBank(ctx, req.ToAccountNumber, req.ToBankID)
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

	st := &domain.ScheduledTransfer{
		UserID:        caller.ID,
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Amount:        req.Amount,
		ScheduledAt:   req.ScheduledAt,
		Status:        domain.ScheduledPending,
	}
	if err := p.repo.CreateScheduledTransfer(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// List returns the caller's scheduled transfers, newest first.
func (p *Processor) List(ctx context.Context, caller *domain.User) ([]domain.ScheduledTransfer, error) {
	return p.repo.ListScheduledTransfersByUser(ctx, caller.ID)
}

// Tick runs one sweep over the due pending items. The scheduler guarantees
// single-flight invocation, so items are processed sequentially without
// further coordination.
func (p *Processor) Tick(ctx context.Context) {
	due, err := p.repo.DueScheduledTransfers(ctx, p.now())
	if err != nil {
		p.logger.Error("scheduled sweep: listing due transfers failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	p.logger.Info("scheduled sweep started", "due", len(due))

	for i := range due {
		p.execute(ctx, &due[i])
	}
}

func (p *Processor) execute(ctx context.Context, st *domain.ScheduledTransfer) {
	requestID := fmt.Sprintf("SCHEDULED-%d", st.ID)

	result, err := p.executor.ExecuteSystemTransfer(ctx, st.FromAccountID, st.ToAccountID, st.Amount, requestID)
	if err != nil {
		p.logger.Error("scheduled transfer failed", "scheduled_id", st.ID, "error", err)
		if uerr := p.repo.UpdateScheduledTransferStatus(ctx, st.ID, domain.ScheduledFailed); uerr != nil {
			p.logger.Error("scheduled transfer status update failed", "scheduled_id", st.ID, "status", domain.ScheduledFailed, "error", uerr)
			return
		}
		p.notifier.Notify(ctx, st.UserID,
			fmt.Sprintf("scheduled transfer %d failed: insufficient balance or account unavailable", st.ID),
			domain.CategoryInsufficientBalance)
		return
	}

	if uerr := p.repo.UpdateScheduledTransferStatus(ctx, st.ID, domain.ScheduledCompleted); uerr != nil {
		// The money moved; a replay of this item is absorbed by the request
		// id, so log and move on.
		p.logger.Error("scheduled transfer status update failed", "scheduled_id", st.ID, "status", domain.ScheduledCompleted, "error", uerr)
	}
	if result.Replayed {
		p.logger.Warn("scheduled transfer already settled, replayed", "scheduled_id", st.ID)
	}
	p.notifier.Notify(ctx, st.UserID,
		fmt.Sprintf("scheduled transfer %d of %d executed", st.ID, st.Amount),
		domain.CategoryScheduledTransfer)
}
