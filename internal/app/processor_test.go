package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jsp-KW/openbanking/internal/domain"
	"github.com/jsp-KW/openbanking/internal/store"
)

type fakeExecutor struct {
	mu       sync.Mutex
	requests []string
	failOn   map[string]error
}

func (e *fakeExecutor) ExecuteSystemTransfer(ctx context.Context, fromAccountID, toAccountID, amount int64, requestID string) (*domain.TransferResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, requestID)
	if err, ok := e.failOn[requestID]; ok {
		return nil, err
	}
	return &domain.TransferResult{
		Debit:  &domain.LedgerEntry{AccountID: fromAccountID, Amount: -amount, Type: domain.EntryDebit, RequestID: requestID},
		Credit: &domain.LedgerEntry{AccountID: toAccountID, Amount: amount, Type: domain.EntryCredit, RequestID: requestID},
	}, nil
}

func scheduledRequest(at time.Time) domain.ScheduledTransferRequest {
	return domain.ScheduledTransferRequest{
		FromBankID:        1,
		FromAccountNumber: "111-111",
		ToBankID:          1,
		ToAccountNumber:   "222-222",
		Amount:            100,
		ScheduledAt:       at,
		Password:          "pw-alice",
	}
}

func TestProcessorRegister_CreatesPendingTransfer(t *testing.T) {
	fs := seedTwoAccounts(t)
	p := NewProcessor(fs, &fakeExecutor{}, nil, testLogger())
	alice := &domain.User{ID: 1, Email: "alice@example.com"}

	st, err := p.Register(context.Background(), alice, scheduledRequest(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if st.ID == 0 {
		t.Fatal("registered transfer must be assigned an id")
	}
	if st.Status != domain.ScheduledPending {
		t.Fatalf("expected pending status, got %q", st.Status)
	}
	if st.FromAccountID != 1 || st.ToAccountID != 2 {
		t.Fatalf("accounts not resolved: %+v", st)
	}
}

func TestProcessorRegister_Validation(t *testing.T) {
	fs := seedTwoAccounts(t)
	p := NewProcessor(fs, &fakeExecutor{}, nil, testLogger())
	alice := &domain.User{ID: 1, Email: "alice@example.com"}
	bob := &domain.User{ID: 2, Email: "bob@example.com"}
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name    string
		caller  *domain.User
		mutate  func(*domain.ScheduledTransferRequest)
		wantErr error
	}{
		{
			name:    "scheduled time in the past",
			caller:  alice,
			mutate:  func(r *domain.ScheduledTransferRequest) { r.ScheduledAt = time.Now().Add(-time.Minute) },
			wantErr: ErrScheduledInPast,
		},
		{
			name:    "non-positive amount",
			caller:  alice,
			mutate:  func(r *domain.ScheduledTransferRequest) { r.Amount = 0 },
			wantErr: ErrInvalidAmount,
		},
		{
			name:   "same account",
			caller: alice,
			mutate: func(r *domain.ScheduledTransferRequest) {
				r.ToAccountNumber = "111-111"
			},
			wantErr: ErrSameAccount,
		},
		{
			name:    "caller does not own source",
			caller:  bob,
			mutate:  func(r *domain.ScheduledTransferRequest) {},
			wantErr: ErrNotOwner,
		},
		{
			name:    "wrong password",
			caller:  alice,
			mutate:  func(r *domain.ScheduledTransferRequest) { r.Password = "wrong" },
			wantErr: ErrBadCredential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := scheduledRequest(future)
			tt.mutate(&req)
			_, err := p.Register(context.Background(), tt.caller, req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if len(fs.scheduled) != 0 {
		t.Fatalf("rejected registrations must not persist, got %d", len(fs.scheduled))
	}
}

func TestProcessorTick_ExecutesDueAndIsolatesFailures(t *testing.T) {
	fs := seedTwoAccounts(t)
	executor := &fakeExecutor{failOn: map[string]error{
		"SCHEDULED-1": store.ErrInsufficientFunds,
	}}
	notifier := &recordingNotifier{}
	p := NewProcessor(fs, executor, notifier, testLogger())
	alice := &domain.User{ID: 1, Email: "alice@example.com"}

	base := time.Now()
	p.now = func() time.Time { return base }

	// Two due items and one future item.
	for _, offset := range []time.Duration{time.Minute, 2 * time.Minute, 2 * time.Hour} {
		if _, err := p.Register(context.Background(), alice, scheduledRequest(base.Add(offset))); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	p.now = func() time.Time { return base.Add(30 * time.Minute) }
	p.Tick(context.Background())

	if len(executor.requests) != 2 {
		t.Fatalf("expected 2 executions, got %v", executor.requests)
	}
	if executor.requests[0] != "SCHEDULED-1" || executor.requests[1] != "SCHEDULED-2" {
		t.Fatalf("unexpected request ids: %v", executor.requests)
	}

	if got := fs.scheduled[1].Status; got != domain.ScheduledFailed {
		t.Fatalf("failing item must be marked failed, got %q", got)
	}
	if got := fs.scheduled[2].Status; got != domain.ScheduledCompleted {
		t.Fatalf("succeeding item must be marked completed despite earlier failure, got %q", got)
	}
	if got := fs.scheduled[3].Status; got != domain.ScheduledPending {
		t.Fatalf("future item must stay pending, got %q", got)
	}

	if got := notifier.byCategory(domain.CategoryInsufficientBalance); len(got) != 1 {
		t.Fatalf("expected one failure notification, got %+v", got)
	}
	if got := notifier.byCategory(domain.CategoryScheduledTransfer); len(got) != 1 {
		t.Fatalf("expected one success notification, got %+v", got)
	}
}

func TestProcessorTick_TerminalStatesAreNotReprocessed(t *testing.T) {
	fs := seedTwoAccounts(t)
	executor := &fakeExecutor{}
	p := NewProcessor(fs, executor, nil, testLogger())
	alice := &domain.User{ID: 1, Email: "alice@example.com"}

	base := time.Now()
	p.now = func() time.Time { return base }
	if _, err := p.Register(context.Background(), alice, scheduledRequest(base.Add(time.Minute))); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	p.now = func() time.Time { return base.Add(time.Hour) }
	p.Tick(context.Background())
	p.Tick(context.Background())

	if len(executor.requests) != 1 {
		t.Fatalf("completed item must not be re-executed, got %v", executor.requests)
	}
}

func TestProcessorList_ReturnsCallerItems(t *testing.T) {
	fs := seedTwoAccounts(t)
	p := NewProcessor(fs, &fakeExecutor{}, nil, testLogger())
	alice := &domain.User{ID: 1, Email: "alice@example.com"}
	bob := &domain.User{ID: 2, Email: "bob@example.com"}

	if _, err := p.Register(context.Background(), alice, scheduledRequest(time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	mine, err := p.List(context.Background(), alice)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(mine) != 1 {
		t.Fatalf("expected one scheduled transfer, got %d", len(mine))
	}

	theirs, err := p.List(context.Background(), bob)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(theirs) != 0 {
		t.Fatalf("expected no scheduled transfers for other user, got %d", len(theirs))
	}
}
