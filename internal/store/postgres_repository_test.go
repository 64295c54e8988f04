package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	return r.err
}

func TestClassifyLockErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "lock timeout code maps to sentinel",
			err:  &pgconn.PgError{Code: pgLockNotAvailable},
			want: ErrLockTimeout,
		},
		{
			name: "other pg error passes through",
			err:  &pgconn.PgError{Code: pgUniqueViolation},
			want: &pgconn.PgError{Code: pgUniqueViolation},
		},
		{
			name: "plain error passes through",
			err:  errors.New("connection reset"),
			want: errors.New("connection reset"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyLockErr(tt.err)
			if got.Error() != tt.want.Error() {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestScanAccount_NoRowsMapsToSentinel(t *testing.T) {
	if _, err := scanAccount(fakeRow{err: pgx.ErrNoRows}); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	dbErr := errors.New("connection reset")
	if _, err := scanAccount(fakeRow{err: dbErr}); !errors.Is(err, dbErr) {
		t.Fatalf("expected passthrough error, got %v", err)
	}
}

func TestScanLedgerEntry_NoRowsMapsToSentinel(t *testing.T) {
	if _, err := scanLedgerEntry(fakeRow{err: pgx.ErrNoRows}); !errors.Is(err, ErrLedgerEntryNotFound) {
		t.Fatalf("expected ErrLedgerEntryNotFound, got %v", err)
	}
}
