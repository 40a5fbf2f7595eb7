package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresStoreFetch(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"user_id", "enabled", "threshold", "exchange", "pairs"}).
		AddRow(int64(42), true, 1000.0, "binance", `["BTCUSDT","ETHUSDT"]`).
		AddRow(int64(43), true, nil, nil, nil).
		AddRow(int64(44), true, 50.0, "okx", `not-json`)
	mock.ExpectQuery("SELECT user_id, enabled, threshold, exchange, pairs").WillReturnRows(rows)

	subs, err := store.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected unreadable row to be skipped, got %d subscriptions", len(subs))
	}

	first := subs[0]
	if first.RecipientID != "42" || !first.Enabled || first.Exchange != "binance" {
		t.Fatalf("unexpected subscription: %+v", first)
	}
	if !first.ThresholdNotional.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected threshold: %s", first.ThresholdNotional)
	}
	if len(first.Instruments) != 2 || first.Instruments[1] != "ETHUSDT" {
		t.Fatalf("unexpected instruments: %v", first.Instruments)
	}

	second := subs[1]
	if second.Exchange != "" || len(second.Instruments) != 0 || !second.ThresholdNotional.IsZero() {
		t.Fatalf("expected null columns to map to zero values: %+v", second)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreUnavailable(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection refused"))

	_, err := store.Fetch(context.Background())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestPostgresStorePing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	store := NewPostgresStore(sqlx.NewDb(db, "postgres"))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	if err := store.Ping(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
