package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func exerciseTokenStore(t *testing.T, store TokenStore) {
	t.Helper()
	ctx := context.Background()

	tokens, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !tokens.Empty() {
		t.Fatalf("expected empty store, got %+v", tokens)
	}

	if err := store.Save(ctx, Tokens{Access: "T1", Refresh: "R1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, Tokens{Access: "T2", Refresh: "R2"}); err != nil {
		t.Fatalf("Save() overwrite error = %v", err)
	}
	tokens, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tokens.Access != "T2" || tokens.Refresh != "R2" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	tokens, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !tokens.Empty() {
		t.Fatalf("expected both slots cleared, got %+v", tokens)
	}
}

func TestMemoryTokenStore(t *testing.T) {
	exerciseTokenStore(t, NewMemoryTokenStore())
}

func TestSQLiteTokenStore(t *testing.T) {
	store, err := OpenSQLiteTokenStore(filepath.Join(t.TempDir(), "nested", "tokens.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteTokenStore() error = %v", err)
	}
	defer store.Close()
	exerciseTokenStore(t, store)
}

func TestSQLiteTokenStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	ctx := context.Background()

	first, err := OpenSQLiteTokenStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteTokenStore() error = %v", err)
	}
	if err := first.Save(ctx, Tokens{Access: "T1", Refresh: "R1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	first.Close()

	second, err := OpenSQLiteTokenStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer second.Close()
	tokens, err := second.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tokens.Access != "T1" || tokens.Refresh != "R1" {
		t.Fatalf("unexpected tokens after reopen: %+v", tokens)
	}
}

func newMockTokenStore(t *testing.T) (*SQLiteTokenStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS token_slots").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLiteTokenStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteTokenStore() error = %v", err)
	}
	return store, mock
}

func TestSQLiteTokenStoreClearRollsBack(t *testing.T) {
	store, mock := newMockTokenStore(t)
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM token_slots").
		WithArgs(SlotAccessToken, SlotRefreshToken).
		WillReturnError(boom)
	mock.ExpectRollback()

	err := store.Clear(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected disk error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLiteTokenStoreSaveIsAllOrNothing(t *testing.T) {
	store, mock := newMockTokenStore(t)
	boom := errors.New("constraint")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO token_slots").
		WithArgs(SlotAccessToken, "T1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO token_slots").
		WithArgs(SlotRefreshToken, "R1", sqlmock.AnyArg()).
		WillReturnError(boom)
	mock.ExpectRollback()

	err := store.Save(context.Background(), Tokens{Access: "T1", Refresh: "R1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
