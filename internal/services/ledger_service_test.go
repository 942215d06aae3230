package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/atelierml/backend/internal/models"
)

func TestTokenLedgerService_Consume(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTokenLedgerService(db, testDBConfig(), testLogger())
	ctx := context.Background()

	t.Run("successful consume", func(t *testing.T) {
		userID := int64(7)
		amount := int64(50)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectQuery("SELECT user_id, balance, version, updated_at FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version", "updated_at"}).
				AddRow(userID, 500, 1, time.Now()))

		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE user_id = \\$3 AND version = \\$4").
			WithArgs(int64(450), sqlmock.AnyArg(), userID, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(userID, nil, amount, models.EntryKindConsume, nil, "Image generation", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

		mock.ExpectCommit()

		receipt, err := service.Consume(ctx, userID, amount, "Image generation", nil)
		assert.NoError(t, err)
		assert.Equal(t, int64(11), receipt.EntryID)
		assert.Equal(t, int64(450), receipt.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance", func(t *testing.T) {
		userID := int64(7)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectQuery("SELECT user_id, balance, version, updated_at FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version", "updated_at"}).
				AddRow(userID, 30, 1, time.Now()))

		mock.ExpectRollback()

		_, err := service.Consume(ctx, userID, 50, "Image generation", nil)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("account missing", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectQuery("SELECT user_id, balance, version, updated_at FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(int64(99)).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version", "updated_at"}))

		mock.ExpectRollback()

		_, err := service.Consume(ctx, 99, 50, "Image generation", nil)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := service.Consume(ctx, 7, 0, "Image generation", nil)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTokenLedgerService_ConcurrentConsumes(t *testing.T) {
	db, dbmock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	dbmock.MatchExpectationsInOrder(false)

	service := NewTokenLedgerService(db, testDBConfig(), testLogger())
	userID := int64(7)
	const workers = 8
	const amount = int64(10)
	const initial = int64(100)

	// Row locks serialize the consumers: each one must observe the balance
	// left by the previous writer and bump the matching version. The updates
	// are keyed by version, so any interleaving that skips or repeats a
	// serialized step leaves an expectation unmet.
	for i := 0; i < workers; i++ {
		balance := initial - amount*int64(i)
		version := i + 1

		dbmock.ExpectBegin()
		dbmock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		dbmock.ExpectQuery("SELECT user_id, balance, version, updated_at FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version", "updated_at"}).
				AddRow(userID, balance, version, time.Now()))
		dbmock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE user_id = \\$3 AND version = \\$4").
			WithArgs(balance-amount, sqlmock.AnyArg(), userID, version).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbmock.ExpectQuery("INSERT INTO ledger_entries").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(100 + i)))
		dbmock.ExpectCommit()
	}

	var wg sync.WaitGroup
	balances := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			receipt, err := service.Consume(context.Background(), userID, amount, "Image generation", nil)
			assert.NoError(t, err)
			if err == nil {
				balances <- receipt.NewBalance
			}
		}()
	}
	wg.Wait()
	close(balances)

	seen := make(map[int64]bool, workers)
	lowest := initial
	for b := range balances {
		seen[b] = true
		if b < lowest {
			lowest = b
		}
	}
	assert.Len(t, seen, workers, "every consume must observe a distinct serialized balance")
	assert.Equal(t, initial-amount*workers, lowest)
	assert.NoError(t, dbmock.ExpectationsWereMet())
}

func TestTokenLedgerService_Refund(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTokenLedgerService(db, testDBConfig(), testLogger())
	ctx := context.Background()

	t.Run("refund credits the counterparty side", func(t *testing.T) {
		userID := int64(7)
		jobID := int64(42)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectQuery("SELECT user_id, balance, version, updated_at FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version", "updated_at"}).
				AddRow(userID, 450, 2, time.Now()))

		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE user_id = \\$3 AND version = \\$4").
			WithArgs(int64(500), sqlmock.AnyArg(), userID, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(nil, userID, int64(50), models.EntryKindRefund, jobID, "Job failed: GPU ran out of memory", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))

		mock.ExpectCommit()

		receipt, err := service.Refund(ctx, userID, 50, &jobID, "Job failed: GPU ran out of memory")
		assert.NoError(t, err)
		assert.Equal(t, int64(500), receipt.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTokenLedgerService_Credit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTokenLedgerService(db, testDBConfig(), testLogger())
	ctx := context.Background()

	t.Run("creates account on first credit", func(t *testing.T) {
		userID := int64(8)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectExec("INSERT INTO accounts").
			WithArgs(userID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectQuery("SELECT user_id, balance, version, updated_at FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version", "updated_at"}).
				AddRow(userID, 0, 1, time.Now()))

		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE user_id = \\$3 AND version = \\$4").
			WithArgs(int64(200), sqlmock.AnyArg(), userID, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(nil, userID, int64(200), models.EntryKindPurchase, nil, "Token pack", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(13))

		mock.ExpectCommit()

		receipt, err := service.Credit(ctx, userID, 200, models.EntryKindPurchase, "Token pack")
		assert.NoError(t, err)
		assert.Equal(t, int64(200), receipt.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-credit kinds", func(t *testing.T) {
		_, err := service.Credit(ctx, 8, 200, models.EntryKindConsume, "nope")
		assert.Error(t, err)
	})
}

func TestTokenLedgerService_updateBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTokenLedgerService(db, testDBConfig(), testLogger())
	ctx := context.Background()

	t.Run("stale version", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE user_id = \\$3 AND version = \\$4").
			WithArgs(int64(400), sqlmock.AnyArg(), int64(7), 1).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.updateBalance(ctx, tx, 7, 400, 1)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "stale account version")
	})
}

func TestTokenLedgerService_GetBalanceFor(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTokenLedgerService(db, testDBConfig(), testLogger())
	ctx := context.Background()

	t.Run("existing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM accounts WHERE user_id = \\$1").
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(450))

		balance, err := service.GetBalanceFor(ctx, 7)
		assert.NoError(t, err)
		assert.Equal(t, int64(450), balance)
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM accounts WHERE user_id = \\$1").
			WithArgs(int64(99)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))

		_, err := service.GetBalanceFor(ctx, 99)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}
