package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atelierml/backend/internal/config"
	"github.com/atelierml/backend/internal/models"
)

// TokenLedgerService is the single writer of account balances. Every
// operation locks the account row inside one transaction, so N concurrent
// consumers serialize on the row and the balance can never go negative or
// lose an update. Cross-process coordination is the database lock, never an
// in-memory mutex, because multiple instances run concurrently.
type TokenLedgerService struct {
	db          *sql.DB
	log         *logrus.Logger
	lockTimeout time.Duration
	validator   *ValidationHelper
}

func NewTokenLedgerService(db *sql.DB, cfg config.DatabaseConfig, log *logrus.Logger) *TokenLedgerService {
	return &TokenLedgerService{
		db:          db,
		log:         log,
		lockTimeout: cfg.LockTimeout,
		validator:   NewValidationHelper(),
	}
}

// Consume debits tokens from the user's balance. Fails atomically with
// ErrInsufficientFunds when the balance cannot cover the amount.
func (s *TokenLedgerService) Consume(ctx context.Context, userID, amount int64, reason string, relatedJobID *int64) (*models.Receipt, error) {
	var receipt *models.Receipt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		receipt, err = s.ConsumeTx(ctx, tx, userID, amount, reason, relatedJobID)
		return err
	})
	return receipt, err
}

// ConsumeTx is Consume composed into a caller-owned transaction.
func (s *TokenLedgerService) ConsumeTx(ctx context.Context, tx *sql.Tx, userID, amount int64, reason string, relatedJobID *int64) (*models.Receipt, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amount)
	}

	account, err := s.lockAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if account.Balance < amount {
		return nil, ErrInsufficientFunds
	}

	newBalance := account.Balance - amount
	if err := s.updateBalance(ctx, tx, userID, newBalance, account.Version); err != nil {
		return nil, err
	}

	entryID, err := s.createEntry(ctx, tx, &userID, nil, amount, models.EntryKindConsume, relatedJobID, reason)
	if err != nil {
		return nil, err
	}

	return &models.Receipt{EntryID: entryID, NewBalance: newBalance}, nil
}

// Refund credits tokens back for a failed job. Callers guard exactly-once
// semantics through job state; the ledger itself only enforces atomicity.
func (s *TokenLedgerService) Refund(ctx context.Context, userID, amount int64, relatedJobID *int64, reason string) (*models.Receipt, error) {
	var receipt *models.Receipt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		receipt, err = s.RefundTx(ctx, tx, userID, amount, relatedJobID, reason)
		return err
	})
	return receipt, err
}

// RefundTx is Refund composed into a caller-owned transaction.
func (s *TokenLedgerService) RefundTx(ctx context.Context, tx *sql.Tx, userID, amount int64, relatedJobID *int64, reason string) (*models.Receipt, error) {
	return s.creditTx(ctx, tx, userID, amount, models.EntryKindRefund, relatedJobID, reason)
}

// Credit adds purchased or bonus tokens, creating the account row on first use.
func (s *TokenLedgerService) Credit(ctx context.Context, userID, amount int64, kind, reason string) (*models.Receipt, error) {
	if kind != models.EntryKindPurchase && kind != models.EntryKindBonus {
		return nil, fmt.Errorf("invalid credit kind %q", kind)
	}
	var receipt *models.Receipt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (user_id, balance, version, updated_at)
			VALUES ($1, 0, 1, $2)
			ON CONFLICT (user_id) DO NOTHING`,
			userID, time.Now()); err != nil {
			return err
		}
		var err error
		receipt, err = s.creditTx(ctx, tx, userID, amount, kind, nil, reason)
		return err
	})
	return receipt, err
}

func (s *TokenLedgerService) creditTx(ctx context.Context, tx *sql.Tx, userID, amount int64, kind string, relatedJobID *int64, reason string) (*models.Receipt, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amount)
	}

	account, err := s.lockAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	newBalance := account.Balance + amount
	if err := s.updateBalance(ctx, tx, userID, newBalance, account.Version); err != nil {
		return nil, err
	}

	entryID, err := s.createEntry(ctx, tx, nil, &userID, amount, kind, relatedJobID, reason)
	if err != nil {
		return nil, err
	}

	return &models.Receipt{EntryID: entryID, NewBalance: newBalance}, nil
}

// GetBalanceFor returns the current balance without locking.
func (s *TokenLedgerService) GetBalanceFor(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	return balance, err
}

// withTx runs fn in a transaction with a bounded row-lock wait, so a caller
// blocked on a hot account row gets a retriable error instead of hanging.
func (s *TokenLedgerService) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := SetLockTimeout(ctx, tx, s.lockTimeout); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// SetLockTimeout bounds row-lock waits for the rest of the transaction.
func SetLockTimeout(ctx context.Context, tx *sql.Tx, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", d.Milliseconds()))
	return err
}

func (s *TokenLedgerService) lockAccount(ctx context.Context, tx *sql.Tx, userID int64) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRowContext(ctx, `
		SELECT user_id, balance, version, updated_at
		FROM accounts
		WHERE user_id = $1
		FOR UPDATE`, userID).
		Scan(&account.UserID, &account.Balance, &account.Version, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *TokenLedgerService) createEntry(ctx context.Context, tx *sql.Tx, accountID, counterpartyID *int64, amount int64, kind string, relatedJobID *int64, memo string) (int64, error) {
	var entryID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (account_id, counterparty_id, amount, kind, related_job_id, memo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		accountID, counterpartyID, amount, kind, relatedJobID, memo, time.Now()).Scan(&entryID)
	return entryID, err
}

func (s *TokenLedgerService) updateBalance(ctx context.Context, tx *sql.Tx, userID, newBalance int64, version int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE user_id = $3 AND version = $4`,
		newBalance, time.Now(), userID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("stale account version for user %d", userID)
	}
	return nil
}

// GetBalance returns the caller-specified user's balance
// @Summary Get token balance
// @Tags tokens
// @Produce json
// @Param user_id query int true "User ID"
// @Success 200 {object} map[string]int64
// @Failure 404 {object} ErrorResponse
// @Router /tokens/balance [get]
func (s *TokenLedgerService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		SendErrorResponse(w, "user_id is required", http.StatusBadRequest, nil)
		return
	}

	balance, err := s.GetBalanceFor(r.Context(), userID)
	if errors.Is(err, ErrAccountNotFound) {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "balance": balance})
}

// ListTransactions returns the user's recent ledger entries
// @Summary List recent token transactions
// @Tags tokens
// @Produce json
// @Param user_id query int true "User ID"
// @Success 200 {object} map[string]interface{}
// @Router /tokens/transactions [get]
func (s *TokenLedgerService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		SendErrorResponse(w, "user_id is required", http.StatusBadRequest, nil)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, account_id, counterparty_id, amount, kind, related_job_id, memo, created_at
		FROM ledger_entries
		WHERE account_id = $1 OR counterparty_id = $1
		ORDER BY created_at DESC
		LIMIT 50`, userID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var entry models.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.CounterpartyID, &entry.Amount,
			&entry.Kind, &entry.RelatedJobID, &entry.Memo, &entry.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
			return
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{"transactions": entries, "count": len(entries)})
}

// CreditTokens credits purchased or bonus tokens to a user
// @Summary Credit tokens
// @Tags tokens
// @Accept json
// @Produce json
// @Success 200 {object} models.Receipt
// @Failure 400 {object} ErrorResponse
// @Router /tokens/credit [post]
func (s *TokenLedgerService) CreditTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64  `json:"user_id" validate:"required,gt=0"`
		Amount int64  `json:"amount" validate:"required,gt=0"`
		Kind   string `json:"kind" validate:"required,oneof=purchase bonus"`
		Reason string `json:"reason" validate:"max=500"`
	}

	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	receipt, err := s.Credit(r.Context(), req.UserID, req.Amount, req.Kind, req.Reason)
	if err != nil {
		s.log.WithFields(logrus.Fields{"subsystem": "ledger", "user_id": req.UserID}).
			WithError(err).Error("credit failed")
		SendErrorResponse(w, "Failed to credit tokens", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, receipt)
}

// DecodeJSONBody decodes a single JSON object with a 1 MB cap and unknown
// fields rejected.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := newStrictDecoder(r)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}
	return nil
}
