package models

import (
	"time"
)

// Entry kinds for the append-only audit trail.
const (
	EntryKindPurchase = "purchase"
	EntryKindConsume  = "consume"
	EntryKindRefund   = "refund"
	EntryKindBonus    = "bonus"
)

// Account holds a user's token balance. Mutated only through the ledger
// service; balance never goes negative.
type Account struct {
	UserID    int64     `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Version   int       `json:"version" db:"version"` // bumped on every write
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable audit record. AccountID is set on debits,
// CounterpartyID on credits.
type LedgerEntry struct {
	ID             int64     `json:"id" db:"id"`
	AccountID      *int64    `json:"account_id,omitempty" db:"account_id"`
	CounterpartyID *int64    `json:"counterparty_id,omitempty" db:"counterparty_id"`
	Amount         int64     `json:"amount" db:"amount"`
	Kind           string    `json:"kind" db:"kind"`
	RelatedJobID   *int64    `json:"related_job_id,omitempty" db:"related_job_id"`
	Memo           string    `json:"memo" db:"memo"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Receipt is returned by every ledger operation.
type Receipt struct {
	EntryID    int64 `json:"entry_id"`
	NewBalance int64 `json:"new_balance"`
}
