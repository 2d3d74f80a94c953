package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientCredits is returned when a user's balance cannot cover a
// job's credit cost. No ledger entry is written in that case.
var ErrInsufficientCredits = errors.New("insufficient credits")

// InsufficientCreditsMessage is recorded on jobs that fail admission for lack
// of balance.
const InsufficientCreditsMessage = "Insufficient credits"

type LedgerKind string

const (
	LedgerDebit  LedgerKind = "debit"
	LedgerCredit LedgerKind = "credit"
	LedgerGrant  LedgerKind = "grant"
)

// LedgerEntry is an append-only record of a balance change. Debit and credit
// entries are tied to a job; grants are operator top-ups and carry no job.
type LedgerEntry struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	UserID       uuid.UUID  `db:"user_id"       json:"user_id"`
	JobID        *uuid.UUID `db:"job_id"        json:"job_id,omitempty"`
	Kind         LedgerKind `db:"kind"          json:"kind"`
	Amount       int64      `db:"amount"        json:"amount"`
	BalanceAfter int64      `db:"balance_after" json:"balance_after"`
	Reason       string     `db:"reason"        json:"reason"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
}
