package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/IlyasAtabaev731/wallet/internal/domain/models"
	"github.com/shopspring/decimal"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
	// ErrConflict marks a transaction that lost a lock or serialization race
	// and may be retried as a whole.
	ErrConflict = errors.New("storage conflict")
	// ErrNegativeBalance is returned when a write would leave a balance below zero.
	ErrNegativeBalance = errors.New("balance would become negative")
)

// LedgerTx is the handle a transfer body works through. It is only valid
// inside the Transact callback that created it; the accounts it was opened
// for stay locked until the callback returns.
type LedgerTx interface {
	Account(ctx context.Context, userID string) (models.Account, error)
	AddBalance(ctx context.Context, userID string, delta decimal.Decimal) error
	SaveTransfer(ctx context.Context, transfer models.Transfer) error
}

// TxFunc is run by Transact. Returning an error rolls back every change made
// through the handle.
type TxFunc func(tx LedgerTx) error

// LockOrder returns the distinct ids in the canonical order accounts must be
// locked in. Every backend acquires locks in this order so that two transfers
// over the same pair in opposite directions cannot deadlock.
func LockOrder(userIDs []string) []string {
	ids := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
