// Package ledger owns account balances and moves funds between them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/IlyasAtabaev731/wallet/internal/domain/models"
	"github.com/IlyasAtabaev731/wallet/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidDestination = errors.New("invalid destination account")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrStorageFailure     = errors.New("storage failure")
)

const (
	// amountScale is the number of decimal places money is kept with.
	amountScale = 2

	DefaultMaxRetries   = 3
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// DefaultMaxAmount bounds a single transfer when no limit is configured.
var DefaultMaxAmount = decimal.NewFromInt(1_000_000)

type Store interface {
	CreateAccount(ctx context.Context, userID string, balance decimal.Decimal) error
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	Transfers(ctx context.Context, userID string, limit int) ([]models.Transfer, error)
	Transact(ctx context.Context, userIDs []string, fn storage.TxFunc) error
}

type Ledger struct {
	log        *slog.Logger
	store      Store
	maxAmount  decimal.Decimal
	maxRetries int
	now        func() time.Time
}

type Option func(*Ledger)

// WithMaxAmount sets the largest amount a single transfer may move.
func WithMaxAmount(amount decimal.Decimal) Option {
	return func(l *Ledger) {
		l.maxAmount = amount
	}
}

// WithMaxRetries sets how many times a transfer is attempted when storage
// reports a retryable conflict.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

func New(log *slog.Logger, store Store, opts ...Option) *Ledger {
	l := &Ledger{
		log:        log,
		store:      store,
		maxAmount:  DefaultMaxAmount,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateAccount opens the account of a freshly registered user.
func (l *Ledger) CreateAccount(ctx context.Context, userID string, initialBalance decimal.Decimal) error {
	const op = "ledger.CreateAccount"

	log := l.log.With(slog.String("op", op), slog.String("user_id", userID))

	if initialBalance.IsNegative() {
		return fmt.Errorf("%s: %w", op, ErrInvalidAmount)
	}

	err := l.store.CreateAccount(ctx, userID, initialBalance.Round(amountScale))
	if err != nil {
		if errors.Is(err, storage.ErrAccountExists) {
			log.Warn("Account already exists")
			return fmt.Errorf("%s: %w", op, ErrAccountExists)
		}
		log.Error("Failed to create account", "error", err)
		return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
	}

	log.Info("Account created", slog.String("balance", initialBalance.StringFixed(amountScale)))

	return nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	const op = "ledger.Balance"

	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return decimal.Zero, fmt.Errorf("%s: %w", op, ErrAccountNotFound)
		}
		l.log.Error("Failed to get balance", slog.String("op", op), slog.String("user_id", userID), "error", err)
		return decimal.Zero, fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
	}

	return balance, nil
}

// Transfer moves amount from one account to another. Either both balances
// change and the transfer is recorded, or nothing changes at all.
func (l *Ledger) Transfer(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal) (models.Transfer, error) {
	const op = "ledger.Transfer"

	log := l.log.With(
		slog.String("op", op),
		slog.String("from", fromUserID),
		slog.String("to", toUserID),
		slog.String("amount", amount.String()),
	)

	if err := l.ValidateAmount(amount); err != nil {
		return models.Transfer{}, fmt.Errorf("%s: %w", op, err)
	}
	if toUserID == "" || fromUserID == toUserID {
		return models.Transfer{}, fmt.Errorf("%s: %w", op, ErrInvalidDestination)
	}

	transfer := models.Transfer{
		ID:         uuid.NewString(),
		SenderID:   fromUserID,
		ReceiverID: toUserID,
		Amount:     amount,
	}

	for attempt := 1; ; attempt++ {
		err := l.store.Transact(ctx, []string{fromUserID, toUserID}, func(tx storage.LedgerTx) error {
			transfer.CreatedAt = l.now().UTC()
			return l.apply(ctx, tx, transfer)
		})
		if err == nil {
			log.Info("Transfer committed", slog.String("transfer_id", transfer.ID))
			return transfer, nil
		}

		switch {
		case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInvalidDestination):
			log.Info("Transfer rejected", "reason", err)
			return models.Transfer{}, fmt.Errorf("%s: %w", op, err)
		case errors.Is(err, storage.ErrConflict) && attempt < l.maxRetries:
			log.Warn("Transfer conflicted, retrying", slog.Int("attempt", attempt), "error", err)
			continue
		}

		log.Error("Transfer failed", slog.Int("attempt", attempt), "error", err)
		return models.Transfer{}, fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
	}
}

// apply runs with both accounts locked. The sender is validated before the
// receiver; a missing sender reads as insufficient funds.
func (l *Ledger) apply(ctx context.Context, tx storage.LedgerTx, t models.Transfer) error {
	sender, err := tx.Account(ctx, t.SenderID)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return ErrInsufficientFunds
	}
	if err != nil {
		return err
	}
	if t.Amount.GreaterThan(sender.Balance) {
		return ErrInsufficientFunds
	}

	if _, err := tx.Account(ctx, t.ReceiverID); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return ErrInvalidDestination
		}
		return err
	}

	if err := tx.AddBalance(ctx, t.SenderID, t.Amount.Neg()); err != nil {
		if errors.Is(err, storage.ErrNegativeBalance) {
			return ErrInsufficientFunds
		}
		return err
	}
	if err := tx.AddBalance(ctx, t.ReceiverID, t.Amount); err != nil {
		return err
	}

	return tx.SaveTransfer(ctx, t)
}

// History returns the newest transfers the user sent or received.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]models.Transfer, error) {
	const op = "ledger.History"

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	transfers, err := l.store.Transfers(ctx, userID, limit)
	if err != nil {
		l.log.Error("Failed to list transfers", slog.String("op", op), slog.String("user_id", userID), "error", err)
		return nil, fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
	}

	return transfers, nil
}

// ValidateAmount accepts positive amounts with at most cent precision that do
// not exceed the configured maximum. Digit counts are checked first so that
// no comparison has to rescale an extreme exponent.
func (l *Ledger) ValidateAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return ErrInvalidAmount
	case integerDigits(amount) > integerDigits(l.maxAmount):
		return ErrInvalidAmount
	case -int(amount.Exponent()) > amountScale+amount.NumDigits():
		return ErrInvalidAmount
	case !amount.Equal(amount.Truncate(amountScale)):
		return ErrInvalidAmount
	case amount.GreaterThan(l.maxAmount):
		return ErrInvalidAmount
	}
	return nil
}

// integerDigits is the number of digits left of the decimal point, or less
// than one for amounts below one.
func integerDigits(d decimal.Decimal) int {
	return d.NumDigits() + int(d.Exponent())
}

// RandomSeedBalance is the starting balance of a new account: 1.00 plus up
// to 10000.00, rounded to cents.
func RandomSeedBalance() decimal.Decimal {
	return decimal.NewFromFloat(1 + rand.Float64()*10000).Round(amountScale)
}
