// Package memory keeps users, accounts and transfers in process memory. It
// gives the same locking and atomicity guarantees as the postgres backend
// but nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/IlyasAtabaev731/wallet/internal/domain/models"
	"github.com/IlyasAtabaev731/wallet/internal/storage"
	"github.com/shopspring/decimal"
)

type account struct {
	mu sync.Mutex
	models.Account
}

type Storage struct {
	mu        sync.RWMutex
	users     map[string]models.User
	usernames map[string]string
	accounts  map[string]*account
	transfers []models.Transfer
	now       func() time.Time
}

func New() *Storage {
	return &Storage{
		users:     make(map[string]models.User),
		usernames: make(map[string]string),
		accounts:  make(map[string]*account),
		now:       time.Now,
	}
}

func (s *Storage) SaveUser(_ context.Context, user models.User) error {
	const op = "storage.memory.SaveUser"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usernames[user.Username]; ok {
		return fmt.Errorf("%s: %w", op, storage.ErrUserExists)
	}
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("%s: %w", op, storage.ErrUserExists)
	}

	s.users[user.ID] = user
	s.usernames[user.Username] = user.ID

	return nil
}

func (s *Storage) User(_ context.Context, username string) (models.User, error) {
	const op = "storage.memory.User"

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[username]
	if !ok {
		return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return s.users[id], nil
}

func (s *Storage) UpdateUser(_ context.Context, userID string, upd models.UserUpdate) error {
	const op = "storage.memory.UpdateUser"

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	if upd.FirstName != nil {
		user.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		user.LastName = *upd.LastName
	}
	if upd.PasswordHash != nil {
		user.PasswordHash = upd.PasswordHash
	}
	s.users[userID] = user

	return nil
}

// DeleteUser removes a user that has no account yet.
func (s *Storage) DeleteUser(_ context.Context, userID string) error {
	const op = "storage.memory.DeleteUser"

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	if _, ok := s.accounts[userID]; ok {
		return fmt.Errorf("%s: %w", op, storage.ErrAccountExists)
	}

	delete(s.users, userID)
	delete(s.usernames, user.Username)

	return nil
}

func (s *Storage) CreateAccount(_ context.Context, userID string, balance decimal.Decimal) error {
	const op = "storage.memory.CreateAccount"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	if _, ok := s.accounts[userID]; ok {
		return fmt.Errorf("%s: %w", op, storage.ErrAccountExists)
	}

	now := s.now()
	s.accounts[userID] = &account{Account: models.Account{
		UserID:    userID,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}}

	return nil
}

func (s *Storage) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	const op = "storage.memory.Balance"

	s.mu.RLock()
	a, ok := s.accounts[userID]
	s.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.Balance, nil
}

// Transact locks the accounts of userIDs in canonical order and runs fn.
// Writes are staged on the handle and applied only when fn succeeds and ctx
// is still live, while every lock is still held.
func (s *Storage) Transact(ctx context.Context, userIDs []string, fn storage.TxFunc) error {
	ids := storage.LockOrder(userIDs)

	s.mu.RLock()
	locked := make(map[string]*account, len(ids))
	order := make([]*account, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			locked[id] = a
			order = append(order, a)
		}
	}
	s.mu.RUnlock()

	for _, a := range order {
		a.mu.Lock()
	}
	defer func() {
		for i := len(order) - 1; i >= 0; i-- {
			order[i].mu.Unlock()
		}
	}()

	tx := &ledgerTx{locked: locked, staged: make(map[string]decimal.Decimal, len(locked))}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Records land before balances so a reader never sees money moved
	// without the transfer that moved it.
	if len(tx.transfers) > 0 {
		s.mu.Lock()
		for _, t := range tx.transfers {
			s.insertTransfer(t)
		}
		s.mu.Unlock()
	}

	now := s.now()
	for id, balance := range tx.staged {
		a := locked[id]
		a.Balance = balance
		a.UpdatedAt = now
	}

	return nil
}

// insertTransfer keeps s.transfers ordered by CreatedAt. Caller holds s.mu.
func (s *Storage) insertTransfer(t models.Transfer) {
	i := sort.Search(len(s.transfers), func(i int) bool {
		return s.transfers[i].CreatedAt.After(t.CreatedAt)
	})
	s.transfers = append(s.transfers, models.Transfer{})
	copy(s.transfers[i+1:], s.transfers[i:])
	s.transfers[i] = t
}

func (s *Storage) Transfers(_ context.Context, userID string, limit int) ([]models.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []models.Transfer
	for i := len(s.transfers) - 1; i >= 0 && len(res) < limit; i-- {
		t := s.transfers[i]
		if t.SenderID == userID || t.ReceiverID == userID {
			res = append(res, t)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })

	return res, nil
}

func (s *Storage) UnpublishedTransfers(_ context.Context, limit int) ([]models.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []models.Transfer
	for _, t := range s.transfers {
		if len(res) >= limit {
			break
		}
		if t.PublishedAt == nil {
			res = append(res, t)
		}
	}

	return res, nil
}

func (s *Storage) MarkTransfersPublished(_ context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	published := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		published[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.transfers {
		if _, ok := published[s.transfers[i].ID]; ok {
			ts := at
			s.transfers[i].PublishedAt = &ts
		}
	}

	return nil
}

type ledgerTx struct {
	locked    map[string]*account
	staged    map[string]decimal.Decimal
	transfers []models.Transfer
}

func (t *ledgerTx) Account(_ context.Context, userID string) (models.Account, error) {
	a, ok := t.locked[userID]
	if !ok {
		return models.Account{}, storage.ErrAccountNotFound
	}

	res := a.Account
	if balance, ok := t.staged[userID]; ok {
		res.Balance = balance
	}
	return res, nil
}

func (t *ledgerTx) AddBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	const op = "storage.memory.AddBalance"

	a, err := t.Account(ctx, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	balance := a.Balance.Add(delta)
	if balance.IsNegative() {
		return fmt.Errorf("%s: %w", op, storage.ErrNegativeBalance)
	}
	t.staged[userID] = balance

	return nil
}

func (t *ledgerTx) SaveTransfer(_ context.Context, transfer models.Transfer) error {
	t.transfers = append(t.transfers, transfer)
	return nil
}
