package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/IlyasAtabaev731/wallet/internal/domain/models"
	"github.com/IlyasAtabaev731/wallet/internal/storage"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"log/slog"
	"time"
)

const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type Storage struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(dbUrl string, logger *slog.Logger) (*Storage, error) {
	db, err := sql.Open("postgres", dbUrl)
	if err != nil {
		return nil, fmt.Errorf("database connection error %s", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect database error %s", err)
	}

	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an already opened database handle.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Storage {
	return &Storage{db: db, logger: logger}
}

func (s *Storage) Stop() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, user models.User) error {
	const op = "storage.postgres.SaveUser"

	stmt, err := s.db.PrepareContext(ctx,
		"INSERT INTO users (id, username, first_name, last_name, password_hash, created_at) VALUES($1, $2, $3, $4, $5, $6)")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, user.ID, user.Username, user.FirstName, user.LastName, string(user.PasswordHash), user.CreatedAt)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) User(ctx context.Context, username string) (models.User, error) {
	const op = "storage.postgres.User"

	var (
		user models.User
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, first_name, last_name, password_hash, created_at FROM users WHERE username = $1",
		username,
	).Scan(&user.ID, &user.Username, &user.FirstName, &user.LastName, &hash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	user.PasswordHash = []byte(hash)

	return user, nil
}

func (s *Storage) UpdateUser(ctx context.Context, userID string, upd models.UserUpdate) error {
	const op = "storage.postgres.UpdateUser"

	if !validID(userID) {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	var hash any
	if upd.PasswordHash != nil {
		hash = string(upd.PasswordHash)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET first_name = COALESCE($2, first_name),
		    last_name = COALESCE($3, last_name),
		    password_hash = COALESCE($4, password_hash)
		WHERE id = $1`,
		userID, upd.FirstName, upd.LastName, hash,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return nil
}

// DeleteUser removes a user that has no account yet.
func (s *Storage) DeleteUser(ctx context.Context, userID string) error {
	const op = "storage.postgres.DeleteUser"

	if !validID(userID) {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = $1", userID)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return fmt.Errorf("%s: %w", op, storage.ErrAccountExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return nil
}

func (s *Storage) CreateAccount(ctx context.Context, userID string, balance decimal.Decimal) error {
	const op = "storage.postgres.CreateAccount"

	if !validID(userID) {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	stmt, err := s.db.PrepareContext(ctx,
		"INSERT INTO accounts (user_id, balance, created_at, updated_at) VALUES($1, $2, now(), now())")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	if _, err = stmt.ExecContext(ctx, userID, balance); err != nil {
		switch pgCode(err) {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", op, storage.ErrAccountExists)
		case codeForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Balance is a single read; under read committed it only ever observes
// committed transfers.
func (s *Storage) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	const op = "storage.postgres.Balance"

	if !validID(userID) {
		return decimal.Zero, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}

	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE user_id = $1", userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}

	return balance, nil
}

// Transact opens a transaction, locks the accounts of userIDs in canonical
// order and runs fn against them. The transaction commits only if fn returns
// nil; every other exit path rolls it back.
func (s *Storage) Transact(ctx context.Context, userIDs []string, fn storage.TxFunc) error {
	const op = "storage.postgres.Transact"

	ids := make([]string, 0, len(userIDs))
	for _, id := range storage.LockOrder(userIDs) {
		if validID(id) {
			ids = append(ids, id)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("Failed to rollback transaction", slog.String("op", op), "error", err)
		}
	}()

	ltx := &ledgerTx{tx: tx, locked: make(map[string]models.Account, len(ids))}
	if err := ltx.lock(ctx, ids); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := fn(ltx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}

	return nil
}

// Transfers returns the newest transfers the user took part in.
func (s *Storage) Transfers(ctx context.Context, userID string, limit int) ([]models.Transfer, error) {
	const op = "storage.postgres.Transfers"

	if !validID(userID) {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, amount, created_at
		FROM transfers
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	transfers, err := s.scanTransfers(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return transfers, nil
}

// UnpublishedTransfers returns committed transfers the outbox has not
// delivered yet, oldest first.
func (s *Storage) UnpublishedTransfers(ctx context.Context, limit int) ([]models.Transfer, error) {
	const op = "storage.postgres.UnpublishedTransfers"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, amount, created_at
		FROM transfers
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	transfers, err := s.scanTransfers(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return transfers, nil
}

func (s *Storage) MarkTransfersPublished(ctx context.Context, ids []string, at time.Time) error {
	const op = "storage.postgres.MarkTransfersPublished"

	if len(ids) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE transfers SET published_at = $1 WHERE id = ANY($2::uuid[])",
		at, pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) scanTransfers(rows *sql.Rows) ([]models.Transfer, error) {
	defer func(rows *sql.Rows) {
		err := rows.Close()
		if err != nil {
			s.logger.Error("Failed to close transfers rows", "error", err)
		}
	}(rows)

	var transfers []models.Transfer
	for rows.Next() {
		var t models.Transfer
		if err := rows.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.CreatedAt); err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}

	return transfers, rows.Err()
}

type ledgerTx struct {
	tx     *sql.Tx
	locked map[string]models.Account
}

func (t *ledgerTx) lock(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM accounts
		WHERE user_id = ANY($1::uuid[])
		ORDER BY user_id
		FOR UPDATE`,
		pq.Array(ids),
	)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return err
		}
		t.locked[a.UserID] = a
	}

	return classify(rows.Err())
}

// Account only knows the accounts locked when the transaction was opened.
func (t *ledgerTx) Account(_ context.Context, userID string) (models.Account, error) {
	a, ok := t.locked[userID]
	if !ok {
		return models.Account{}, storage.ErrAccountNotFound
	}
	return a, nil
}

func (t *ledgerTx) AddBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	const op = "storage.postgres.AddBalance"

	a, ok := t.locked[userID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}

	_, err := t.tx.ExecContext(ctx,
		"UPDATE accounts SET balance = balance + $1, updated_at = now() WHERE user_id = $2",
		delta, userID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}

	a.Balance = a.Balance.Add(delta)
	t.locked[userID] = a

	return nil
}

func (t *ledgerTx) SaveTransfer(ctx context.Context, transfer models.Transfer) error {
	const op = "storage.postgres.SaveTransfer"

	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO transfers (id, sender_id, receiver_id, amount, created_at) VALUES($1, $2, $3, $4, $5)",
		transfer.ID, transfer.SenderID, transfer.ReceiverID, transfer.Amount, transfer.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}

	return nil
}

// classify tags driver errors the caller can act on with storage sentinels.
func classify(err error) error {
	switch pgCode(err) {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %w", storage.ErrConflict, err)
	case codeCheckViolation:
		return fmt.Errorf("%w: %w", storage.ErrNegativeBalance, err)
	}
	return err
}

func pgCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// validID reports whether id can be a row key; anything else cannot exist.
func validID(id string) bool {
	return uuid.Validate(id) == nil
}
