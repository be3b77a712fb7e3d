package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IlyasAtabaev731/wallet/internal/lib/jwt"
	"github.com/IlyasAtabaev731/wallet/internal/services/ledger"
	"github.com/IlyasAtabaev731/wallet/internal/storage"
	"github.com/IlyasAtabaev731/wallet/internal/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const secret = "test-secret"

func newTestAuth(t *testing.T) (*Auth, *ledger.Ledger, *memory.Storage) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	l := ledger.New(log, store)
	seed := func() decimal.Decimal { return decimal.RequireFromString("250.00") }
	return New(log, store, l, seed, secret, time.Hour), l, store
}

func TestRegister(t *testing.T) {
	a, l, store := newTestAuth(t)
	ctx := context.Background()

	token, err := a.Register(ctx, "alice@example.com", "Alice", "Smith", "s3cret")
	require.NoError(t, err)

	uid, err := jwt.UserID(token, secret)
	require.NoError(t, err)

	user, err := store.User(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, uid, user.ID)
	assert.Equal(t, "Alice", user.FirstName)
	assert.NoError(t, bcrypt.CompareHashAndPassword(user.PasswordHash, []byte("s3cret")))

	balance, err := l.Balance(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, "250.00", balance.StringFixed(2))

	_, err = a.Register(ctx, "alice@example.com", "Other", "Person", "pw")
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestRegisterAccountFailure(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	errBoom := errors.New("boom")
	store := memory.New()
	seed := func() decimal.Decimal { return decimal.NewFromInt(1) }
	ctx := context.Background()

	a := New(log, store, failingProvisioner{errBoom}, seed, secret, time.Hour)
	_, err := a.Register(ctx, "bob@example.com", "Bob", "B", "pw")
	assert.ErrorIs(t, err, errBoom)

	_, err = store.User(ctx, "bob@example.com")
	assert.ErrorIs(t, err, storage.ErrUserNotFound, "user without account must not survive")

	a = New(log, store, ledger.New(log, store), seed, secret, time.Hour)
	_, err = a.Register(ctx, "bob@example.com", "Bob", "B", "pw")
	require.NoError(t, err)
}

func TestLogin(t *testing.T) {
	a, _, _ := newTestAuth(t)
	ctx := context.Background()

	_, err := a.Register(ctx, "alice@example.com", "Alice", "Smith", "s3cret")
	require.NoError(t, err)

	token, err := a.Login(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)
	_, err = jwt.UserID(token, secret)
	require.NoError(t, err)

	_, err = a.Login(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Login(ctx, "nobody@example.com", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUpdateProfile(t *testing.T) {
	a, _, store := newTestAuth(t)
	ctx := context.Background()

	token, err := a.Register(ctx, "alice@example.com", "Alice", "Smith", "s3cret")
	require.NoError(t, err)
	uid, err := jwt.UserID(token, secret)
	require.NoError(t, err)

	first, password := "Alicia", "n3w"
	require.NoError(t, a.UpdateProfile(ctx, uid, &first, nil, &password))

	user, err := store.User(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Alicia", user.FirstName)
	assert.Equal(t, "Smith", user.LastName)

	_, err = a.Login(ctx, "alice@example.com", "n3w")
	assert.NoError(t, err)

	assert.ErrorIs(t, a.UpdateProfile(ctx, "missing", &first, nil, nil), ErrUserNotFound)
}

type failingProvisioner struct {
	err error
}

func (p failingProvisioner) CreateAccount(context.Context, string, decimal.Decimal) error {
	return p.err
}
