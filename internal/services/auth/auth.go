// Package auth registers users, signs them in and edits their profiles.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IlyasAtabaev731/wallet/internal/domain/models"
	"github.com/IlyasAtabaev731/wallet/internal/lib/jwt"
	"github.com/IlyasAtabaev731/wallet/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type UserStorage interface {
	SaveUser(ctx context.Context, user models.User) error
	User(ctx context.Context, username string) (models.User, error)
	UpdateUser(ctx context.Context, userID string, upd models.UserUpdate) error
	DeleteUser(ctx context.Context, userID string) error
}

// AccountProvisioner opens the ledger account of a new user.
type AccountProvisioner interface {
	CreateAccount(ctx context.Context, userID string, initialBalance decimal.Decimal) error
}

type Auth struct {
	log         *slog.Logger
	users       UserStorage
	accounts    AccountProvisioner
	seedBalance func() decimal.Decimal
	secret      string
	tokenTTL    time.Duration
	now         func() time.Time
}

func New(
	log *slog.Logger,
	users UserStorage,
	accounts AccountProvisioner,
	seedBalance func() decimal.Decimal,
	secret string,
	tokenTTL time.Duration,
) *Auth {
	return &Auth{
		log:         log,
		users:       users,
		accounts:    accounts,
		seedBalance: seedBalance,
		secret:      secret,
		tokenTTL:    tokenTTL,
		now:         time.Now,
	}
}

// Register creates the user, opens their account with a seeded balance and
// returns a signed token.
func (a *Auth) Register(ctx context.Context, username, firstName, lastName, password string) (string, error) {
	const op = "auth.Register"

	log := a.log.With(slog.String("op", op), slog.String("username", username))

	log.Info("Register new user")

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("Failed to hash password", "error", err)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	user := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		FirstName:    firstName,
		LastName:     lastName,
		PasswordHash: passHash,
		CreatedAt:    a.now().UTC(),
	}

	if err := a.users.SaveUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("User already exists")
			return "", fmt.Errorf("%s: %w", op, ErrUserExists)
		}
		log.Error("Failed to save user", "error", err)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := a.accounts.CreateAccount(ctx, user.ID, a.seedBalance()); err != nil {
		log.Error("Failed to create account", slog.String("user_id", user.ID), "error", err)
		// The username stays free for a retry.
		if delErr := a.users.DeleteUser(context.WithoutCancel(ctx), user.ID); delErr != nil {
			log.Error("Failed to delete user without account", slog.String("user_id", user.ID), "error", delErr)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	token, err := jwt.NewToken(user, a.secret, a.tokenTTL)
	if err != nil {
		log.Error("Failed to generate token", "error", err)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("User registered", slog.String("user_id", user.ID))

	return token, nil
}

func (a *Auth) Login(ctx context.Context, username, password string) (string, error) {
	const op = "auth.Login"

	log := a.log.With(slog.String("op", op), slog.String("username", username))

	user, err := a.users.User(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("User not found")
			return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("Failed to get user", "error", err)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		log.Info("Invalid credentials")
		return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	token, err := jwt.NewToken(user, a.secret, a.tokenTTL)
	if err != nil {
		log.Error("Failed to generate token", "error", err)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// UpdateProfile changes only the fields that are set.
func (a *Auth) UpdateProfile(ctx context.Context, userID string, firstName, lastName, password *string) error {
	const op = "auth.UpdateProfile"

	log := a.log.With(slog.String("op", op), slog.String("user_id", userID))

	upd := models.UserUpdate{FirstName: firstName, LastName: lastName}
	if password != nil {
		passHash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
		if err != nil {
			log.Error("Failed to hash password", "error", err)
			return fmt.Errorf("%s: %w", op, err)
		}
		upd.PasswordHash = passHash
	}

	if err := a.users.UpdateUser(ctx, userID, upd); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("Failed to update user", "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("Profile updated")

	return nil
}
