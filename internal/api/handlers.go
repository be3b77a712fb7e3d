package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/IlyasAtabaev731/wallet/internal/domain/models"
	"github.com/IlyasAtabaev731/wallet/internal/services/auth"
	"github.com/IlyasAtabaev731/wallet/internal/services/ledger"
	redisstore "github.com/IlyasAtabaev731/wallet/internal/storage/redis"
	"github.com/shopspring/decimal"
)

const (
	msgUnauthorized       = "Unauthorized."
	msgIncorrectInputs    = "Incorrect inputs."
	msgInvalidAmount      = "Invalid amount."
	msgInsufficient       = "Insufficient balance."
	msgInvalidAccount     = "Invalid account."
	msgAccountNotFound    = "Account not found."
	msgTransferInProgress = "Transfer already in progress."
	msgTransferFailed     = "Error while executing the transfer."
	msgEmailTaken         = "Email already taken."
	msgInvalidCredentials = "Invalid credentials."
	msgUserNotFound       = "User not found."
	msgInternal           = "Internal server error."

	idempotencyHeader = "Idempotency-Key"

	// idempotencyWriteTimeout bounds the final key write once the transfer
	// has settled, even if the client is gone.
	idempotencyWriteTimeout = 3 * time.Second
)

type SignupRequest struct {
	Username  string `json:"username" validate:"required,email"`
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
	Password  string `json:"password" validate:"required"`
}

type SignupResponse struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

func (s *APIServer) signupHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SignupRequest
		if err := s.decode(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, msgIncorrectInputs)
			return
		}

		token, err := s.auth.Register(r.Context(), req.Username, req.FirstName, req.LastName, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrUserExists) {
				respondError(w, http.StatusConflict, msgEmailTaken)
				return
			}
			s.logger.Error("Failed to register user", "error", err)
			respondError(w, http.StatusInternalServerError, msgInternal)
			return
		}

		respondJSON(w, http.StatusOK, SignupResponse{Message: "User created successfully.", Token: token})
	}
}

type SigninRequest struct {
	Username string `json:"username" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func (s *APIServer) signinHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SigninRequest
		if err := s.decode(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, msgIncorrectInputs)
			return
		}

		token, err := s.auth.Login(r.Context(), req.Username, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				respondError(w, http.StatusUnauthorized, msgInvalidCredentials)
				return
			}
			s.logger.Error("Failed to sign in", "error", err)
			respondError(w, http.StatusInternalServerError, msgInternal)
			return
		}

		respondJSON(w, http.StatusOK, TokenResponse{Token: token})
	}
}

type UpdateUserRequest struct {
	FirstName *string `json:"firstName" validate:"omitempty,min=1"`
	LastName  *string `json:"lastName" validate:"omitempty,min=1"`
	Password  *string `json:"password" validate:"omitempty,min=1"`
}

func (s *APIServer) updateUserHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateUserRequest
		if err := s.decode(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, msgIncorrectInputs)
			return
		}

		err := s.auth.UpdateProfile(r.Context(), userID(r), req.FirstName, req.LastName, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrUserNotFound) {
				respondError(w, http.StatusNotFound, msgUserNotFound)
				return
			}
			s.logger.Error("Failed to update user", "error", err)
			respondError(w, http.StatusInternalServerError, msgInternal)
			return
		}

		respondJSON(w, http.StatusOK, messageResponse{Message: "Updated successfully."})
	}
}

type BalanceResponse struct {
	Balance json.Number `json:"balance"`
}

func (s *APIServer) balanceHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		balance, err := s.ledger.Balance(r.Context(), userID(r))
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				respondError(w, http.StatusNotFound, msgAccountNotFound)
				return
			}
			s.logger.Error("Failed to get balance", "error", err)
			respondError(w, http.StatusInternalServerError, msgInternal)
			return
		}

		respondJSON(w, http.StatusOK, BalanceResponse{Balance: json.Number(balance.StringFixed(2))})
	}
}

type TransferRequest struct {
	Amount      *decimal.Decimal `json:"amount" validate:"required"`
	ToAccountID string           `json:"toAccountId"`
}

type TransferResponse struct {
	Message    string `json:"message"`
	TransferID string `json:"transferId"`
}

func (s *APIServer) transferHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TransferRequest
		if err := s.decode(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, msgIncorrectInputs)
			return
		}

		uid := userID(r)
		log := s.logger.With(slog.String("user_id", uid))

		key := r.Header.Get(idempotencyHeader)
		if s.idempotency == nil {
			key = ""
		}
		if key != "" {
			reserved, prev, err := s.idempotency.Reserve(r.Context(), uid, key)
			if err != nil {
				log.Error("Failed to reserve idempotency key", "error", err)
				respondError(w, http.StatusInternalServerError, msgTransferFailed)
				return
			}
			if !reserved {
				if prev == redisstore.Pending {
					respondError(w, http.StatusConflict, msgTransferInProgress)
					return
				}
				log.Info("Replaying transfer", slog.String("transfer_id", prev))
				respondJSON(w, http.StatusOK, TransferResponse{Message: "Transfer successful", TransferID: prev})
				return
			}
		}

		transfer, err := s.ledger.Transfer(r.Context(), uid, req.ToAccountID, *req.Amount)

		// The outcome is settled; record it regardless of the client.
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), idempotencyWriteTimeout)
		defer cancel()

		if err != nil {
			if key != "" {
				if err := s.idempotency.Release(settleCtx, uid, key); err != nil {
					log.Error("Failed to release idempotency key", "error", err)
				}
			}
			code, msg := transferError(err)
			if code == http.StatusInternalServerError {
				log.Error("Transfer failed", "error", err)
			}
			respondError(w, code, msg)
			return
		}

		if key != "" {
			if err := s.idempotency.Complete(settleCtx, uid, key, transfer.ID); err != nil {
				log.Error("Failed to complete idempotency key", slog.String("transfer_id", transfer.ID), "error", err)
			}
		}

		respondJSON(w, http.StatusOK, TransferResponse{Message: "Transfer successful", TransferID: transfer.ID})
	}
}

func transferError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, msgInvalidAmount
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, msgInsufficient
	case errors.Is(err, ledger.ErrInvalidDestination):
		return http.StatusBadRequest, msgInvalidAccount
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, msgAccountNotFound
	default:
		return http.StatusInternalServerError, msgTransferFailed
	}
}

type TransferView struct {
	ID            string      `json:"id"`
	FromAccountID string      `json:"fromAccountId"`
	ToAccountID   string      `json:"toAccountId"`
	Amount        json.Number `json:"amount"`
	CreatedAt     time.Time   `json:"createdAt"`
}

type HistoryResponse struct {
	Sent     []TransferView `json:"sent"`
	Received []TransferView `json:"received"`
}

func (s *APIServer) historyHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				respondError(w, http.StatusBadRequest, msgIncorrectInputs)
				return
			}
			limit = n
		}

		uid := userID(r)
		transfers, err := s.ledger.History(r.Context(), uid, limit)
		if err != nil {
			s.logger.Error("Failed to list transfers", slog.String("user_id", uid), "error", err)
			respondError(w, http.StatusInternalServerError, msgInternal)
			return
		}

		res := HistoryResponse{Sent: []TransferView{}, Received: []TransferView{}}
		for _, t := range transfers {
			if t.SenderID == uid {
				res.Sent = append(res.Sent, newTransferView(t))
			} else {
				res.Received = append(res.Received, newTransferView(t))
			}
		}

		respondJSON(w, http.StatusOK, res)
	}
}

func newTransferView(t models.Transfer) TransferView {
	return TransferView{
		ID:            t.ID,
		FromAccountID: t.SenderID,
		ToAccountID:   t.ReceiverID,
		Amount:        json.Number(t.Amount.StringFixed(2)),
		CreatedAt:     t.CreatedAt,
	}
}
