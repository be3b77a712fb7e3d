package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/IlyasAtabaev731/wallet/internal/config"
	"github.com/IlyasAtabaev731/wallet/internal/domain/models"
	"github.com/IlyasAtabaev731/wallet/internal/lib/jwt"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

type Auth interface {
	Register(ctx context.Context, username, firstName, lastName, password string) (string, error)
	Login(ctx context.Context, username, password string) (string, error)
	UpdateProfile(ctx context.Context, userID string, firstName, lastName, password *string) error
}

type Ledger interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	Transfer(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal) (models.Transfer, error)
	History(ctx context.Context, userID string, limit int) ([]models.Transfer, error)
}

// Idempotency guards POST /account/transfer against replays of the same
// Idempotency-Key. It is optional.
type Idempotency interface {
	Reserve(ctx context.Context, userID, key string) (bool, string, error)
	Complete(ctx context.Context, userID, key, transferID string) error
	Release(ctx context.Context, userID, key string) error
}

type ctxKey string

const uidKey ctxKey = "uid"

type APIServer struct {
	config      *config.Config
	logger      *slog.Logger
	server      *http.Server
	auth        Auth
	ledger      Ledger
	idempotency Idempotency
	validate    *validator.Validate
	jwtSecret   string
}

func New(config *config.Config, logger *slog.Logger, auth Auth, ledger Ledger, idempotency Idempotency) *APIServer {
	s := &APIServer{
		config: config,
		logger: logger,
		server: &http.Server{
			Addr:         config.ApiHost + ":" + strconv.Itoa(config.ApiPort),
			ReadTimeout:  config.HTTPServer.Timeout,
			WriteTimeout: config.HTTPServer.Timeout,
			IdleTimeout:  config.HTTPServer.IdleTimeout,
		},
		auth:        auth,
		ledger:      ledger,
		idempotency: idempotency,
		validate:    validator.New(),
		jwtSecret:   config.JWT.Secret,
	}
	s.configureRouter()

	return s
}

func (s *APIServer) Start() error {
	s.logger.Info("Starting server", slog.String("addr", s.server.Addr))

	return s.server.ListenAndServe()
}

func (s *APIServer) MustStart() {
	err := s.Start()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic("Failed to start server: " + err.Error())
	}
}

func (s *APIServer) Stop(ctx context.Context) error {
	defer s.logger.Info("Server successfully stopped")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) configureRouter() {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.healthHandler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/user/signup", s.signupHandler()).Methods("POST")
	v1.HandleFunc("/user/signin", s.signinHandler()).Methods("POST")
	v1.HandleFunc("/user", s.authenticate(s.updateUserHandler())).Methods("PUT")
	v1.HandleFunc("/account/balance", s.authenticate(s.balanceHandler())).Methods("GET")
	v1.HandleFunc("/account/transfer", s.authenticate(s.transferHandler())).Methods("POST")
	v1.HandleFunc("/account/transfers", s.authenticate(s.historyHandler())).Methods("GET")

	s.server.Handler = router
}

func (s *APIServer) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenHeader := r.Header.Get("Authorization")
		if tokenHeader == "" {
			respondError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}

		parts := strings.Split(tokenHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}

		uid, err := jwt.UserID(parts[1], s.jwtSecret)
		if err != nil {
			s.logger.Debug("Rejected token", "error", err)
			respondError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), uidKey, uid))
		next(w, r)
	}
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(uidKey).(string)
	return uid
}

// decode reads a JSON body into req and checks its shape.
func (s *APIServer) decode(r *http.Request, req any) error {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return err
	}
	return s.validate.Struct(req)
}

type messageResponse struct {
	Message string `json:"message"`
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, messageResponse{Message: message})
}

func respondJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *APIServer) healthHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
