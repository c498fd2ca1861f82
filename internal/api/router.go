package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/bank-api/internal/auth"
	"github.com/example/bank-api/internal/ledger"
	"github.com/example/bank-api/internal/payments"
	"github.com/example/bank-api/internal/security"
	"github.com/example/bank-api/pkg/audit"
)

type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// PaymentProcessor runs one payment instruction.
type PaymentProcessor interface {
	Process(ctx context.Context, in payments.Instruction) (*payments.Outcome, error)
}

type LedgerReader interface {
	GetAccount(ctx context.Context, ref ledger.AccountRef) (*ledger.Account, error)
	GetPaymentRequest(ctx context.Context, requestID string) (*ledger.PaymentRequest, error)
	Ping(ctx context.Context) error
}

type BatchStore interface {
	SaveBatchFile(ctx context.Context, f ledger.BatchFile) error
}

type Dependencies struct {
	Logger *slog.Logger

	// OAuth and JWTValidator are nil when no clients are configured; the
	// API then runs without bearer authentication.
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator

	Payments PaymentProcessor
	Ledger   LedgerReader
	Batches  BatchStore

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	paymentV, err := security.NewJSONSchemaValidator(paymentSchema, writePaymentRejection)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}

	requireScopes := func(scopes ...string) []func(http.Handler) http.Handler {
		if deps.JWTValidator == nil {
			return nil
		}
		return []func(http.Handler) http.Handler{
			auth.Authenticate(deps.JWTValidator, onAuthError),
			auth.RequireScopes(onAuthError, scopes...),
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByIP, deps.Logger))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/health", handleHealth(deps))

	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
	}

	r.Route("/bank", func(r chi.Router) {
		write := r.With(requireScopes(auth.ScopePaymentsWrite)...)
		write.With(paymentV.Middleware).Post("/receive_payment", handleReceivePayment(deps))
		write.Post("/batch_files", handleBatchFile(deps))
	})

	read := r.With(requireScopes(auth.ScopeLedgerRead)...)
	read.Get("/accounts/{type}/{accNo}", handleGetAccount(deps))
	read.Get("/transactions/{requestId}", handleGetTransaction(deps))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

func rateLimitKeyByIP(r *http.Request) string {
	ip := security.RemoteIP(r)
	if ip == nil {
		return ""
	}
	return "ip:" + ip.String()
}
