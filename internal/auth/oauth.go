package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/bank-api/internal/security"
)

// Scopes granted to API clients.
const (
	ScopePaymentsWrite = "payments:write"
	ScopeLedgerRead    = "ledger:read"
)

const defaultTokenTTL = 15 * time.Minute

// OAuthServer issues client_credentials access tokens to the ERP systems
// that submit payments and read the ledger.
type OAuthServer struct {
	Store          ClientStore
	Keys           *KeySet
	Issuer         string
	AccessTokenTTL time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// TokenError is an RFC 6749 section 5.2 error response.
type TokenError struct {
	Status int
	Code   string
}

func (e *TokenError) Error() string { return fmt.Sprintf("oauth: %s", e.Code) }

var (
	ErrInvalidRequest       = &TokenError{Status: http.StatusBadRequest, Code: "invalid_request"}
	ErrUnsupportedGrantType = &TokenError{Status: http.StatusBadRequest, Code: "unsupported_grant_type"}
	ErrInvalidClient        = &TokenError{Status: http.StatusUnauthorized, Code: "invalid_client"}
	ErrInvalidScope         = &TokenError{Status: http.StatusBadRequest, Code: "invalid_scope"}
)

// Issue authenticates the client and signs a token. With no requested
// scopes the token carries every scope the client holds; otherwise each
// requested scope must be held or nothing is issued.
func (s *OAuthServer) Issue(ctx context.Context, clientID, secret string, requested []string) (*TokenResponse, error) {
	if clientID == "" || secret == "" {
		return nil, ErrInvalidClient
	}

	client, err := s.Store.GetClient(ctx, clientID)
	if err != nil {
		// Unknown ids pay the same bcrypt cost as wrong secrets.
		_ = bcrypt.CompareHashAndPassword(unknownClientHash(), []byte(secret))
		if errors.Is(err, ErrClientNotFound) {
			return nil, ErrInvalidClient
		}
		return nil, fmt.Errorf("failed to load client %s: %w", clientID, err)
	}
	if !VerifyClientSecret(client.SecretHash, secret) {
		return nil, ErrInvalidClient
	}

	granted, ok := grantScopes(client.Scopes, requested)
	if !ok {
		return nil, ErrInvalidScope
	}

	ttl := s.AccessTokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := s.now()

	signed, err := s.Keys.sign(AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   client.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		ClientID: client.ID,
		Scopes:   granted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       strings.Join(granted, " "),
	}, nil
}

// TokenHandler serves POST /oauth/token. Credentials come from HTTP Basic
// auth or the form body, never the query string.
func (s *OAuthServer) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		s.deny(w, r, "", ErrInvalidRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" {
		s.deny(w, r, "", ErrUnsupportedGrantType)
		return
	}

	clientID, secret, basic := r.BasicAuth()
	if !basic {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}

	resp, err := s.Issue(r.Context(), clientID, secret, strings.Fields(r.PostForm.Get("scope")))
	if err != nil {
		var te *TokenError
		if !errors.As(err, &te) {
			s.logger().Error("oauth_token_failed", "client_id", clientID, "error", err)
			security.WriteJSONError(w, r, http.StatusInternalServerError, "server_error")
			return
		}
		if te == ErrInvalidClient && basic {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		}
		s.deny(w, r, clientID, te)
		return
	}

	s.logger().Info("oauth_token_issued",
		"cid", security.CorrelationIDFromContext(r.Context()),
		"client_id", clientID,
		"scope", resp.Scope,
		"kid", s.Keys.KeyID(),
	)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

// JWKSHandler serves the signing key and every retired key still trusted.
func (s *OAuthServer) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(s.Keys.JWKS())
}

func (s *OAuthServer) deny(w http.ResponseWriter, r *http.Request, clientID string, te *TokenError) {
	s.logger().Warn("oauth_token_denied",
		"cid", security.CorrelationIDFromContext(r.Context()),
		"client_id", clientID,
		"error", te.Code,
	)
	security.WriteJSONError(w, r, te.Status, te.Code)
}

func (s *OAuthServer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *OAuthServer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// grantScopes returns the sorted, deduplicated scopes for a token.
func grantScopes(held, requested []string) ([]string, bool) {
	heldSet := make(map[string]struct{}, len(held))
	for _, sc := range held {
		heldSet[sc] = struct{}{}
	}

	want := requested
	if len(want) == 0 {
		want = held
	}

	seen := make(map[string]struct{}, len(want))
	out := make([]string, 0, len(want))
	for _, sc := range want {
		if _, ok := heldSet[sc]; !ok {
			return nil, false
		}
		if _, dup := seen[sc]; dup {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	sort.Strings(out)
	return out, true
}

var (
	unknownOnce sync.Once
	unknownHash []byte
)

func unknownClientHash() []byte {
	unknownOnce.Do(func() {
		unknownHash, _ = bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	})
	return unknownHash
}
