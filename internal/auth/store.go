package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrClientNotFound = errors.New("client not found")

type Client struct {
	ID         string
	SecretHash string
	Scopes     []string
}

type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// HashClientSecret produces the hash stored in OAUTH_CLIENTS.
func HashClientSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(b), nil
}

func VerifyClientSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// StaticClientStore holds OAuth clients parsed from configuration.
type StaticClientStore struct {
	clients map[string]*Client
}

// ParseClients reads "id:bcrypt-hash:scope,scope" entries separated by
// ";". Bcrypt hashes contain no ":" so the split is unambiguous.
func ParseClients(raw string) (*StaticClientStore, error) {
	s := &StaticClientStore{clients: map[string]*Client{}}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid oauth client entry %q", entry)
		}
		if _, dup := s.clients[parts[0]]; dup {
			return nil, fmt.Errorf("duplicate oauth client %q", parts[0])
		}

		c := &Client{ID: parts[0], SecretHash: parts[1]}
		if len(parts) == 3 {
			for _, scope := range strings.Split(parts[2], ",") {
				if scope = strings.TrimSpace(scope); scope != "" {
					c.Scopes = append(c.Scopes, scope)
				}
			}
		}
		s.clients[c.ID] = c
	}
	return s, nil
}

func (s *StaticClientStore) Len() int { return len(s.clients) }

func (s *StaticClientStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	cp := *c
	cp.Scopes = append([]string(nil), c.Scopes...)
	return &cp, nil
}
