// Package publisher delivers confirmation documents to the downstream
// statement consumer. Delivery is a single synchronous attempt; callers
// record the result and never roll back on failure.
package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/bank-api/internal/camt"
)

// Result is the outcome of one delivery attempt.
type Result struct {
	Delivered  bool
	HTTPStatus int
	Err        error
}

// Status renders the result the way API responses report it.
func (r Result) Status() string {
	if r.Delivered {
		return "SENT"
	}
	return fmt.Sprintf("PUSH_FAILED (HTTP %d)", r.HTTPStatus)
}

// Publisher delivers one document.
type Publisher interface {
	Publish(ctx context.Context, doc *camt.Document) Result
}

// Config holds the endpoint and credentials of the OData service.
type Config struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// OData posts camt.054 XML to an OData endpoint with basic auth.
type OData struct {
	cfg    Config
	client *http.Client
}

// NewOData builds an OData publisher. A nil client gets one with cfg.Timeout.
func NewOData(cfg Config, client *http.Client) (*OData, error) {
	if cfg.URL == "" {
		return nil, errors.New("publisher url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OData{cfg: cfg, client: client}, nil
}

// Publish reports HTTPStatus 500 when no response was received.
func (p *OData) Publish(ctx context.Context, doc *camt.Document) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(doc.XML))
	if err != nil {
		return Result{HTTPStatus: http.StatusInternalServerError, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/json")
	if p.cfg.User != "" {
		req.SetBasicAuth(p.cfg.User, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{HTTPStatus: http.StatusInternalServerError, Err: fmt.Errorf("failed to push confirmation %s: %w", doc.MessageID, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{HTTPStatus: resp.StatusCode, Err: fmt.Errorf("confirmation %s rejected with status %d", doc.MessageID, resp.StatusCode)}
	}
	return Result{Delivered: true, HTTPStatus: resp.StatusCode}
}

// Noop stands in when no endpoint is configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, doc *camt.Document) Result {
	return Result{HTTPStatus: http.StatusServiceUnavailable, Err: errors.New("no publisher endpoint configured")}
}
