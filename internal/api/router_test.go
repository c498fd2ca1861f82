package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bank-api/internal/auth"
	"github.com/example/bank-api/internal/camt"
	"github.com/example/bank-api/internal/ledger"
	"github.com/example/bank-api/internal/payments"
	"github.com/example/bank-api/internal/publisher"
	"github.com/example/bank-api/internal/security"
	"github.com/example/bank-api/pkg/audit"
)

type stubPublisher struct {
	mu     sync.Mutex
	calls  int
	result publisher.Result
}

func (p *stubPublisher) Publish(ctx context.Context, doc *camt.Document) publisher.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.result
}

type auditSpy struct {
	mu       sync.Mutex
	payloads []string
}

func (a *auditSpy) Append(payload string) *audit.LogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, payload)
	return &audit.LogEntry{Payload: payload}
}

func (a *auditSpy) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.payloads)
}

type testEnv struct {
	deps  Dependencies
	store *ledger.SQLiteStore
	pub   *stubPublisher
	audit *auditSpy
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "bank.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	pub := &stubPublisher{result: publisher.Result{Delivered: true, HTTPStatus: http.StatusCreated}}
	spy := &auditSpy{}

	engine := payments.NewEngine(payments.Dependencies{Store: store, Publisher: pub, Auditor: spy})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := &testEnv{
		store: store,
		pub:   pub,
		audit: spy,
		deps: Dependencies{
			Payments:     engine,
			Ledger:       store,
			Batches:      store,
			Auditor:      spy,
			RateLimiter:  &security.RedisTokenBucket{Redis: rdb, Prefix: "test", Capacity: 100, RefillRate: 100},
			MaxBodyBytes: 1 << 20,
		},
	}

	env.seed(t, ledger.Payer("C100"), "100")
	env.seed(t, ledger.Payee("V200"), "0")
	return env
}

func (env *testEnv) seed(t *testing.T, ref ledger.AccountRef, balance string) {
	t.Helper()
	_, err := env.store.CreateAccount(context.Background(), ledger.NewAccount{
		Ref:        ref,
		HolderName: "Holder " + ref.Number,
		Currency:   "EUR",
		Balance:    decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
}

func (env *testEnv) server(t *testing.T) *httptest.Server {
	t.Helper()
	h, err := NewRouter(env.deps)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func paymentBody(paymentID, payer, payee string, amount any) map[string]any {
	return map[string]any{
		"customerAccount": payer,
		"vendorAccount":   payee,
		"paymentAmount":   amount,
		"currency":        "EUR",
		"paymentId":       paymentID,
		"endToEndId":      "E2E-" + paymentID,
		"xmlContent":      "<Document><PmtId>" + paymentID + "</PmtId></Document>",
	}
}

func do(t *testing.T, client *http.Client, method, u string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func balanceOf(t *testing.T, env *testEnv, ref ledger.AccountRef) decimal.Decimal {
	t.Helper()
	acc, err := env.store.GetAccount(context.Background(), ref)
	require.NoError(t, err)
	return acc.Balance
}

func TestReceivePaymentPaid(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp, body := do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-1", "C100", "V200", 40), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SUCCESS", body["status"])
	assert.Equal(t, float64(0), body["statusCode"])
	assert.Equal(t, "PAY-1", body["paymentId"])
	assert.Equal(t, "SENT", body["sap_odata_status"])
	assert.Equal(t, float64(40), body["amount"])
	assert.NotEmpty(t, body["correlation_id"])
	assert.Equal(t, body["correlation_id"], resp.Header.Get(security.CorrelationIDHeader))

	assert.True(t, balanceOf(t, env, ledger.Payer("C100")).Equal(decimal.NewFromInt(60)))
	assert.True(t, balanceOf(t, env, ledger.Payee("V200")).Equal(decimal.NewFromInt(40)))
	assert.Equal(t, 1, env.pub.calls)
}

func TestReceivePaymentAmountAsString(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp, body := do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-S", "C100", "V200", "12.5"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(12.5), body["amount"])
	assert.True(t, balanceOf(t, env, ledger.Payer("C100")).Equal(decimal.RequireFromString("87.5")))
}

func TestReceivePaymentPushFailure(t *testing.T) {
	env := newTestEnv(t)
	env.pub.result = publisher.Result{HTTPStatus: http.StatusBadGateway}
	ts := env.server(t)

	resp, body := do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-2", "C100", "V200", 40), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SUCCESS", body["status"])
	assert.Equal(t, "PUSH_FAILED (HTTP 502)", body["sap_odata_status"])
	assert.True(t, balanceOf(t, env, ledger.Payer("C100")).Equal(decimal.NewFromInt(60)))
}

func TestReceivePaymentRejections(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	cases := []struct {
		name    string
		body    map[string]any
		status  int
		code    float64
		message string
	}{
		{"insufficient funds", paymentBody("PAY-3", "C100", "V200", 400), http.StatusOK, 1, "Insufficient Funds"},
		{"unknown customer", paymentBody("PAY-4", "C999", "V200", 10), http.StatusNotFound, 3, "Customer Account not found"},
		{"unknown vendor", paymentBody("PAY-5", "C100", "V999", 10), http.StatusNotFound, 4, "Vendor Account not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", tc.body, "")
			require.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, "FAILED", body["status"])
			assert.Equal(t, tc.code, body["statusCode"])
			assert.Equal(t, tc.message, body["message"])
		})
	}

	assert.True(t, balanceOf(t, env, ledger.Payer("C100")).Equal(decimal.NewFromInt(100)))
	assert.True(t, balanceOf(t, env, ledger.Payee("V200")).IsZero())
	assert.Equal(t, 0, env.pub.calls)

	// Rejected requests are logged as FAILED.
	resp, body := do(t, ts.Client(), http.MethodGet, ts.URL+"/transactions/PAY-3", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tx := body["transaction"].(map[string]any)
	assert.Equal(t, "FAILED", tx["status"])
}

func TestReceivePaymentValidation(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	missing := paymentBody("PAY-6", "C100", "V200", 10)
	delete(missing, "xmlContent")
	empty := paymentBody("PAY-7", "", "V200", 10)

	for _, body := range []map[string]any{missing, empty} {
		resp, out := do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", body, "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "ERROR", out["status"])
		assert.Equal(t, float64(99), out["statusCode"])
		assert.Equal(t, "Missing required payment fields", out["message"])
	}

	invalid := map[string]any{
		"PAY-8":  0,
		"PAY-9":  -5,
		"PAY-11": int64(1_000_000_000_000_000),
	}
	for id, amount := range invalid {
		resp, out := do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody(id, "C100", "V200", amount), "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, id)
		assert.Contains(t, out["message"], "Invalid payment fields", id)

		_, err := env.store.GetPaymentRequest(context.Background(), id)
		assert.ErrorIs(t, err, ledger.ErrRequestNotFound, id)
	}

	resp, out := do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-12", "C100", "V200", 0), "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid payment fields: amount must be positive", out["message"])

	resp, out = do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-10", "C100", "V200", "ten"), "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, float64(99), out["statusCode"])

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/bank/receive_payment", strings.NewReader(`{"customerAccount":`))
	raw, err := ts.Client().Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	_, err = env.store.GetPaymentRequest(context.Background(), "PAY-6")
	assert.ErrorIs(t, err, ledger.ErrRequestNotFound)
	assert.True(t, balanceOf(t, env, ledger.Payer("C100")).Equal(decimal.NewFromInt(100)))
}

func TestReceivePaymentDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp, _ := do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-D", "C100", "V200", 10), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-D", "C100", "V200", 10), "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Internal processing error", body["message"])
	assert.True(t, balanceOf(t, env, ledger.Payer("C100")).Equal(decimal.NewFromInt(90)))
}

type offlineProcessor struct{}

func (offlineProcessor) Process(ctx context.Context, in payments.Instruction) (*payments.Outcome, error) {
	return &payments.Outcome{
		Kind:      payments.KindSystemFailure,
		Cause:     errors.Join(ledger.ErrStorageUnavailable, errors.New("dial tcp 10.0.0.5:5432: connection refused")),
		RequestID: in.RequestID,
	}, nil
}

type offlineLedger struct{}

func (offlineLedger) GetAccount(context.Context, ledger.AccountRef) (*ledger.Account, error) {
	return nil, ledger.ErrStorageUnavailable
}

func (offlineLedger) GetPaymentRequest(context.Context, string) (*ledger.PaymentRequest, error) {
	return nil, ledger.ErrStorageUnavailable
}

func (offlineLedger) Ping(context.Context) error { return ledger.ErrStorageUnavailable }

func (offlineLedger) SaveBatchFile(context.Context, ledger.BatchFile) error {
	return ledger.ErrStorageUnavailable
}

func TestStorageOffline(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Payments = offlineProcessor{}
	env.deps.Ledger = offlineLedger{}
	env.deps.Batches = offlineLedger{}
	ts := env.server(t)

	resp, body := do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-O", "C100", "V200", 10), "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Bank system offline", body["message"])
	assert.NotContains(t, body["message"], "connection refused")

	resp, body = do(t, ts.Client(), http.MethodGet, ts.URL+"/health", nil, "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Offline", body["db_status"])

	resp, _ = do(t, ts.Client(), http.MethodGet, ts.URL+"/accounts/customer/C100", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/batch_files", map[string]any{"batch": 1}, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp, body := do(t, ts.Client(), http.MethodGet, ts.URL+"/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "UP", body["status"])
	assert.Equal(t, "Online", body["db_status"])
}

func TestBatchFile(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/bank/batch_files", strings.NewReader(`<Batch><Count>2</Count></Batch>`))
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body batchFileResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ACCEPTED", body.Status)
	assert.True(t, strings.HasPrefix(body.ReceiptID, "BATCH-"))

	var contentType string
	var stored []byte
	require.NoError(t, env.store.DB.QueryRow(`SELECT content_type, body FROM batch_files WHERE receipt_id = ?`, body.ReceiptID).Scan(&contentType, &stored))
	assert.Equal(t, "application/xml", contentType)
	assert.Equal(t, `<Batch><Count>2</Count></Batch>`, string(stored))

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/bank/batch_files", http.NoBody)
	resp2, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestLookups(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp, body := do(t, ts.Client(), http.MethodGet, ts.URL+"/accounts/customer/C100", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acc := body["account"].(map[string]any)
	assert.Equal(t, "C100", acc["acc_no"])
	assert.Equal(t, "customer", acc["type"])

	resp, body = do(t, ts.Client(), http.MethodGet, ts.URL+"/accounts/branch/C100", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_account_type", body["error"])

	resp, body = do(t, ts.Client(), http.MethodGet, ts.URL+"/accounts/vendor/C100", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "account_not_found", body["error"])

	resp, _ = do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-L", "C100", "V200", 25), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, ts.Client(), http.MethodGet, ts.URL+"/transactions/PAY-L", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tx := body["transaction"].(map[string]any)
	assert.Equal(t, "PAID", tx["status"])
	assert.Equal(t, "E2E-PAY-L", tx["end_to_end_id"])
	assert.NotContains(t, tx, "payload")

	resp, _ = do(t, ts.Client(), http.MethodGet, ts.URL+"/transactions/NOPE", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, ts.Client(), http.MethodGet, ts.URL+"/nowhere", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-A", "C100", "V200", 5), "")
	do(t, ts.Client(), http.MethodGet, ts.URL+"/health", nil, "")

	// One entry from the engine and one per request.
	require.Equal(t, 3, env.audit.count())
	assert.True(t, strings.HasPrefix(env.audit.payloads[0], "payment request_id=PAY-A"))
	assert.Contains(t, env.audit.payloads[1], "path=/bank/receive_payment status=200")
	assert.Contains(t, env.audit.payloads[2], "path=/health status=200")
}

func TestRateLimitTrips(t *testing.T) {
	env := newTestEnv(t)
	env.deps.RateLimiter.Capacity = 1
	env.deps.RateLimiter.RefillRate = 0.0000001
	ts := env.server(t)

	resp, _ := do(t, ts.Client(), http.MethodGet, ts.URL+"/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, ts.Client(), http.MethodGet, ts.URL+"/health", nil, "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t)
	env.deps.MaxBodyBytes = 32
	ts := env.server(t)

	resp, _ := do(t, ts.Client(), http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-BIG", "C100", "V200", 10), "")
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.True(t, balanceOf(t, env, ledger.Payer("C100")).Equal(decimal.NewFromInt(100)))
}

func TestIPAllowlistBlocks(t *testing.T) {
	env := newTestEnv(t)
	allow, err := security.ParseCIDRAllowlist([]string{"203.0.113.0/24"})
	require.NoError(t, err)
	env.deps.IPAllowlist = allow
	ts := env.server(t)

	resp, _ := do(t, ts.Client(), http.MethodGet, ts.URL+"/health", nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOAuthScopes(t *testing.T) {
	env := newTestEnv(t)

	keySet, err := auth.NewKeySet()
	require.NoError(t, err)
	clients, err := auth.ParseClients(
		"erp:" + mustHash(t, "erp-secret") + ":payments:write,ledger:read;" +
			"viewer:" + mustHash(t, "viewer-secret") + ":ledger:read")
	require.NoError(t, err)

	env.deps.OAuth = &auth.OAuthServer{Store: clients, Keys: keySet, Issuer: "test", AccessTokenTTL: 5 * time.Minute}
	env.deps.JWTValidator = &auth.JWTValidator{KeySet: keySet, Issuer: "test"}
	ts := env.server(t)
	client := ts.Client()

	resp, _ := do(t, client, http.MethodGet, ts.URL+"/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, client, http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-U", "C100", "V200", 10), "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	viewer := issueToken(t, ts, "viewer", "viewer-secret", "ledger:read")
	resp, _ = do(t, client, http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-V", "C100", "V200", 10), viewer)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = do(t, client, http.MethodGet, ts.URL+"/accounts/customer/C100", nil, viewer)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	erp := issueToken(t, ts, "erp", "erp-secret", "")
	resp, body = do(t, client, http.MethodPost, ts.URL+"/bank/receive_payment", paymentBody("PAY-E", "C100", "V200", 10), erp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SUCCESS", body["status"])

	resp, body = do(t, client, http.MethodGet, ts.URL+"/oauth/jwks.json", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["keys"], 1)
}

func TestMTLSRequired(t *testing.T) {
	env := newTestEnv(t)
	certs := generateMTLSCerts(t)

	h, err := NewRouter(env.deps)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(h)
	ts.TLS = certs.serverTLS
	ts.StartTLS()
	defer ts.Close()

	clientNoCert := &http.Client{Transport: &http.Transport{TLSClientConfig: certs.noClientTLS}}
	_, err = clientNoCert.Get(ts.URL + "/health")
	require.Error(t, err)

	clientWithCert := &http.Client{Transport: &http.Transport{TLSClientConfig: certs.clientTLS}}
	resp, err := clientWithCert.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func issueToken(t *testing.T, ts *httptest.Server, clientID, clientSecret, scope string) string {
	t.Helper()

	form := url.Values{"grant_type": {"client_credentials"}}
	if scope != "" {
		form.Set("scope", scope)
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, clientSecret)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr auth.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	require.NotEmpty(t, tr.AccessToken)
	return tr.AccessToken
}

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	h, err := auth.HashClientSecret(secret)
	require.NoError(t, err)
	return h
}

type testCerts struct {
	serverTLS   *tls.Config
	clientTLS   *tls.Config
	noClientTLS *tls.Config
}

func generateMTLSCerts(t *testing.T) *testCerts {
	t.Helper()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(caCert)

	serverCert := signCert(t, caCert, caKey, "server", []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, []net.IP{net.ParseIP("127.0.0.1")})
	clientCert := signCert(t, caCert, caKey, "erp-client", []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, nil)

	return &testCerts{
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    caPool,
			MinVersion:   tls.VersionTLS13,
		},
		clientTLS: &tls.Config{
			Certificates: []tls.Certificate{clientCert},
			RootCAs:      caPool,
			MinVersion:   tls.VersionTLS13,
		},
		noClientTLS: &tls.Config{
			RootCAs:    caPool,
			MinVersion: tls.VersionTLS13,
		},
	}
}

func signCert(t *testing.T, ca *x509.Certificate, caKey *rsa.PrivateKey, cn string, eku []x509.ExtKeyUsage, ips []net.IP) tls.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  eku,
		IPAddresses:  ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
