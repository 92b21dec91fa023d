package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2ptrade/internal/auth"
	"github.com/mbd888/p2ptrade/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAdminSecret = "s3cret"

// testConfig returns a minimal in-memory config
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		AdminSecret:          testAdminSecret,
		RateLimitRPS:         1000,
		SweepInterval:        time.Minute,
		SweepTradeTimeout:    time.Second,
		SweepBatchSize:       10,
		SweepConcurrency:     2,
		PaymentTimeoutAction: config.TimeoutActionCancel,
		PendingEscrowTTL:     2 * time.Minute,
		ReconcileInterval:    time.Hour,
		MarketPrices:         config.DefaultMarketPrices,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

type caller struct {
	user  string
	admin bool
}

func call(t *testing.T, s *Server, c caller, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set(auth.HeaderUserID, c.user)
	}
	if c.admin {
		req.Header.Set(auth.HeaderUserRole, "admin")
		req.Header.Set(auth.HeaderAdminSecret, testAdminSecret)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestNew_InvalidMarketPrices(t *testing.T) {
	cfg := testConfig()
	cfg.MarketPrices = "BTC/USD"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := call(t, s, caller{}, "GET", "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = call(t, s, caller{}, "GET", "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = call(t, s, caller{}, "GET", "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Background workers have not been started, so aggregate health is degraded.
	w = call(t, s, caller{}, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.Len(t, resp.Checks, 2)
	assert.Equal(t, "sweeper", resp.Checks[0].Name)
	assert.Equal(t, "reconciliation", resp.Checks[1].Name)
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, w.Body.String(), "p2ptrade")

	w = call(t, s, caller{}, "GET", "/", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w := call(t, s, caller{user: "alice"}, "GET", "/admin/trades/disputes", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest("GET", "/admin/trades/disputes", nil)
	req.Header.Set(auth.HeaderUserID, "ops")
	req.Header.Set(auth.HeaderUserRole, "admin")
	req.Header.Set(auth.HeaderAdminSecret, "wrong")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(t, s, caller{user: "ops", admin: true}, "GET", "/admin/trades/disputes", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestTradeLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	ops := caller{user: "ops", admin: true}
	seller := caller{user: "seller"}
	buyer := caller{user: "buyer"}

	w := call(t, s, ops, "POST", "/admin/deposits",
		`{"userId":"seller","currency":"USDT","walletType":"FUNDING","amount":"500","reference":"dep-1"}`)
	require.Less(t, w.Code, 300, w.Body.String())

	w = call(t, s, seller, "POST", "/v1/offers", `{"type":"SELL","currency":"USDT","priceCurrency":"USD",
		"totalAmount":"200","minAmount":"10","maxAmount":"100","priceValue":"1",
		"paymentMethods":["bank_transfer"],"publish":true}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var offerResp struct {
		Offer struct {
			ID string `json:"id"`
		} `json:"offer"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &offerResp))

	w = call(t, s, buyer, "POST", "/v1/trades", `{"offerId":"`+offerResp.Offer.ID+`","amount":"40"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tradeResp struct {
		Trade struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"trade"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tradeResp))
	assert.Equal(t, "ESCROWED", tradeResp.Trade.Status)
	id := tradeResp.Trade.ID

	w = call(t, s, buyer, "POST", "/v1/trades/"+id+"/paid", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, s, seller, "POST", "/v1/trades/"+id+"/confirm", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"COMPLETED"`)

	w = call(t, s, ops, "GET", "/admin/users/buyer/balances", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"40"`)

	w = call(t, s, buyer, "GET", "/v1/me/trades?status=COMPLETED", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = call(t, s, ops, "GET", "/admin/activity?tradeId="+id, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, s, ops, "POST", "/admin/sweeper/run", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, s, ops, "GET", "/admin/reconciliation", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = call(t, s, ops, "POST", "/admin/reconciliation/run", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"mismatches":[]`)
	w = call(t, s, ops, "GET", "/admin/reconciliation", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookRoutes(t *testing.T) {
	s := newTestServer(t)
	alice := caller{user: "alice"}

	w := call(t, s, alice, "POST", "/v1/webhooks", `{"url":"http://10.0.0.5/hook"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(t, s, alice, "POST", "/v1/webhooks", `{"url":"https://hooks.example.com/p2p","events":["trade.message"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(t, s, alice, "GET", "/v1/me/webhooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = call(t, s, caller{user: "ops", admin: true}, "GET", "/admin/realtime", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"webhookQueue":0`)
}
