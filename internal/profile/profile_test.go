package profile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2ptrade/internal/auth"
	"github.com/mbd888/p2ptrade/internal/clock"
	"github.com/mbd888/p2ptrade/internal/offer"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStats map[string]Stats

func (f fakeStats) TradeStats(_ context.Context, userID string) (Stats, error) {
	if userID == "broken" {
		return Stats{}, errors.New("db down")
	}
	return f[userID], nil
}

func newTestService() *Service {
	return NewService(NewMemoryStore()).
		WithClock(clock.NewFake(testNow)).
		WithStats(fakeStats{
			"veteran": {Completed: 19, Failed: 1},
			"rookie":  {Completed: 1},
		})
}

func TestGet_CombinesAttributesAndStats(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	opened := testNow.AddDate(0, 0, -40)
	_, err := s.Upsert(ctx, "veteran", UpsertRequest{AccountCreatedAt: &opened, KYCVerified: true})
	require.NoError(t, err)

	p, err := s.Get(ctx, "veteran")
	require.NoError(t, err)
	assert.True(t, p.KYCVerified)
	assert.Equal(t, 19, p.CompletedTrades)
	assert.True(t, p.SuccessRate.Equal(decimal.RequireFromString("95")), "rate %s", p.SuccessRate)
	assert.Equal(t, 40, p.AccountAgeDays(testNow))

	unknown, err := s.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, unknown.CompletedTrades)
	assert.Equal(t, 0, unknown.AccountAgeDays(testNow))

	_, err = s.Get(ctx, "broken")
	assert.Error(t, err)
}

func TestUpsert_KeepsAccountCreatedAt(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	a, err := s.Upsert(ctx, "rookie", UpsertRequest{})
	require.NoError(t, err)
	assert.Equal(t, testNow, a.AccountCreatedAt)

	a, err = s.Upsert(ctx, "rookie", UpsertRequest{Trusted: true})
	require.NoError(t, err)
	assert.Equal(t, testNow, a.AccountCreatedAt)
	assert.True(t, a.Trusted)

	future := testNow.Add(time.Hour)
	_, err = s.Upsert(ctx, "rookie", UpsertRequest{AccountCreatedAt: &future})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = s.Upsert(ctx, " ", UpsertRequest{})
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestEvaluate(t *testing.T) {
	p := &Profile{
		UserID:           "u",
		AccountCreatedAt: testNow.AddDate(0, 0, -10),
		KYCVerified:      false,
		Trusted:          true,
		CompletedTrades:  5,
		SuccessRate:      decimal.RequireFromString("80"),
	}

	tests := []struct {
		name string
		req  offer.Requirements
		kyc  bool
		ok   bool
	}{
		{"no requirements", offer.Requirements{}, false, true},
		{"kyc required", offer.Requirements{}, true, false},
		{"trusted only", offer.Requirements{TrustedOnly: true}, false, true},
		{"enough trades", offer.Requirements{MinCompletedTrades: 5}, false, true},
		{"too few trades", offer.Requirements{MinCompletedTrades: 6}, false, false},
		{"rate met", offer.Requirements{MinSuccessRate: decimal.RequireFromString("80")}, false, true},
		{"rate not met", offer.Requirements{MinSuccessRate: decimal.RequireFromString("80.5")}, false, false},
		{"account old enough", offer.Requirements{MinAccountAgeDays: 10}, false, true},
		{"account too new", offer.Requirements{MinAccountAgeDays: 11}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Evaluate(p, tt.req, tt.kyc, testNow)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrRequirementsNotMet)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	assert.ErrorIs(t, s.Check(ctx, "rookie", offer.Requirements{MinCompletedTrades: 3}, false), ErrRequirementsNotMet)
	assert.NoError(t, s.Check(ctx, "veteran", offer.Requirements{MinCompletedTrades: 3}, false))
}

func TestHandler_Routes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestService()
	h := NewHandler(s)
	r := gin.New()
	r.Use(auth.Middleware())
	v1 := r.Group("/v1", auth.RequireAuth())
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin", auth.RequireAdmin("")))

	do := func(method, path, user, role, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(auth.HeaderUserID, user)
		if role != "" {
			req.Header.Set(auth.HeaderUserRole, role)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do("PUT", "/v1/admin/profiles/veteran", "veteran", "", `{"kycVerified":true}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do("PUT", "/v1/admin/profiles/veteran", "ops", "admin", `{"kycVerified":true,"trusted":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do("GET", "/v1/me/profile", "veteran", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"kycVerified":true`)
	assert.Contains(t, w.Body.String(), `"completedTrades":19`)

	w = do("GET", "/v1/profiles/rookie", "veteran", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completedTrades":1`)
}
