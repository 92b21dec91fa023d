package offer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2ptrade/internal/auth"
)

func setupRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, _ := newTestService(t)
	h := NewHandler(s)

	r := gin.New()
	r.Use(auth.Middleware())
	v1 := r.Group("/v1")
	h.RegisterPublicRoutes(v1)
	protected := v1.Group("", auth.RequireAuth())
	h.RegisterRoutes(protected)
	h.RegisterAdminRoutes(protected.Group("/admin", auth.RequireAdmin("")))
	return r, s
}

func do(r *gin.Engine, method, path, user, role, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.HeaderUserID, user)
	}
	if role != "" {
		req.Header.Set(auth.HeaderUserRole, role)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type offerResponse struct {
	Offer Offer `json:"offer"`
}

const createBody = `{"type":"SELL","currency":"USDT","priceCurrency":"USD","totalAmount":"100",
	"minAmount":"1","maxAmount":"50","priceValue":"1","paymentMethods":["bank_transfer"]}`

func TestHandler_CreatePublishAndList(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, "POST", "/v1/offers", "", "", createBody)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, "POST", "/v1/offers", "maker", "", createBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, StatusDraft, created.Offer.Status)

	w = do(r, "GET", "/v1/offers", "", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = do(r, "POST", "/v1/offers/"+created.Offer.ID+"/publish", "other", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "POST", "/v1/offers/"+created.Offer.ID+"/publish", "maker", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "GET", "/v1/offers?currency=usdt&type=SELL", "", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, "GET", "/v1/offers/"+created.Offer.ID, "", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, "GET", "/v1/me/offers", "maker", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Offer.ID)
}

func TestHandler_ErrorMapping(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, "GET", "/v1/offers/ofr_missing", "", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, "POST", "/v1/offers", "maker", "", `{"type":"SELL"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = do(r, "POST", "/v1/offers", "maker", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", "/v1/offers", "maker", "", createBody)
	require.Equal(t, http.StatusCreated, w.Code)
	var created offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = do(r, "POST", "/v1/offers/"+created.Offer.ID+"/pause", "maker", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_UpdateAndDelete(t *testing.T) {
	r, s := setupRouter(t)

	w := do(r, "POST", "/v1/offers", "maker", "", createBody)
	require.Equal(t, http.StatusCreated, w.Code)
	var created offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Offer.ID

	w = do(r, "PATCH", "/v1/offers/"+id, "maker", "", `{"totalAmount":"200","termsOfTrade":"fast release"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.True(t, updated.Offer.Amounts.Total.Equal(dec("200")))
	assert.Equal(t, "fast release", updated.Offer.Settings.Terms)

	w = do(r, "DELETE", "/v1/offers/"+id, "maker", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, err := s.Get(t.Context(), id)
	assert.ErrorIs(t, err, ErrOfferNotFound)
}

func TestHandler_AdminReview(t *testing.T) {
	r, s := setupRouter(t)
	s.WithReviewRequired(true)

	w := do(r, "POST", "/v1/offers", "maker", "", strings.Replace(createBody, `{`, `{"publish":true,`, 1))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, StatusPendingApproval, created.Offer.Status)

	w = do(r, "POST", "/v1/admin/offers/"+created.Offer.ID+"/approve", "maker", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "POST", "/v1/admin/offers/"+created.Offer.ID+"/reject", "ops", "admin", `{"reason":"spam"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rejected offerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rejected))
	assert.Equal(t, StatusCancelled, rejected.Offer.Status)
	assert.Equal(t, "spam", rejected.Offer.StatusReason)
}
