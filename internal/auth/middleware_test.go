package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2ptrade/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newContext(headers map[string]string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/v1/admin/trades/trd_1/cancel", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	return c, w
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, r)

	r, err = ParseRole(" ADMIN ")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)

	_, err = ParseRole("system")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestMiddleware_SetsActor(t *testing.T) {
	c, _ := newContext(map[string]string{HeaderUserID: "alice", HeaderUserRole: "admin"})

	Middleware()(c)

	actor, ok := GetActor(c)
	require.True(t, ok)
	assert.Equal(t, Actor{ID: "alice", Role: RoleAdmin}, actor)
	assert.Equal(t, "alice", logging.ActorID(c.Request.Context()))
}

func TestMiddleware_NoHeaderPassesThrough(t *testing.T) {
	c, _ := newContext(nil)

	Middleware()(c)

	assert.False(t, c.IsAborted())
	_, ok := GetActor(c)
	assert.False(t, ok)
	assert.Empty(t, ActorID(c))
}

func TestMiddleware_BadRoleRejected(t *testing.T) {
	c, w := newContext(map[string]string{HeaderUserID: "alice", HeaderUserRole: "root"})

	Middleware()(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequireAuth(t *testing.T) {
	c, w := newContext(nil)
	RequireAuth()(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	c, _ = newContext(nil)
	c.Set(ContextKeyActor, Actor{ID: "bob", Role: RoleUser})
	RequireAuth()(c)
	assert.False(t, c.IsAborted())
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name     string
		actor    *Actor
		secret   string
		header   string
		wantCode int
		aborted  bool
	}{
		{"no actor", nil, "", "", http.StatusUnauthorized, true},
		{"user role", &Actor{ID: "bob", Role: RoleUser}, "", "", http.StatusForbidden, true},
		{"admin no secret configured", &Actor{ID: "root", Role: RoleAdmin}, "", "", http.StatusOK, false},
		{"admin correct secret", &Actor{ID: "root", Role: RoleAdmin}, "s3cret", "s3cret", http.StatusOK, false},
		{"admin wrong secret", &Actor{ID: "root", Role: RoleAdmin}, "s3cret", "nope", http.StatusForbidden, true},
		{"admin missing secret", &Actor{ID: "root", Role: RoleAdmin}, "s3cret", "", http.StatusForbidden, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers[HeaderAdminSecret] = tt.header
			}
			c, w := newContext(headers)
			if tt.actor != nil {
				c.Set(ContextKeyActor, *tt.actor)
			}

			RequireAdmin(tt.secret)(c)

			assert.Equal(t, tt.aborted, c.IsAborted())
			if tt.aborted {
				assert.Equal(t, tt.wantCode, w.Code)
			}
		})
	}
}
