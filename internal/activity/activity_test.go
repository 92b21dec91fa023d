package activity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2ptrade/internal/clock"
	"github.com/mbd888/p2ptrade/internal/idgen"
)

func newTestLog() (*Log, *clock.Fake) {
	fc := clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	return NewLog(NewMemoryStore()).WithClock(fc), fc
}

func TestRecord_AssignsIDAndTime(t *testing.T) {
	l, fc := newTestLog()

	r, err := l.Record(context.Background(), Record{TradeID: "trd_1", ActorID: "alice", Action: "mark_paid"})
	require.NoError(t, err)
	assert.True(t, idgen.HasPrefix(r.ID, idgen.PrefixActivity))
	assert.Equal(t, fc.Now(), r.CreatedAt)
}

func TestRecord_RequiresTradeAndAction(t *testing.T) {
	l, _ := newTestLog()
	_, err := l.Record(context.Background(), Record{TradeID: "trd_1"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestListByTrade_InsertionOrder(t *testing.T) {
	l, fc := newTestLog()
	ctx := context.Background()

	for _, action := range []string{"create", "lock", "mark_paid"} {
		_, err := l.Record(ctx, Record{TradeID: "trd_1", ActorID: "alice", Action: action})
		require.NoError(t, err)
		fc.Advance(time.Second)
	}
	_, err := l.Record(ctx, Record{TradeID: "trd_2", ActorID: "bob", Action: "create"})
	require.NoError(t, err)

	recs, err := l.ListByTrade(ctx, "trd_1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "create", recs[0].Action)
	assert.Equal(t, "mark_paid", recs[2].Action)
}

func TestListByActor_NewestFirstWithLimit(t *testing.T) {
	l, _ := newTestLog()
	ctx := context.Background()
	for _, trade := range []string{"trd_1", "trd_2", "trd_3"} {
		_, err := l.Record(ctx, Record{TradeID: trade, ActorID: "alice", Action: "create"})
		require.NoError(t, err)
	}

	recs, err := l.ListByActor(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "trd_3", recs[0].TradeID)
}

func TestHandler_List(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLog()
	_, err := l.Record(context.Background(), Record{TradeID: "trd_1", ActorID: "alice", Action: "create"})
	require.NoError(t, err)

	r := gin.New()
	NewHandler(l).RegisterAdminRoutes(r.Group("/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/admin/activity?tradeId=trd_1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/admin/activity", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
