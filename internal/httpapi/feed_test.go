package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/invoicesync/internal/erpsync"
	"github.com/agentworkforce/invoicesync/internal/ledger"
)

func TestSyncFeedStreamsReports(t *testing.T) {
	feed := NewFeed(nil)
	server := NewServerWithConfig(ledger.NewMemoryStore(), &fakeSync{}, ServerConfig{Feed: feed})
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/sync/feed", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return feed.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	feed.Publish(erpsync.CycleReport{CycleID: "cycle-9", Status: erpsync.StatusOK, DBUpdated: 3, FailedInvoices: []string{}})

	var got erpsync.CycleReport
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "cycle-9", got.CycleID)
	assert.Equal(t, 3, got.DBUpdated)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return feed.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestFeedDropsReportsForSlowSubscribers(t *testing.T) {
	feed := NewFeed(nil)
	reports, unsubscribe := feed.subscribe()
	defer unsubscribe()

	for i := 0; i < feedBuffer+5; i++ {
		feed.Publish(erpsync.CycleReport{Status: erpsync.StatusOK})
	}
	assert.Len(t, reports, feedBuffer)
}

func TestSyncFeedRequiresScope(t *testing.T) {
	server := NewServerWithConfig(ledger.NewMemoryStore(), &fakeSync{}, ServerConfig{JWTSecret: testSecret})
	rec := get(t, server, "/sync/feed")
	assert.Equal(t, 401, rec.Code)
}
