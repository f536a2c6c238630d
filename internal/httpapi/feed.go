package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/invoicesync/internal/erpsync"
)

const (
	feedBuffer       = 16
	feedWriteTimeout = 5 * time.Second
)

// Feed fans cycle reports out to websocket subscribers. A subscriber that
// falls behind loses reports rather than slowing the engine down.
type Feed struct {
	mu          sync.Mutex
	subscribers map[chan erpsync.CycleReport]struct{}
	logger      *slog.Logger
}

func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		subscribers: map[chan erpsync.CycleReport]struct{}{},
		logger:      logger,
	}
}

// Publish matches erpsync.EngineOptions.OnReport.
func (f *Feed) Publish(report erpsync.CycleReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers {
		select {
		case ch <- report:
		default:
			f.logger.Debug("sync feed subscriber is behind, dropping report", "cycle_id", report.CycleID)
		}
	}
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

func (f *Feed) subscribe() (<-chan erpsync.CycleReport, func()) {
	ch := make(chan erpsync.CycleReport, feedBuffer)
	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()
	feedSubscribers.Inc()
	return ch, func() {
		f.mu.Lock()
		delete(f.subscribers, ch)
		f.mu.Unlock()
		feedSubscribers.Dec()
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("sync feed upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	reports, unsubscribe := s.feed.subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case report := <-reports:
			if err := writeReport(ctx, conn, report); err != nil {
				s.logger.Debug("sync feed write failed", "error", err)
				return
			}
		}
	}
}

func writeReport(ctx context.Context, conn *websocket.Conn, report erpsync.CycleReport) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, report)
}
