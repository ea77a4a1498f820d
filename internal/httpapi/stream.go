package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/prodg-xyz/tracksync/internal/tracksync"
)

const streamWriteTimeout = 5 * time.Second

// handleEventStream upgrades to a websocket and forwards live sync events
// until the client goes away. A cursor query parameter replays the
// retained window before live delivery starts.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()
	ch, cancel := s.events.Subscribe(ctx)
	defer cancel()

	// Subscribing before the catch-up read means an event published in
	// between shows up on both paths. The replay boundary filters those
	// duplicates out of the live channel.
	backlog, _ := s.events.Recent(r.URL.Query().Get("cursor"), 0)
	var replayedThrough uint64
	for _, event := range backlog {
		if err := writeStreamEvent(ctx, conn, event); err != nil {
			return
		}
		replayedThrough = tracksync.EventSequence(event.EventID)
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "context done")
			return
		case event, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "feed closed")
				return
			}
			if alreadyReplayed(event, replayedThrough) {
				continue
			}
			if err := writeStreamEvent(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func alreadyReplayed(event tracksync.SyncEvent, replayedThrough uint64) bool {
	seq := tracksync.EventSequence(event.EventID)
	return seq != 0 && seq <= replayedThrough
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, event tracksync.SyncEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, event)
}
