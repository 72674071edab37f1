package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

type streamHello struct {
	Type    string `json:"type"`
	OwnerID string `json:"ownerId"`
}

// handleMemoStream upgrades to a websocket and forwards the owner's change
// events until either side goes away. Client messages are discarded.
func (s *Server) handleMemoStream(w http.ResponseWriter, r *http.Request, principal Principal, correlationID string) {
	if s.cfg.Broker == nil {
		writeError(w, http.StatusNotFound, "not_found", "change feed is disabled", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.StreamOriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "correlation_id", correlationID)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	events, cancel := s.cfg.Broker.Subscribe(principal.OwnerID)
	defer cancel()
	logger := s.logger.With("owner_id", principal.OwnerID, "correlation_id", correlationID)
	logger.Debug("change feed subscriber connected")

	ctx := conn.CloseRead(r.Context())
	if err := writeStreamMessage(ctx, conn, streamHello{Type: "stream.ready", OwnerID: principal.OwnerID}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			logger.Debug("change feed subscriber disconnected")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if err := writeStreamMessage(ctx, conn, event); err != nil {
				logger.Debug("change feed write failed", "error", err)
				return
			}
		}
	}
}

func writeStreamMessage(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
