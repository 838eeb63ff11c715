package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

// handleEvents upgrades GET /v1/bisect/{id}/events to a WebSocket and
// streams one JSON-encoded progress update per message. The connection
// closes normally once the job reaches a terminal status.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !g.checkToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, ok := eventsJobID(r.URL.Path)
	if !ok {
		http.Error(w, "invalid job ID", http.StatusBadRequest)
		return
	}

	if _, err := g.engine.Get(r.Context(), id); err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	updates, cancel, err := g.engine.Subscribe(r.Context(), id)
	if err != nil {
		http.Error(w, "subscription failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	g.logger.Info("event stream opened", slog.String("job_id", id.String()))

	ctx := r.Context()
	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}

		case update, open := <-updates:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				g.logger.Warn("event stream write failed",
					slog.String("job_id", id.String()),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// eventsJobID extracts the job ID from a /v1/bisect/{id}/events path.
func eventsJobID(path string) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "bisect" || parts[3] != "events" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
