// Package gateway is the connection-facing glue: it authenticates via the
// router middleware, runs reconnect replay to completion, and only then
// attaches the connection to the live bridge so nothing is missed or
// delivered twice in the gap.
package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/arda-kanban/realtime-gateway/internal/bridge"
	"github.com/arda-kanban/realtime-gateway/internal/replay"
	"github.com/arda-kanban/realtime-gateway/middleware"
)

// ProtocolVersion is echoed in replay control messages so clients can detect
// contract drift.
const ProtocolVersion = 1

type Handler struct {
	bridge *bridge.Bridge
	replay *replay.Service
	log    zerolog.Logger
}

func NewHandler(b *bridge.Bridge, r *replay.Service, log zerolog.Logger) *Handler {
	return &Handler{
		bridge: b,
		replay: r,
		log:    log.With().Str("component", "gateway").Logger(),
	}
}

// Subscribe holds an SSE connection open for the caller's tenant. The replay
// cursor comes from the standard Last-Event-ID header (EventSource reconnect)
// or the last_event_id query param.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		http.Error(w, "missing tenant", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newConn(h.log)
	ctx := r.Context()
	log := h.log.With().
		Str("tenant_id", tenantID).
		Str("connection_id", conn.ID()).
		Str("request_id", middleware.GetRequestID(ctx)).
		Logger()

	go func() {
		defer conn.Close()

		res, err := h.replay.ReplayMissedEvents(ctx, replay.Request{
			TenantID:        tenantID,
			LastEventID:     lastEventID,
			ProtocolVersion: ProtocolVersion,
		}, conn)
		if err != nil {
			log.Error().Err(err).Msg("replay failed")
			return
		}
		log.Info().
			Str("replay_status", string(res.Status)).
			Int("replayed", res.ReplayedCount).
			Msg("client connected")

		detach, err := h.bridge.AttachSubscriber(ctx, tenantID, conn)
		if err != nil {
			log.Error().Err(err).Msg("attach refused")
			return
		}
		defer detach()

		select {
		case <-ctx.Done():
		case <-conn.Done():
		}
	}()

	conn.serve(ctx, w, flusher)
	log.Info().Msg("client disconnected")
}

// Stats reports live connection counts, for operators.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.bridge.Stats())
}
