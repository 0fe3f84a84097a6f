// Package replay redelivers missed events to a reconnecting client from the
// durable tenant log, or tells it to resync when its cursor is too stale to
// catch up from.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/arda-kanban/realtime-gateway/internal/domain"
	"github.com/arda-kanban/realtime-gateway/internal/mapper"
	"github.com/arda-kanban/realtime-gateway/internal/metrics"
	"github.com/arda-kanban/realtime-gateway/internal/stream"
)

// Emitter is the connection-facing half the replay writes to.
type Emitter interface {
	Emit(name string, payload any) error
}

// LogReader is the slice of the durable log the replay needs.
type LogReader interface {
	ReadAfter(ctx context.Context, tenantID, afterID string, count int64) ([]stream.Entry, error)
}

type Status string

const (
	StatusSkipped        Status = "skipped"
	StatusResyncRequired Status = "resync_required"
	StatusCompleted      Status = "completed"
)

const reasonStaleCursor = "stale_last_event_id"

type Request struct {
	TenantID        string
	LastEventID     string
	ProtocolVersion int
}

type Result struct {
	Status               Status
	ReplayedCount        int
	LastDeliveredEventID string
}

type Service struct {
	reader    LogReader
	ttl       time.Duration
	batchSize int64
	log       zerolog.Logger
}

func NewService(reader LogReader, ttl time.Duration, batchSize int, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Service{
		reader:    reader,
		ttl:       ttl,
		batchSize: int64(batchSize),
		log:       log.With().Str("component", "replay").Logger(),
	}
}

// ReplayMissedEvents reads the tenant log strictly after the client's cursor
// and re-emits every mappable event tagged as replayed, then signals
// replay_complete. A missing cursor skips replay entirely; a cursor older
// than the TTL (or unparseable) triggers resync_required without touching
// the log, bounding worst-case catch-up cost.
func (s *Service) ReplayMissedEvents(ctx context.Context, req Request, em Emitter) (Result, error) {
	if req.LastEventID == "" {
		metrics.ReplayFinished(string(StatusSkipped))
		return Result{Status: StatusSkipped}, nil
	}

	cursorTime, err := stream.IDTime(req.LastEventID)
	if err != nil || time.Since(cursorTime) > s.ttl {
		if err != nil {
			s.log.Warn().Err(err).Str("tenant_id", req.TenantID).
				Msg("unparseable replay cursor, forcing resync")
		}
		payload := domain.ResyncRequired{
			Reason:          reasonStaleCursor,
			LastEventID:     req.LastEventID,
			ReplayTTLMs:     s.ttl.Milliseconds(),
			ProtocolVersion: req.ProtocolVersion,
		}
		if err := em.Emit(domain.ControlResyncRequired, payload); err != nil {
			return Result{}, fmt.Errorf("emit resync_required: %w", err)
		}
		metrics.ReplayFinished(string(StatusResyncRequired))
		return Result{Status: StatusResyncRequired}, nil
	}

	cursor := req.LastEventID
	replayed := 0
	for {
		entries, err := s.reader.ReadAfter(ctx, req.TenantID, cursor, s.batchSize)
		if err != nil {
			return Result{}, fmt.Errorf("read tenant log after %s: %w", cursor, err)
		}

		for _, entry := range entries {
			var env domain.Envelope
			if err := json.Unmarshal(entry.Data, &env); err != nil {
				// Skip, don't abort: one bad record must not strand the
				// client behind it.
				s.log.Warn().Err(err).
					Str("tenant_id", req.TenantID).
					Str("entry_id", entry.ID).
					Msg("skipping malformed log envelope")
				continue
			}
			we, ok := mapper.Map(env.Event, env.Timestamp)
			if !ok {
				continue
			}
			we.Replayed = true
			we.EventID = entry.ID
			if err := em.Emit(we.Type, we); err != nil {
				return Result{}, fmt.Errorf("emit replayed event %s: %w", entry.ID, err)
			}
			replayed++
			metrics.EventReplayed()
		}

		// Advance past everything read, mapped or not, so replay always
		// makes forward progress.
		if len(entries) > 0 {
			cursor = entries[len(entries)-1].ID
		}
		if int64(len(entries)) < s.batchSize {
			break
		}
	}

	done := domain.ReplayComplete{
		ReplayedCount:   replayed,
		LastEventID:     cursor,
		ProtocolVersion: req.ProtocolVersion,
	}
	if err := em.Emit(domain.ControlReplayComplete, done); err != nil {
		return Result{}, fmt.Errorf("emit replay_complete: %w", err)
	}
	metrics.ReplayFinished(string(StatusCompleted))
	s.log.Debug().Str("tenant_id", req.TenantID).Int("replayed", replayed).
		Str("last_event_id", cursor).Msg("replay completed")

	return Result{
		Status:               StatusCompleted,
		ReplayedCount:        replayed,
		LastDeliveredEventID: cursor,
	}, nil
}
