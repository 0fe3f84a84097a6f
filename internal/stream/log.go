// Package stream is the client for the durable per-tenant event log and the
// live push channel, both backed by Redis: one stream per tenant for ordered,
// cursor-addressable history, one pub/sub channel per tenant for live fan-out.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arda-kanban/realtime-gateway/internal/domain"
)

const (
	streamKeyPrefix   = "arda:stream:"
	liveChannelPrefix = "arda:live:"
	envelopeField     = "envelope"
)

func streamKey(tenantID string) string {
	return streamKeyPrefix + tenantID
}

func liveChannel(tenantID string) string {
	return liveChannelPrefix + tenantID
}

// Entry is one raw log record: the stream-assigned id plus the serialized
// envelope stored under the envelope field.
type Entry struct {
	ID   string
	Data []byte
}

// IDTime extracts the wall-clock component of a stream id (<ms>-<seq>).
func IDTime(id string) (time.Time, error) {
	msPart, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	return time.UnixMilli(ms), nil
}

// NextID returns the smallest id strictly greater than the given one, so
// range reads can start exclusively after a cursor.
func NextID(id string) (string, error) {
	msPart, seqPart, found := strings.Cut(id, "-")
	if _, err := strconv.ParseInt(msPart, 10, 64); err != nil {
		return "", fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	if !found {
		return msPart + "-1", nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	return msPart + "-" + strconv.FormatUint(seq+1, 10), nil
}

// Log appends to and reads from the per-tenant durable log.
type Log struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewLog(rdb *redis.Client, log zerolog.Logger) *Log {
	return &Log{rdb: rdb, log: log.With().Str("component", "stream_log").Logger()}
}

// Append writes the envelope to the tenant's stream and returns the assigned
// id. The id is not embedded in the stored envelope; it lives on the stream
// entry itself.
func (l *Log) Append(ctx context.Context, env domain.Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(env.Event.TenantID),
		Values: map[string]any{envelopeField: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append tenant log: %w", err)
	}
	return id, nil
}

// ReadAfter returns up to count entries strictly after afterID, in log order.
func (l *Log) ReadAfter(ctx context.Context, tenantID, afterID string, count int64) ([]Entry, error) {
	start, err := NextID(afterID)
	if err != nil {
		return nil, err
	}
	msgs, err := l.rdb.XRangeN(ctx, streamKey(tenantID), start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read tenant log: %w", err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e := Entry{ID: m.ID}
		if raw, ok := m.Values[envelopeField].(string); ok {
			e.Data = []byte(raw)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Publish appends the event to the durable log and then notifies the
// tenant's live channel with the full envelope (id included). Subscribed
// bridge instances pick it up from there.
func (l *Log) Publish(ctx context.Context, evt domain.Event, source string) (string, error) {
	env := domain.Envelope{
		SchemaVersion: domain.SchemaVersion,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		Event:         evt,
	}
	id, err := l.Append(ctx, env)
	if err != nil {
		return "", err
	}
	env.ID = id

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	if err := l.rdb.Publish(ctx, liveChannel(evt.TenantID), data).Err(); err != nil {
		// The event is durable at this point; live subscribers will catch it
		// on their next replay.
		l.log.Error().Err(err).Str("tenant_id", evt.TenantID).Str("entry_id", id).
			Msg("failed to notify live channel")
		return id, fmt.Errorf("notify live channel: %w", err)
	}
	return id, nil
}
