package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arda-kanban/realtime-gateway/internal/domain"
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrWriteBacklog = errors.New("connection write backlog full")
)

const (
	// writeBacklog bounds frames queued between Emit and the writer. The
	// bridge already buffers per connection; this only smooths the last hop.
	writeBacklog = 256

	heartbeatInterval = 25 * time.Second
)

type frame struct {
	name string
	id   string
	data []byte
}

// Conn adapts one SSE client connection to the bridge's Subscriber and the
// replay service's Emitter. Emit never blocks: frames go through a buffered
// channel drained by the handler goroutine that owns the ResponseWriter.
type Conn struct {
	id        string
	frames    chan frame
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func newConn(log zerolog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		frames: make(chan frame, writeBacklog),
		done:   make(chan struct{}),
		log:    log.With().Str("connection_id", id).Logger(),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Emit(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	f := frame{name: name, data: data}
	// Replayed events carry their log id so EventSource clients resume from
	// the right cursor automatically.
	if we, ok := payload.(domain.WireEvent); ok && we.EventID != "" {
		f.id = we.EventID
	}

	select {
	case <-c.done:
		return ErrConnClosed
	case c.frames <- f:
		return nil
	default:
		return ErrWriteBacklog
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// serve writes queued frames to the response until the request context or
// the connection is closed. Must run on the handler goroutine.
func (c *Conn) serve(ctx context.Context, w http.ResponseWriter, flusher http.Flusher) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.frames:
			if err := writeFrame(w, f); err != nil {
				c.log.Debug().Err(err).Msg("write failed, closing connection")
				c.Close()
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				c.Close()
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, f frame) error {
	if f.id != "" {
		if _, err := w.Write([]byte("id: " + f.id + "\n")); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("event: " + f.name + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(f.data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
