package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/stream"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// DefaultHeartbeat is the idle time after which a keepalive comment is sent.
const DefaultHeartbeat = 15 * time.Second

// Sink receives the events of one viewer connection.
type Sink interface {
	WriteEvent(ev model.Event) error
	WriteHeartbeat() error
}

// Broker attaches viewer connections to event channels and keeps track of
// them. Viewers pull from the channel's ring at their own pace, so a slow
// connection never holds up the task producing events.
type Broker struct {
	heartbeat time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
}

// NewBroker creates a Broker. A non-positive heartbeat uses DefaultHeartbeat.
func NewBroker(heartbeat time.Duration, logger *slog.Logger) *Broker {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Broker{
		heartbeat: heartbeat,
		logger:    logger,
		subs:      make(map[uint64]*Subscriber),
	}
}

// Subscriber is one viewer attached to one channel.
type Subscriber struct {
	id       uint64
	broker   *Broker
	channel  *stream.Channel
	sub      *stream.Subscription
	sink     Sink
	since    time.Time
	cursor   atomic.Uint64
	detached sync.Once
}

// ViewerInfo describes an attached viewer.
type ViewerInfo struct {
	ID      uint64    `json:"id"`
	Channel string    `json:"channel"`
	Cursor  uint64    `json:"cursor"`
	Since   time.Time `json:"since"`
}

// Attach subscribes sink to ch starting after sequence from. Call Serve on
// the result to pump events.
func (b *Broker) Attach(ch *stream.Channel, from uint64, sink Sink) *Subscriber {
	return b.AttachRun(ch, ch.Run(), from, sink)
}

// AttachRun is Attach for a viewer resuming a cursor taken from run. A cursor
// from an earlier run of the same key starts at the beginning of ch.
func (b *Broker) AttachRun(ch *stream.Channel, run string, from uint64, sink Sink) *Subscriber {
	sub := ch.Resume(run, from)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscriber{
		id:      b.nextID,
		broker:  b,
		channel: ch,
		sub:     sub,
		sink:    sink,
		since:   time.Now().UTC(),
	}
	s.cursor.Store(sub.Cursor())
	b.subs[s.id] = s
	return s
}

// Serve forwards events to the sink until the channel ends, ctx is done, or
// a write fails. A keepalive is written after every idle heartbeat period.
// It returns nil on a clean end and the write error otherwise.
func (s *Subscriber) Serve(ctx context.Context) error {
	defer s.detach()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.broker.heartbeat)
		ev, err := s.sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if werr := s.sink.WriteEvent(ev); werr != nil {
				return fmt.Errorf("server: write event: %w", werr)
			}
			if ev.Seq > 0 {
				s.cursor.Store(ev.Seq)
			}
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			if werr := s.sink.WriteHeartbeat(); werr != nil {
				return fmt.Errorf("server: write heartbeat: %w", werr)
			}
		default:
			return err
		}
	}
}

func (s *Subscriber) detach() {
	s.detached.Do(func() {
		s.sub.Close()
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
	})
}

// Viewers lists every attached viewer, ordered by attach time.
func (b *Broker) Viewers() []ViewerInfo {
	b.mu.Lock()
	out := make([]ViewerInfo, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, ViewerInfo{
			ID:      s.id,
			Channel: s.channel.Name(),
			Cursor:  s.cursor.Load(),
			Since:   s.since,
		})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ViewerCount returns the number of viewers attached to the named channel,
// or to any channel when name is empty.
func (b *Broker) ViewerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		return len(b.subs)
	}
	n := 0
	for _, s := range b.subs {
		if s.channel.Name() == name {
			n++
		}
	}
	return n
}

// RegisterMetrics registers the connected viewer gauge.
func (b *Broker) RegisterMetrics() {
	meter := telemetry.Meter("hibiki/broker")
	_, _ = meter.Int64ObservableGauge("hibiki.broker.viewers",
		metric.WithDescription("Connected SSE viewers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.ViewerCount("")))
			return nil
		}),
	)
}

// sseWriter is the Sink for an HTTP response in text/event-stream format.
type sseWriter struct {
	w            io.Writer
	rc           *http.ResponseController
	writeTimeout time.Duration
}

func newSSEWriter(w http.ResponseWriter, writeTimeout time.Duration) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w), writeTimeout: writeTimeout}
}

func (s *sseWriter) WriteEvent(ev model.Event) error { return s.write(formatSSE(ev)) }

func (s *sseWriter) WriteHeartbeat() error { return s.write([]byte(":keepalive\n\n")) }

// write sends one frame. Each write gets its own deadline so a stalled
// client is dropped instead of pinning the handler.
func (s *sseWriter) write(frame []byte) error {
	if s.writeTimeout > 0 {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// formatSSE encodes an event as an SSE frame. The id is "<run>:<seq>" so a
// reconnecting viewer names the run it was following. Markers (Seq 0) carry
// no id so they never move the client's Last-Event-ID.
func formatSSE(ev model.Event) []byte {
	buf := make([]byte, 0, len(ev.Data)+len(ev.Run)+48)
	if ev.Seq > 0 {
		buf = append(buf, "id: "...)
		if ev.Run != "" {
			buf = append(buf, ev.Run...)
			buf = append(buf, ':')
		}
		buf = strconv.AppendUint(buf, ev.Seq, 10)
		buf = append(buf, '\n')
	}
	buf = append(buf, "event: "...)
	buf = append(buf, string(ev.Kind)...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, ev.Data...)
	buf = append(buf, "\n\n"...)
	return buf
}
