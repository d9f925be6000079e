// Package stream implements the ordered, replayable event channel behind
// every task run and the admin feed.
//
// A Channel has exactly one producer and any number of subscribers. Events
// live in a bounded ring; subscribers pull from the ring with their own
// cursor, so a slow or absent subscriber never blocks the producer. A
// subscriber whose cursor falls out of the ring is handed a truncated
// marker before it resumes at the oldest retained event.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// DefaultCapacity is the number of events a task channel retains.
const DefaultCapacity = 500

// ErrClosed is returned by Append and Close once the channel has been closed.
var ErrClosed = errors.New("stream: channel closed")


// ForwardFunc observes every event appended to a channel, in sequence order.
// It runs while the channel lock is held and must not call back into the
// same channel.
type ForwardFunc func(channel string, ev model.Event)

// Option configures a Channel.
type Option func(*Channel)

// WithForward installs fn to observe every appended event.
func WithForward(fn ForwardFunc) Option {
	return func(c *Channel) { c.forward = fn }
}

// WithRun tags the channel with the identity of the run it carries. Sequence
// numbers restart at 1 for every run of a key, so a resume cursor is only
// meaningful together with the run it was taken from.
func WithRun(id string) Option {
	return func(c *Channel) { c.run = id }
}

// WithClock replaces the time source used to stamp events. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// Channel is a single-producer, multi-consumer ordered event stream.
type Channel struct {
	name     string
	run      string
	capacity int
	forward  ForwardFunc
	now      func() time.Time
	appended metric.Int64Counter

	mu      sync.Mutex
	ring    []model.Event
	head    int // index of the oldest retained event
	size    int
	nextSeq uint64
	closed  bool
	wake    chan struct{} // closed and replaced on every append
	subs    int
}

// New creates a channel that retains the last capacity events.
// A non-positive capacity selects DefaultCapacity.
func New(name string, capacity int, opts ...Option) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Channel{
		name:     name,
		capacity: capacity,
		now:      time.Now,
		ring:     make([]model.Event, capacity),
		nextSeq:  1,
		wake:     make(chan struct{}),
	}
	c.appended, _ = telemetry.Meter("hibiki/stream").Int64Counter("hibiki.stream.appended",
		metric.WithDescription("Events appended to task and admin channels"))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the channel's name (the task key, or "admin").
func (c *Channel) Name() string { return c.name }

// Run returns the run identity set with WithRun.
func (c *Channel) Run() string { return c.run }

// Capacity returns the number of events the ring retains.
func (c *Channel) Capacity() int { return c.capacity }

// Append encodes payload, assigns it the next sequence number and wakes every
// waiting subscriber. It never blocks on consumers. Done events are appended
// only through Close.
func (c *Channel) Append(kind model.EventKind, payload any) (uint64, error) {
	if !kind.Valid() || kind == model.EventDone {
		return 0, fmt.Errorf("stream: cannot append %q event", kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("stream: encode %s payload: %w", kind, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	ev := c.pushLocked(kind, data)
	c.mu.Unlock()

	c.recordAppend(kind)
	return ev.Seq, nil
}

// Close appends the terminal done event carrying payload and rejects all
// later appends. Subscribers drain whatever is buffered and then see io.EOF.
func (c *Channel) Close(payload model.DonePayload) (uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("stream: encode done payload: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	ev := c.pushLocked(model.EventDone, data)
	c.closed = true
	c.mu.Unlock()

	c.recordAppend(model.EventDone)
	return ev.Seq, nil
}

// pushLocked stores a new event in the ring, forwards it and wakes waiters.
// Forwarding under the lock keeps forwarded events in channel order.
func (c *Channel) pushLocked(kind model.EventKind, data json.RawMessage) model.Event {
	ev := model.Event{Seq: c.nextSeq, Run: c.run, Kind: kind, Data: data, At: c.now().UTC()}
	c.nextSeq++

	if c.size < c.capacity {
		c.ring[(c.head+c.size)%c.capacity] = ev
		c.size++
	} else {
		c.ring[c.head] = ev
		c.head = (c.head + 1) % c.capacity
	}

	if c.forward != nil {
		c.forward(c.name, ev)
	}

	close(c.wake)
	c.wake = make(chan struct{})
	return ev
}

func (c *Channel) recordAppend(kind model.EventKind) {
	if c.appended == nil {
		return
	}
	c.appended.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("hibiki.event_kind", string(kind)),
	))
}

// oldestLocked returns the sequence of the oldest retained event, or the next
// sequence to be assigned when nothing is retained.
func (c *Channel) oldestLocked() uint64 {
	return c.nextSeq - uint64(c.size)
}

// LastSeq returns the sequence of the newest event, or 0 if none.
func (c *Channel) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq - 1
}

// Oldest returns the sequence of the oldest retained event.
func (c *Channel) Oldest() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.oldestLocked()
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribers returns the number of open subscriptions.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

// Tail returns up to n of the newest retained events, oldest first.
func (c *Channel) Tail(n int) []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || c.size == 0 {
		return nil
	}
	if n > c.size {
		n = c.size
	}
	out := make([]model.Event, n)
	start := c.size - n
	for i := range n {
		out[i] = c.ring[(c.head+start+i)%c.capacity]
	}
	return out
}

// Subscribe opens a cursor positioned after sequence from: the first event
// delivered is from+1. A cursor beyond the newest event (for example a
// Last-Event-ID left over from a previous run of the same key) is reset to 0.
func (c *Channel) Subscribe(from uint64) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if from >= c.nextSeq {
		from = 0
	}
	c.subs++
	return &Subscription{c: c, cursor: from}
}

// Resume opens a cursor for a viewer that last saw seq of run. A cursor from
// another run starts over at the beginning of this one; an empty run is taken
// to mean this run.
func (c *Channel) Resume(run string, seq uint64) *Subscription {
	if run != "" && run != c.run {
		seq = 0
	}
	return c.Subscribe(seq)
}

// Subscription is one consumer's position in a Channel. It is not safe for
// concurrent use; each viewer owns its own.
type Subscription struct {
	c      *Channel
	cursor uint64 // last sequence delivered
	once   sync.Once
}

// Cursor returns the sequence of the last event delivered.
func (s *Subscription) Cursor() uint64 { return s.cursor }

// Next returns the next event in sequence order, blocking until one is
// appended, the channel is closed and drained (io.EOF), or ctx is done.
func (s *Subscription) Next(ctx context.Context) (model.Event, error) {
	for {
		ev, wait, err := s.poll()
		if err != nil {
			return model.Event{}, err
		}
		if wait == nil {
			return ev, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		}
	}
}

// poll returns the next event, or a wake channel to wait on when the
// subscriber is caught up.
func (s *Subscription) poll() (model.Event, <-chan struct{}, error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	want := s.cursor + 1
	oldest := c.oldestLocked()
	if want < oldest {
		data, _ := json.Marshal(model.TruncatedPayload{Requested: want, Oldest: oldest})
		s.cursor = oldest - 1
		return model.Event{Kind: model.EventTruncated, Data: data, At: c.now().UTC()}, nil, nil
	}
	if want < c.nextSeq {
		ev := c.ring[(c.head+int(want-oldest))%c.capacity]
		s.cursor = want
		return ev, nil, nil
	}
	if c.closed {
		return model.Event{}, nil, io.EOF
	}
	return model.Event{}, c.wake, nil
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.c.mu.Lock()
		s.c.subs--
		s.c.mu.Unlock()
	})
}
