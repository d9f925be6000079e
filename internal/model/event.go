package model

import (
	"encoding/json"
	"time"
)

// EventKind names an event on a task or admin channel. The values double as
// the SSE event names the browser viewers listen for.
type EventKind string

const (
	EventLog          EventKind = "log"
	EventInputRequest EventKind = "input_request"
	EventTimer        EventKind = "timer"
	EventDone         EventKind = "done"

	// EventTruncated is synthesized for a subscriber whose cursor fell out of
	// the retained window. It is never stored in a channel.
	EventTruncated EventKind = "truncated"
)

// Valid reports whether k may be appended to a channel.
func (k EventKind) Valid() bool {
	switch k {
	case EventLog, EventInputRequest, EventTimer, EventDone:
		return true
	}
	return false
}

// Event is one entry of a channel. Seq is assigned at append time and is
// strictly increasing per channel, starting at 1. Run identifies the channel
// the event came from, since every run of a key restarts Seq. Data holds the
// payload encoded once at append time, so an Event is immutable after
// creation.
type Event struct {
	Seq  uint64          `json:"seq"`
	Run  string          `json:"run,omitempty"`
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
	At   time.Time       `json:"at"`
}

// LogPayload is the payload of a log event.
type LogPayload struct {
	Message string `json:"message"`
}

// InputRequestPayload is the payload of an input_request event. Key is only
// set on the admin channel, where events from every task are interleaved.
type InputRequestPayload struct {
	Key      string `json:"key,omitempty"`
	Prompt   string `json:"prompt"`
	Callback string `json:"callback"`
}

// TimerPayload carries the seconds remaining until the next scheduled run.
type TimerPayload struct {
	Remain int64 `json:"remain"`
}

// DonePayload is the payload of the terminal event of a task channel.
type DonePayload struct {
	Status TaskStatus `json:"status,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// TruncatedPayload tells a subscriber that events between Requested and
// Oldest were evicted before it could read them.
type TruncatedPayload struct {
	Requested uint64 `json:"requested"`
	Oldest    uint64 `json:"oldest"`
}
