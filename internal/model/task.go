package model

import "time"

// TaskStatus is the lifecycle state of a task run.
type TaskStatus string

const (
	TaskIdle            TaskStatus = "idle"
	TaskRunning         TaskStatus = "running"
	TaskWaitingForInput TaskStatus = "waiting_for_input"
	TaskCompleted       TaskStatus = "completed"
	TaskFailed          TaskStatus = "failed"
)

// Terminal reports whether s accepts no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Live reports whether a run in state s is still executing (or about to).
func (s TaskStatus) Live() bool {
	return s == TaskIdle || s == TaskRunning || s == TaskWaitingForInput
}

// PendingInput describes the input request a task is currently blocked on.
type PendingInput struct {
	Callback  string    `json:"callback"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskState is a point-in-time view of a task, safe to hand to callers.
type TaskState struct {
	Key        string        `json:"key"`
	Run        string        `json:"run"`
	Status     TaskStatus    `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Pending    *PendingInput `json:"pending_input,omitempty"`
	LastSeq    uint64        `json:"last_seq"`
	Viewers    int           `json:"viewers"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Account is a roster entry: a key the scheduler runs periodically.
type Account struct {
	Key       string    `json:"key"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MaskKey hides the middle of a key for admin listings ("555****0100").
// Keys too short to mask meaningfully are fully starred.
func MaskKey(key string) string {
	r := []rune(key)
	if len(r) <= 7 {
		out := make([]rune, len(r))
		for i := range out {
			out[i] = '*'
		}
		return string(out)
	}
	return string(r[:3]) + "****" + string(r[len(r)-4:])
}
