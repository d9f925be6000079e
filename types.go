package hibiki

import "time"

// TaskStatus is how a finished run ended.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskResult describes a finished run. It is handed to TaskHook
// implementations and carries no internal types.
type TaskResult struct {
	Key      string
	Status   TaskStatus
	Reason   string // empty unless Status is TaskFailed
	Duration time.Duration
}
