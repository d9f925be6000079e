package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/stream"
)

func testRegistry(cfg Config) *Registry {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func readAll(t *testing.T, sub *stream.Subscription, n int) []model.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make([]model.Event, 0, n)
	for range n {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestStartOrAttach_NewThenAttach(t *testing.T) {
	r := testRegistry(Config{})

	a, err := r.StartOrAttach("555-0100")
	require.NoError(t, err)
	assert.True(t, a.IsNew)
	assert.Equal(t, model.TaskIdle, a.Task.Status())

	b, err := r.StartOrAttach("555-0100")
	require.NoError(t, err)
	assert.False(t, b.IsNew)
	assert.Same(t, a.Task, b.Task)
}

func TestStartOrAttach_RejectsInvalidKey(t *testing.T) {
	r := testRegistry(Config{})
	_, err := r.StartOrAttach("")
	require.Error(t, err)
	assert.Empty(t, r.List())
}

func TestStartOrAttach_ConcurrentCallersShareOneTask(t *testing.T) {
	r := testRegistry(Config{})

	const callers = 64
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		tasks = make(map[*Task]int)
		fresh int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := r.StartOrAttach("555-0100")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			tasks[a.Task]++
			if a.IsNew {
				fresh++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, tasks, 1)
	assert.Equal(t, 1, fresh)
}

func TestStartOrAttach_ReplacesFinishedTask(t *testing.T) {
	r := testRegistry(Config{})
	a, err := r.StartOrAttach("k")
	require.NoError(t, err)
	require.NoError(t, a.Task.Begin())
	require.NoError(t, r.MarkDone("k", Success()))

	b, err := r.StartOrAttach("k")
	require.NoError(t, err)
	assert.True(t, b.IsNew)
	assert.NotSame(t, a.Task, b.Task)
	assert.Equal(t, model.TaskCompleted, a.Task.Status())
}

func TestReplacedRunDoesNotReuseCursor(t *testing.T) {
	r := testRegistry(Config{})
	a, err := r.StartOrAttach("k")
	require.NoError(t, err)
	require.NoError(t, a.Task.Begin())
	for _, msg := range []string{"a1", "a2", "a3"} {
		require.NoError(t, a.Task.Log(msg))
	}
	require.NoError(t, r.MarkDone("k", Success()))
	runA := a.Task.Channel().Run()

	b, err := r.StartOrAttach("k")
	require.NoError(t, err)
	require.True(t, b.IsNew)
	require.NoError(t, b.Task.Begin())
	for _, msg := range []string{"b1", "b2", "b3", "b4", "b5"} {
		require.NoError(t, b.Task.Log(msg))
	}
	runB := b.Task.Channel().Run()
	require.NotEmpty(t, runA)
	assert.NotEqual(t, runA, runB)
	assert.Equal(t, runB, b.Task.State().Run)

	sub := b.Task.Channel().Resume(runA, 3)
	defer sub.Close()
	events := readAll(t, sub, 1)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.JSONEq(t, `{"message":"b1"}`, string(events[0].Data))
}

func TestTask_IdleCannotEmitOrWait(t *testing.T) {
	r := testRegistry(Config{})
	a, err := r.StartOrAttach("k")
	require.NoError(t, err)
	task := a.Task

	assert.ErrorIs(t, task.AwaitInput(model.PendingInput{Callback: "cb", Prompt: "Code?"}), ErrNotStarted)
	assert.ErrorIs(t, task.Log("too early"), ErrNotStarted)
	assert.Equal(t, model.TaskIdle, task.Status())
	assert.Nil(t, task.Pending())
	assert.False(t, task.EndInput("cb"))
	assert.Equal(t, model.TaskIdle, task.Status())
	assert.Equal(t, uint64(0), task.Channel().LastSeq())

	st := task.State()
	assert.Nil(t, st.StartedAt)

	require.NoError(t, task.Begin())
	require.NoError(t, task.AwaitInput(model.PendingInput{Callback: "cb", Prompt: "Code?"}))
	assert.Equal(t, model.TaskWaitingForInput, task.Status())
	assert.NotNil(t, task.State().StartedAt)
}

func TestGet_NotFound(t *testing.T) {
	r := testRegistry(Config{})
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Snapshot("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.MarkDone("missing", Success()), ErrNotFound)
}

func TestTaskLifecycle(t *testing.T) {
	r := testRegistry(Config{})
	a, err := r.StartOrAttach("k")
	require.NoError(t, err)
	task := a.Task

	require.NoError(t, task.Begin())
	assert.Equal(t, model.TaskRunning, task.Status())
	assert.Error(t, task.Begin(), "begin twice")

	require.NoError(t, task.Log("hello"))
	require.NoError(t, task.AwaitInput(model.PendingInput{Callback: "cb-1", Prompt: "Continue?"}))
	assert.Equal(t, model.TaskWaitingForInput, task.Status())

	assert.False(t, task.EndInput("cb-other"))
	assert.True(t, task.EndInput("cb-1"))
	assert.Equal(t, model.TaskRunning, task.Status())

	require.NoError(t, r.MarkDone("k", Failure("boom")))
	assert.Equal(t, model.TaskFailed, task.Status())
	select {
	case <-task.Done():
	default:
		t.Fatal("Done channel not closed")
	}

	assert.ErrorIs(t, r.MarkDone("k", Success()), ErrTerminal)
	assert.ErrorIs(t, task.Log("late"), ErrTerminal)
	assert.ErrorIs(t, task.Begin(), ErrTerminal)
	assert.ErrorIs(t, task.AwaitInput(model.PendingInput{Callback: "x"}), ErrTerminal)

	st := task.State()
	assert.Equal(t, "boom", st.Reason)
	assert.NotNil(t, st.StartedAt)
	assert.NotNil(t, st.FinishedAt)
	assert.Equal(t, uint64(3), st.LastSeq, "log, input_request, done")
}

func TestAwaitInput_AlreadyWaitingKeepsFirstRequest(t *testing.T) {
	r := testRegistry(Config{})
	a, _ := r.StartOrAttach("k")
	require.NoError(t, a.Task.Begin())

	require.NoError(t, a.Task.AwaitInput(model.PendingInput{Callback: "first", Prompt: "A?"}))
	err := a.Task.AwaitInput(model.PendingInput{Callback: "second", Prompt: "B?"})
	assert.ErrorIs(t, err, ErrAlreadyWaiting)

	p := a.Task.Pending()
	require.NotNil(t, p)
	assert.Equal(t, "first", p.Callback)
	assert.Equal(t, uint64(1), a.Task.Channel().LastSeq(), "second request must not be published")
}

func TestDoneEventCarriesOutcome(t *testing.T) {
	r := testRegistry(Config{})
	a, _ := r.StartOrAttach("k")
	sub := a.Task.Channel().Subscribe(0)
	defer sub.Close()

	require.NoError(t, a.Task.Begin())
	require.NoError(t, r.MarkDone("k", Failure("exit status 2")))

	events := readAll(t, sub, 1)
	require.Equal(t, model.EventDone, events[0].Kind)
	var p model.DonePayload
	require.NoError(t, json.Unmarshal(events[0].Data, &p))
	assert.Equal(t, model.TaskFailed, p.Status)
	assert.Equal(t, "exit status 2", p.Reason)

	_, err := sub.Next(context.Background())
	assert.True(t, errors.Is(err, io.EOF))
}

func TestAdminForwarding(t *testing.T) {
	r := testRegistry(Config{})
	admin := r.Admin().Subscribe(0)
	defer admin.Close()

	a, _ := r.StartOrAttach("555-0100")
	task := a.Task
	require.NoError(t, task.Begin())
	require.NoError(t, task.Log("logging in"))
	require.NoError(t, task.AwaitInput(model.PendingInput{Callback: "cb", Prompt: "Code?"}))
	task.EndInput("cb")
	require.NoError(t, task.Emit(model.EventTimer, model.TimerPayload{Remain: 30}))
	require.NoError(t, r.MarkDone("555-0100", Success()))

	events := readAll(t, admin, 4)

	assert.Equal(t, model.EventLog, events[0].Kind)
	assert.JSONEq(t, `{"message":"[555-0100] logging in"}`, string(events[0].Data))

	assert.Equal(t, model.EventInputRequest, events[1].Kind)
	assert.JSONEq(t, `{"key":"555-0100","prompt":"Code?","callback":"cb"}`, string(events[1].Data))

	assert.Equal(t, model.EventTimer, events[2].Kind)
	assert.JSONEq(t, `{"remain":30}`, string(events[2].Data))

	assert.Equal(t, model.EventLog, events[3].Kind)
	assert.JSONEq(t, `{"message":"[555-0100] run completed"}`, string(events[3].Data))
}

func TestAdminForwarding_PreservesPerTaskOrder(t *testing.T) {
	r := testRegistry(Config{AdminCapacity: 10000})
	admin := r.Admin().Subscribe(0)
	defer admin.Close()

	keys := []string{"a", "b", "c", "d"}
	const perTask = 200
	var wg sync.WaitGroup
	for _, key := range keys {
		a, err := r.StartOrAttach(key)
		require.NoError(t, err)
		require.NoError(t, a.Task.Begin())
		wg.Add(1)
		go func(task *Task) {
			defer wg.Done()
			for i := range perTask {
				_ = task.Log(strconv.Itoa(i))
			}
		}(a.Task)
	}
	wg.Wait()

	next := make(map[string]int)
	for _, ev := range readAll(t, admin, len(keys)*perTask) {
		var p model.LogPayload
		require.NoError(t, json.Unmarshal(ev.Data, &p))
		key, n, ok := strings.Cut(strings.TrimPrefix(p.Message, "["), "] ")
		require.True(t, ok, p.Message)
		assert.Equal(t, strconv.Itoa(next[key]), n, "task %s out of order", key)
		next[key]++
	}
	for _, key := range keys {
		assert.Equal(t, perTask, next[key])
	}
}

func TestListAndActiveCount(t *testing.T) {
	r := testRegistry(Config{})
	for _, k := range []string{"b", "a", "c"} {
		_, err := r.StartOrAttach(k)
		require.NoError(t, err)
	}
	a, _ := r.Get("a")
	require.NoError(t, a.Begin())
	require.NoError(t, r.MarkDone("a", Success()))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Key)
	assert.Equal(t, "b", list[1].Key)
	assert.Equal(t, model.TaskCompleted, list[0].Status)
	assert.Equal(t, 2, r.ActiveCount())
}

func TestSweep(t *testing.T) {
	r := testRegistry(Config{Retention: time.Minute})
	a, _ := r.StartOrAttach("done")
	_, _ = r.StartOrAttach("live")
	require.NoError(t, a.Task.Begin())
	require.NoError(t, r.MarkDone("done", Success()))

	viewer := a.Task.Channel().Subscribe(0)
	later := time.Now().Add(2 * time.Minute)
	assert.Equal(t, 0, r.Sweep(later), "task with a viewer is kept")

	viewer.Close()
	assert.Equal(t, 0, r.Sweep(time.Now()), "within retention")
	assert.Equal(t, 1, r.Sweep(later))

	_, err := r.Get("done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("live")
	assert.NoError(t, err)
}
