package inputgate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/registry"
)

func setup(t *testing.T, key string) (*registry.Registry, *registry.Task, *Gate) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registry.Config{}, logger)
	a, err := reg.StartOrAttach(key)
	require.NoError(t, err)
	require.NoError(t, a.Task.Begin())
	return reg, a.Task, New(reg, time.Second, logger)
}

// awaitCallback waits for the task to publish an input request and returns
// its callback id.
func awaitCallback(t *testing.T, task *registry.Task) string {
	t.Helper()
	var cb string
	require.Eventually(t, func() bool {
		p := task.Pending()
		if p == nil {
			return false
		}
		cb = p.Callback
		return true
	}, 2*time.Second, time.Millisecond)
	return cb
}

type result struct {
	value string
	err   error
}

func requestAsync(g *Gate, ctx context.Context, key, prompt string, timeout time.Duration) <-chan result {
	out := make(chan result, 1)
	go func() {
		v, err := g.Request(ctx, key, prompt, timeout)
		out <- result{v, err}
	}()
	return out
}

func TestRequest_ResolvedWithValue(t *testing.T) {
	_, task, g := setup(t, "555-0100")
	sub := task.Channel().Subscribe(0)
	defer sub.Close()

	res := requestAsync(g, context.Background(), "555-0100", "Continue?", 0)

	ev, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.EventInputRequest, ev.Kind)
	var p model.InputRequestPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.Equal(t, "Continue?", p.Prompt)
	assert.Empty(t, p.Key, "task channel payload carries no key")
	assert.Equal(t, model.TaskWaitingForInput, task.Status())

	pending, ok := g.Pending("555-0100")
	require.True(t, ok)
	assert.Equal(t, p.Callback, pending.Callback)

	require.NoError(t, g.Resolve(p.Callback, "Y"))
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "Y", r.value)
	assert.Equal(t, model.TaskRunning, task.Status())
	assert.Nil(t, task.Pending())
	assert.Equal(t, 0, g.Len())
}

func TestResolve_UnknownCallback(t *testing.T) {
	_, task, g := setup(t, "k")
	res := requestAsync(g, context.Background(), "k", "Continue?", 0)
	cb := awaitCallback(t, task)

	assert.ErrorIs(t, g.Resolve("not-"+cb, "Y"), ErrNotFound)
	assert.Equal(t, model.TaskWaitingForInput, task.Status(), "mismatch must not affect the task")

	require.NoError(t, g.Resolve(cb, "N"))
	assert.Equal(t, "N", (<-res).value)

	assert.ErrorIs(t, g.Resolve(cb, "again"), ErrNotFound, "second answer is rejected")
}

func TestRequest_AlreadyWaiting(t *testing.T) {
	_, task, g := setup(t, "k")
	first := requestAsync(g, context.Background(), "k", "First?", 0)
	cb := awaitCallback(t, task)

	_, err := g.Request(context.Background(), "k", "Second?", 0)
	assert.ErrorIs(t, err, ErrAlreadyWaiting)

	pending, ok := g.Pending("k")
	require.True(t, ok)
	assert.Equal(t, cb, pending.Callback)
	assert.Equal(t, "First?", pending.Prompt)
	assert.Equal(t, 1, g.Len())

	require.NoError(t, g.Resolve(cb, "ok"))
	assert.Equal(t, "ok", (<-first).value)
}

func TestRequest_TimeoutFreesSlot(t *testing.T) {
	_, task, g := setup(t, "k")

	_, err := g.Request(context.Background(), "k", "Continue?", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, model.TaskRunning, task.Status())
	assert.Nil(t, task.Pending())
	assert.Equal(t, 0, g.Len())

	// The slot is free for a new request.
	res := requestAsync(g, context.Background(), "k", "Again?", 0)
	cb := awaitCallback(t, task)
	require.NoError(t, g.Resolve(cb, "Y"))
	assert.Equal(t, "Y", (<-res).value)
}

func TestRequest_LateAnswerAfterTimeoutIsRejected(t *testing.T) {
	_, task, g := setup(t, "k")
	sub := task.Channel().Subscribe(0)
	defer sub.Close()

	_, err := g.Request(context.Background(), "k", "Continue?", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)

	ev, err := sub.Next(context.Background())
	require.NoError(t, err)
	var p model.InputRequestPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.ErrorIs(t, g.Resolve(p.Callback, "Y"), ErrNotFound)
}

func TestRequest_ContextCancelled(t *testing.T) {
	_, task, g := setup(t, "k")
	ctx, cancel := context.WithCancel(context.Background())
	res := requestAsync(g, ctx, "k", "Continue?", time.Minute)
	awaitCallback(t, task)
	cancel()

	r := <-res
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Nil(t, task.Pending())
	assert.Equal(t, 0, g.Len())
}

func TestRequest_UnknownTask(t *testing.T) {
	_, _, g := setup(t, "k")
	_, err := g.Request(context.Background(), "other", "Continue?", 0)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, 0, g.Len())
}

func TestResolveRacingTimeoutDeliversExactlyOnce(t *testing.T) {
	for range 50 {
		_, task, g := setup(t, "k")
		res := requestAsync(g, context.Background(), "k", "Continue?", 5*time.Millisecond)
		cb := awaitCallback(t, task)

		var wg sync.WaitGroup
		var resolveErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(4 * time.Millisecond)
			resolveErr = g.Resolve(cb, "Y")
		}()
		r := <-res
		wg.Wait()

		if resolveErr == nil {
			require.NoError(t, r.err, "accepted answer must reach the task")
			assert.Equal(t, "Y", r.value)
		} else {
			assert.ErrorIs(t, r.err, ErrTimedOut)
		}
		assert.Nil(t, task.Pending())
	}
}
