package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/hibiki/internal/auth"
	"github.com/ashita-ai/hibiki/internal/inputgate"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/registry"
	"github.com/ashita-ai/hibiki/internal/roster"
	"github.com/ashita-ai/hibiki/internal/runner"
	"github.com/ashita-ai/hibiki/internal/stream"
)

// TaskStarter starts a run for a key, or attaches to the live one.
type TaskStarter interface {
	Start(ctx context.Context, key string) (bool, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	registry            *registry.Registry
	starter             TaskStarter
	gate                *inputgate.Gate
	broker              *Broker
	roster              roster.Store
	admin               *auth.Admin
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	sseWriteTimeout     time.Duration
	secureCookies       bool
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Registry            *registry.Registry
	Starter             TaskStarter
	Gate                *inputgate.Gate
	Broker              *Broker
	Roster              roster.Store
	Admin               *auth.Admin
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	SSEWriteTimeout     time.Duration
	SecureCookies       bool
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		registry:            d.Registry,
		starter:             d.Starter,
		gate:                d.Gate,
		broker:              d.Broker,
		roster:              d.Roster,
		admin:               d.Admin,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		sseWriteTimeout:     d.SSEWriteTimeout,
		secureCookies:       d.SecureCookies,
	}
}

func failure(msg string) model.ResultResponse {
	return model.ResultResponse{Success: false, Error: msg}
}

// HandleTaskRun handles POST /task-run. Starting a key that already has a
// live run attaches to it and still succeeds.
func (h *Handlers) HandleTaskRun(w http.ResponseWriter, r *http.Request) {
	var req model.TaskRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeFlat(w, http.StatusBadRequest, failure(decodeErrorMessage(err)))
		return
	}
	if err := model.ValidateKey(req.Key); err != nil {
		writeFlat(w, http.StatusBadRequest, failure(err.Error()))
		return
	}

	isNew, err := h.starter.Start(r.Context(), req.Key)
	if err != nil {
		if errors.Is(err, runner.ErrStopped) {
			writeFlat(w, http.StatusServiceUnavailable, failure("server is shutting down"))
			return
		}
		h.logger.Error("start task failed", "key", req.Key, "error", err)
		writeFlat(w, http.StatusInternalServerError, failure("could not start task"))
		return
	}
	writeFlat(w, http.StatusOK, model.ResultResponse{Success: true, New: &isNew})
}

// HandleStream handles GET /stream (SSE). The resume point is the
// Last-Event-ID header when present, else the from query parameter.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if err := model.ValidateKey(key); err != nil {
		writeFlat(w, http.StatusBadRequest, failure(err.Error()))
		return
	}
	run, from, err := resumeCursor(r)
	if err != nil {
		writeFlat(w, http.StatusBadRequest, failure(err.Error()))
		return
	}
	task, err := h.registry.Get(key)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeFlat(w, http.StatusNotFound, failure("no task for this key; start one first"))
			return
		}
		writeFlat(w, http.StatusInternalServerError, failure("could not open stream"))
		return
	}
	h.serveSSE(w, r, task.Channel(), run, from)
}

// HandleTaskInput handles POST /task-input. An unknown or already answered
// callback is reported as {success:false}, not as an HTTP error.
func (h *Handlers) HandleTaskInput(w http.ResponseWriter, r *http.Request) {
	var req model.TaskInputRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeFlat(w, http.StatusBadRequest, failure(decodeErrorMessage(err)))
		return
	}
	if req.Callback == "" {
		writeFlat(w, http.StatusBadRequest, failure("callback is required"))
		return
	}
	if len(req.Value) > model.MaxInputValueLen {
		writeFlat(w, http.StatusBadRequest, failure("value is too long"))
		return
	}

	if err := h.gate.Resolve(req.Callback, req.Value); err != nil {
		if errors.Is(err, inputgate.ErrNotFound) {
			writeFlat(w, http.StatusOK, failure("invalid callback id"))
			return
		}
		h.logger.Error("resolve input failed", "callback", req.Callback, "error", err)
		writeFlat(w, http.StatusInternalServerError, failure("could not deliver input"))
		return
	}
	writeFlat(w, http.StatusOK, model.ResultResponse{Success: true})
}

// HandleAdminStream handles GET /admin-stream (SSE). all=1 replays the
// retained history; otherwise the stream starts at the live tail.
func (h *Handlers) HandleAdminStream(w http.ResponseWriter, r *http.Request) {
	admin := h.registry.Admin()
	var (
		run  string
		from uint64
	)
	switch {
	case r.Header.Get("Last-Event-ID") != "":
		var err error
		if run, from, err = resumeCursor(r); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	case r.URL.Query().Get("all") == "1":
		from = 0
	default:
		from = admin.LastSeq()
	}
	h.serveSSE(w, r, admin, run, from)
}

func (h *Handlers) serveSSE(w http.ResponseWriter, r *http.Request, ch *stream.Channel, run string, from uint64) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The server-wide WriteTimeout would cut idle streams; each frame gets
	// its own deadline instead.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.Flush()

	sub := h.broker.AttachRun(ch, run, from, newSSEWriter(w, h.sseWriteTimeout))
	if err := sub.Serve(r.Context()); err != nil {
		h.logger.Debug("viewer dropped", "channel", ch.Name(), "error", err)
	}
}

// resumeCursor returns the run and sequence a viewer has already seen. Event
// ids are "<run>:<seq>"; a bare sequence (the from parameter) leaves run
// empty, which means the current run.
func resumeCursor(r *http.Request) (string, uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("from")
	}
	if raw == "" {
		return "", 0, nil
	}
	run, seq, found := strings.Cut(raw, ":")
	if !found {
		run, seq = "", raw
	} else if run == "" {
		return "", 0, errors.New("event id is missing its run")
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", 0, errors.New("from must be a non-negative integer")
	}
	return run, n, nil
}

// HandleListTasks handles GET /tasks.
func (h *Handlers) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.registry.List())
}

// HandleGetTask handles GET /tasks/{key}.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	st, err := h.registry.Snapshot(r.PathValue("key"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read task")
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleViewers handles GET /admin/viewers.
func (h *Handlers) HandleViewers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.broker.Viewers())
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	rosterStatus := "connected"
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.roster.Ping(ctx); err != nil {
		rosterStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeFlat(w, httpStatus, model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Roster:      h.roster.Backend() + ":" + rosterStatus,
		ActiveTasks: h.registry.ActiveCount(),
		Viewers:     h.broker.ViewerCount(""),
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	})
}
