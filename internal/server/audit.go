package server

import (
	"fmt"
	"net"
	"net/http"

	"github.com/ashita-ai/hibiki/internal/model"
)

// audit records a state-changing request in the structured log and as an
// [ADMIN] line on the admin channel, so the dashboard sees roster edits and
// login attempts as they happen. resource must already be masked.
func (h *Handlers) audit(r *http.Request, operation, resource, outcome string) {
	ctx := r.Context()
	actor := "anonymous"
	if claims := ClaimsFromContext(ctx); claims != nil && claims.Subject != "" {
		actor = claims.Subject
	}
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}

	h.logger.InfoContext(ctx, "audit",
		"operation", operation,
		"resource", resource,
		"outcome", outcome,
		"actor", actor,
		"remote", remote,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(ctx),
	)

	msg := fmt.Sprintf("[ADMIN] %s %s by %s from %s: %s", operation, resource, actor, remote, outcome)
	if _, err := h.registry.Admin().Append(model.EventLog, model.LogPayload{Message: msg}); err != nil {
		h.logger.Debug("audit: admin channel closed", "error", err)
	}
}
