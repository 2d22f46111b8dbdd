// Package api exposes the authenticated dispatch endpoint.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ignite/mailpipe/internal/dispatch"
	"github.com/ignite/mailpipe/internal/pkg/httputil"
	"github.com/ignite/mailpipe/internal/pkg/logger"
)

// Sender runs one dispatch. *dispatch.Dispatcher satisfies it.
type Sender interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Handlers holds the dispatch API handlers.
type Handlers struct {
	sender Sender
}

// NewHandlers creates the API handlers.
func NewHandlers(sender Sender) *Handlers {
	return &Handlers{sender: sender}
}

// HandleDispatch accepts a dispatch request and runs it synchronously.
// The response enumerates every recipient's outcome; a partial failure is
// still a 200 with success=true.
func (h *Handlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	// Tracking defaults to on; the payload has to opt out explicitly.
	req := dispatch.Request{TrackingEnabled: true}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Subject == "" {
		httputil.BadRequest(w, "subject is required")
		return
	}
	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "recipients is required")
		return
	}

	res, err := h.sender.Dispatch(r.Context(), req)
	if err != nil {
		if errors.Is(err, dispatch.ErrNoRecipients) {
			httputil.BadRequest(w, err.Error())
			return
		}
		if errors.Is(err, dispatch.ErrAuth) {
			httputil.Unauthorized(w, "provider credentials rejected")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	logger.Info("dispatch request handled",
		"email_id", res.EmailID, "status", res.Status, "recipients", len(res.Recipients))
	httputil.OK(w, res)
}

// HandleHealth is the liveness endpoint.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}
