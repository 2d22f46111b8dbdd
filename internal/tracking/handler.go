package tracking

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailpipe/internal/pkg/logger"
)

// EventStore is the persistence surface the tracking endpoints need.
// Writes are best-effort: a store failure must never surface to the mail
// client fetching a pixel or following a redirect.
type EventStore interface {
	RecordOpen(ctx context.Context, messageID, recipient, ip, userAgent string) error
	RecordClick(ctx context.Context, messageID, recipient, destination, ip, userAgent string) error
	RecordUnsubscribe(ctx context.Context, messageID, recipient, ip, userAgent string) error
}

// Handler serves the unauthenticated tracking endpoints hit by remote mail
// clients.
type Handler struct {
	store EventStore
}

// NewHandler creates a tracking Handler over the given store.
func NewHandler(store EventStore) *Handler {
	return &Handler{store: store}
}

// Routes returns the tracking router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get(OpenPath, h.HandleOpen)
	r.Get(ClickPath, h.HandleClick)
	r.Get(UnsubscribePath, h.HandleUnsubscribe)
	r.Get("/healthz", h.HandleHealth)
	return r
}

// HandleOpen records an open event and serves the transparent pixel.
// The pixel is served on every valid request, including bot traffic and
// store failures; only missing parameters produce an error status.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	messageID := q.Get("id")
	recipient := q.Get("r")
	if messageID == "" || recipient == "" {
		http.Error(w, "missing id or r", http.StatusBadRequest)
		return
	}

	ua := r.UserAgent()
	if IsBot(ua) {
		logger.Debug("open skipped for bot", "message_id", messageID, "user_agent", ua)
		h.servePixel(w)
		return
	}

	if err := h.store.RecordOpen(r.Context(), messageID, recipient, realIP(r), ua); err != nil {
		logger.Error("record open failed", "message_id", messageID, "recipient", recipient, "error", err)
	}
	h.servePixel(w)
}

// HandleClick records a click event and redirects to the original
// destination. The redirect target comes strictly from the url query
// parameter captured at link-generation time, never from this request's
// own URL. A logging failure does not prevent navigation.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	messageID := q.Get("email_id")
	recipient := q.Get("recipient")
	destination := q.Get("url")
	if messageID == "" || recipient == "" || destination == "" {
		http.Error(w, "missing email_id, recipient or url", http.StatusBadRequest)
		return
	}

	parsed, err := url.Parse(destination)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		http.Error(w, "invalid destination url", http.StatusBadRequest)
		return
	}

	if err := h.store.RecordClick(r.Context(), messageID, recipient, destination, realIP(r), r.UserAgent()); err != nil {
		logger.Error("record click failed", "message_id", messageID, "recipient", recipient, "error", err)
	}

	http.Redirect(w, r, destination, http.StatusFound)
}

// HandleUnsubscribe records an unsubscribe and serves a confirmation page.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	messageID := q.Get("email_id")
	recipient := q.Get("recipient")
	if messageID == "" || recipient == "" {
		http.Error(w, "missing email_id or recipient", http.StatusBadRequest)
		return
	}

	if err := h.store.RecordUnsubscribe(r.Context(), messageID, recipient, realIP(r), r.UserAgent()); err != nil {
		logger.Error("record unsubscribe failed", "message_id", messageID, "recipient", recipient, "error", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from us.</p>
	</body></html>`))
}

// HandleHealth is the liveness endpoint.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(PixelPNG)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
