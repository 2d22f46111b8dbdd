package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/mailpipe/internal/content"
	"github.com/ignite/mailpipe/internal/pkg/logger"
	"github.com/ignite/mailpipe/internal/store"
	"github.com/ignite/mailpipe/internal/tracking"
)

// DispatchStore is the persistence surface the dispatcher needs.
type DispatchStore interface {
	RecordSend(ctx context.Context, rec store.SendRecord) error
	UpdateSendStatus(ctx context.Context, emailID, status string) error
	MarkCampaignSent(ctx context.Context, campaignID string) error
	IsSuppressed(ctx context.Context, email string) (bool, error)
}

// TokenRefresher performs the one-shot credential refresh after a transport
// reports ErrAuth.
type TokenRefresher interface {
	Refresh(ctx context.Context) (string, error)
}

// RecipientList accepts either a single address string or an array of
// addresses on the wire.
type RecipientList []string

func (r *RecipientList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RecipientList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*r = list
	return nil
}

// Request describes one dispatch: a subject, a body, and a recipient list.
// Body accepts either a prebuilt HTML string or a JSON array of content
// blocks; anything else renders the fallback body.
type Request struct {
	CampaignID      string          `json:"campaignId,omitempty"`
	Subject         string          `json:"subject"`
	Body            json.RawMessage `json:"body"`
	Recipients      RecipientList   `json:"to"`
	TrackingEnabled bool            `json:"trackingEnabled"`
	Variables       map[string]any  `json:"variables,omitempty"`
}

// RecipientResult is the outcome for a single recipient. Error is empty on
// success.
type RecipientResult struct {
	Recipient  string `json:"recipient"`
	Status     string `json:"status"`
	ProviderID string `json:"providerId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Per-recipient statuses.
const (
	RecipientSent   = "sent"
	RecipientFailed = "failed"
)

// Result is the outcome of a whole dispatch. Success means at least one
// recipient was delivered to the provider.
type Result struct {
	EmailID         string            `json:"emailId"`
	Success         bool              `json:"success"`
	Status          string            `json:"status"`
	TrackingEnabled bool              `json:"trackingEnabled"`
	MessageIDs      []string          `json:"messageIds"`
	Recipients      []RecipientResult `json:"recipients"`
}

// Dispatcher turns a Request into per-recipient provider calls. The body is
// rendered and personalized once per dispatch; only tracking parameters
// differ between recipients.
type Dispatcher struct {
	store        DispatchStore
	transport    Transport
	injector     *tracking.Injector
	personalizer *content.Personalizer
	throttler    *Throttler
	refresher    TokenRefresher

	fromAddress string
	fromName    string
}

// Options carries the optional dispatcher collaborators.
type Options struct {
	Throttler *Throttler
	Refresher TokenRefresher
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st DispatchStore, transport Transport, injector *tracking.Injector, fromAddress, fromName string, opts Options) *Dispatcher {
	return &Dispatcher{
		store:        st,
		transport:    transport,
		injector:     injector,
		personalizer: content.NewPersonalizer(),
		throttler:    opts.Throttler,
		refresher:    opts.Refresher,
		fromAddress:  fromAddress,
		fromName:     fromName,
	}
}

// Dispatch renders the message, records the send, and delivers to every
// recipient in order. A failure for one recipient never aborts the rest;
// the lone exception is an auth failure, which triggers one serialized
// credential refresh and a single retry of the failing recipient.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if len(req.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	emailID := uuid.New().String()
	html := content.RenderBody(req.Body, req.Subject)
	if len(req.Variables) > 0 {
		req.Subject = d.personalizer.Render(req.Subject, req.Variables)
		html = d.personalizer.Render(html, req.Variables)
	}

	rec := store.SendRecord{
		ID:              emailID,
		CampaignID:      req.CampaignID,
		Subject:         req.Subject,
		FromAddress:     d.fromAddress,
		Recipients:      req.Recipients,
		TrackingEnabled: req.TrackingEnabled,
		Status:          store.StatusSending,
	}
	if err := d.store.RecordSend(ctx, rec); err != nil {
		return nil, fmt.Errorf("record send: %w", err)
	}

	result := &Result{
		EmailID:         emailID,
		TrackingEnabled: req.TrackingEnabled,
		Recipients:      make([]RecipientResult, 0, len(req.Recipients)),
	}

	refreshed := false
	var fatal error
	for _, recipient := range req.Recipients {
		rr, err := d.sendOne(ctx, emailID, recipient, req, html, &refreshed)
		result.Recipients = append(result.Recipients, rr)
		if rr.Error == "" {
			result.MessageIDs = append(result.MessageIDs, rr.ProviderID)
		} else {
			logger.Warn("recipient send failed",
				"email_id", emailID, "recipient", recipient,
				"transport", d.transport.Name(), "error", rr.Error)
		}
		if err != nil {
			// Unrecoverable credential failure: every further attempt
			// would hit the same rejection, so the dispatch stops here.
			fatal = err
			break
		}
	}

	sent := len(result.MessageIDs)
	switch {
	case sent == len(req.Recipients):
		result.Status = store.StatusSent
	case sent > 0:
		result.Status = store.StatusPartial
	default:
		result.Status = store.StatusFailed
	}
	result.Success = sent > 0

	if err := d.store.UpdateSendStatus(ctx, emailID, result.Status); err != nil {
		logger.Error("update send status failed", "email_id", emailID, "error", err)
	}
	// The campaign update fires regardless of per-recipient outcomes; the
	// email_tracking status is where delivery failures are reported.
	if req.CampaignID != "" {
		if err := d.store.MarkCampaignSent(ctx, req.CampaignID); err != nil {
			logger.Error("mark campaign sent failed", "campaign_id", req.CampaignID, "error", err)
		}
	}

	if fatal != nil {
		logger.Error("dispatch aborted",
			"email_id", emailID, "status", result.Status,
			"sent", sent, "total", len(req.Recipients), "error", fatal)
		return result, fatal
	}

	logger.Info("dispatch finished",
		"email_id", emailID, "status", result.Status,
		"sent", sent, "total", len(req.Recipients),
		"tracking", req.TrackingEnabled, "transport", d.transport.Name())
	return result, nil
}

// sendOne attempts delivery to a single recipient. A non-nil error means an
// unrecoverable credential failure that must abort the whole dispatch; all
// other failures are local to the recipient and reported in the result.
func (d *Dispatcher) sendOne(ctx context.Context, emailID, recipient string, req Request, html string, refreshed *bool) (RecipientResult, error) {
	rr := RecipientResult{Recipient: recipient, Status: RecipientFailed}

	suppressed, err := d.store.IsSuppressed(ctx, recipient)
	if err != nil {
		rr.Error = fmt.Sprintf("suppression check: %v", err)
		return rr, nil
	}
	if suppressed {
		rr.Error = "recipient is suppressed"
		return rr, nil
	}

	if d.throttler != nil {
		if err := d.throttler.Allow(ctx); err != nil {
			rr.Error = err.Error()
			return rr, nil
		}
	}

	body := html
	unsubURL := ""
	if req.TrackingEnabled {
		body, err = d.injector.Inject(html, emailID, recipient)
		if err != nil {
			rr.Error = fmt.Sprintf("inject tracking: %v", err)
			return rr, nil
		}
		unsubURL = d.injector.UnsubscribeURL(emailID, recipient)
	}

	raw := BuildMIME(MessageInput{
		FromAddress:     d.fromAddress,
		FromName:        d.fromName,
		To:              recipient,
		Subject:         req.Subject,
		HTML:            body,
		UnsubscribeURL:  unsubURL,
		TrackingEnabled: req.TrackingEnabled,
	})

	providerID, err := d.transport.Send(ctx, d.fromAddress, recipient, raw)
	if errors.Is(err, ErrAuth) {
		if d.refresher == nil || *refreshed {
			rr.Error = err.Error()
			return rr, err
		}
		*refreshed = true
		logger.Info("auth failure, refreshing credentials", "email_id", emailID, "transport", d.transport.Name())
		if _, rerr := d.refresher.Refresh(ctx); rerr != nil {
			rr.Error = fmt.Sprintf("credential refresh: %v", rerr)
			return rr, fmt.Errorf("%w: refresh failed: %v", ErrAuth, rerr)
		}
		providerID, err = d.transport.Send(ctx, d.fromAddress, recipient, raw)
		if errors.Is(err, ErrAuth) {
			rr.Error = err.Error()
			return rr, err
		}
	}
	if err != nil {
		rr.Error = err.Error()
		return rr, nil
	}

	rr.Status = RecipientSent
	rr.ProviderID = providerID
	return rr, nil
}
