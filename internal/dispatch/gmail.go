package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ignite/mailpipe/internal/pkg/httpretry"
)

const gmailSendURL = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"

// AccessTokenSource supplies the current Gmail access token.
type AccessTokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// GmailTransport sends raw messages through the Gmail REST API using a
// stored OAuth token. Transient 5xx and 429 responses are retried by the
// HTTP client; a 401 is surfaced as ErrAuth without retrying, since retrying
// the same expired token can only fail again.
type GmailTransport struct {
	tokens AccessTokenSource
	client httpretry.HTTPDoer
}

// NewGmailTransport creates a Gmail transport over the given token source.
func NewGmailTransport(tokens AccessTokenSource, client httpretry.HTTPDoer) *GmailTransport {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 0)
	}
	return &GmailTransport{tokens: tokens, client: client}
}

// Name implements Transport.
func (g *GmailTransport) Name() string { return "gmail" }

// Send implements Transport. The from address is carried inside the raw
// message; Gmail sends as the authenticated account.
func (g *GmailTransport) Send(ctx context.Context, _, to string, raw []byte) (string, error) {
	token, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("gmail token: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString(raw),
	})
	if err != nil {
		return "", fmt.Errorf("gmail payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gmailSendURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("gmail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gmail send to %s: %w", to, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("gmail send to %s: %w", to, ErrAuth)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("gmail send to %s: status %d: %s", to, resp.StatusCode, truncate(body, 200))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("gmail response: %w", err)
	}
	return out.ID, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
