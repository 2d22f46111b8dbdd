package tests

// End-to-end pipeline tests: dispatch a message with a capturing transport,
// then replay the tracking URLs embedded in the delivered body against the
// tracking handler and verify the events land in the store.

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailpipe/internal/dispatch"
	"github.com/ignite/mailpipe/internal/store"
	"github.com/ignite/mailpipe/internal/tracking"
)

type memoryStore struct {
	records []store.SendRecord
	opens   map[string]int
	clicks  []string
	unsubs  []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{opens: map[string]int{}}
}

func (m *memoryStore) RecordSend(_ context.Context, rec store.SendRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryStore) UpdateSendStatus(context.Context, string, string) error { return nil }
func (m *memoryStore) MarkCampaignSent(context.Context, string) error         { return nil }
func (m *memoryStore) IsSuppressed(context.Context, string) (bool, error)     { return false, nil }

func (m *memoryStore) RecordOpen(_ context.Context, messageID, recipient, _, _ string) error {
	m.opens[messageID+"/"+recipient]++
	return nil
}

func (m *memoryStore) RecordClick(_ context.Context, messageID, recipient, destination, _, _ string) error {
	m.clicks = append(m.clicks, messageID+"/"+recipient+"/"+destination)
	return nil
}

func (m *memoryStore) RecordUnsubscribe(_ context.Context, messageID, recipient, _, _ string) error {
	m.unsubs = append(m.unsubs, messageID+"/"+recipient)
	return nil
}

type capturingTransport struct {
	raws map[string][]byte
}

func (c *capturingTransport) Name() string { return "capture" }

func (c *capturingTransport) Send(_ context.Context, _, to string, raw []byte) (string, error) {
	if c.raws == nil {
		c.raws = map[string][]byte{}
	}
	c.raws[to] = raw
	return "prov-" + to, nil
}

// decodeBody strips the headers and base64 folding from a captured message.
func decodeBody(t *testing.T, raw []byte) string {
	t.Helper()
	parts := strings.SplitN(string(raw), "\r\n\r\n", 2)
	require.Len(t, parts, 2, "message must have a header/body separator")
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(parts[1], "\r\n", ""))
	require.NoError(t, err)
	return string(decoded)
}

func TestDispatchThenTrackRoundTrip(t *testing.T) {
	st := newMemoryStore()
	tr := &capturingTransport{}
	d := dispatch.NewDispatcher(st, tr, tracking.NewInjector("https://t.example.com"),
		"news@example.com", "Acme News", dispatch.Options{})

	res, err := d.Dispatch(context.Background(), dispatch.Request{
		CampaignID:      "11111111-1111-1111-1111-111111111111",
		Subject:         "Spring Sale",
		Body:            json.RawMessage(`[{"type":"header","id":"h1","content":"Spring Sale"},{"type":"text","id":"t1","content":"<a href=\"https://shop.example.com/sale\">Shop</a>"}]`),
		Recipients:      []string{"alice@example.com"},
		TrackingEnabled: true,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	body := decodeBody(t, tr.raws["alice@example.com"])

	// The delivered body carries the beacon and the rewritten link for this
	// exact dispatch and recipient.
	assert.Contains(t, body, "/track/open?id="+res.EmailID)
	assert.Contains(t, body, "/track/click?email_id="+res.EmailID)
	assert.Contains(t, body, "alice%40example.com")

	handler := tracking.NewHandler(st)
	router := handler.Routes()

	// Open the beacon the way a mail client would.
	beacon := extractURL(t, body, `https://t\.example\.com(/track/open\?[^"]+)`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, beacon, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, 1, st.opens[res.EmailID+"/alice@example.com"])

	// Follow the rewritten link.
	click := extractURL(t, body, `https://t\.example\.com(/track/click\?[^"]+)`)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, click, nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://shop.example.com/sale", rec.Header().Get("Location"))
	require.Len(t, st.clicks, 1)
	assert.Equal(t, res.EmailID+"/alice@example.com/https://shop.example.com/sale", st.clicks[0])
}

func TestDispatchWithoutTrackingLeavesBodyUntouched(t *testing.T) {
	st := newMemoryStore()
	tr := &capturingTransport{}
	d := dispatch.NewDispatcher(st, tr, tracking.NewInjector("https://t.example.com"),
		"news@example.com", "Acme News", dispatch.Options{})

	_, err := d.Dispatch(context.Background(), dispatch.Request{
		Subject:    "Plain",
		Body:       json.RawMessage(`"<html><body><a href=\"https://shop.example.com\">Shop</a></body></html>"`),
		Recipients: []string{"alice@example.com"},
	})
	require.NoError(t, err)

	body := decodeBody(t, tr.raws["alice@example.com"])
	assert.Contains(t, body, `href="https://shop.example.com"`)
	assert.NotContains(t, body, "/track/open")
	assert.NotContains(t, body, "/track/click")
}

// extractURL pulls the first tracking path out of an HTML attribute,
// undoing the serializer's &amp; escaping.
func extractURL(t *testing.T, body, pattern string) string {
	t.Helper()
	m := regexp.MustCompile(pattern).FindStringSubmatch(body)
	require.NotNil(t, m, "body missing URL matching %s", pattern)
	return strings.ReplaceAll(m[1], "&amp;", "&")
}
