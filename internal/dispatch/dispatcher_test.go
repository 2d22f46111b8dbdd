package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ignite/mailpipe/internal/store"
	"github.com/ignite/mailpipe/internal/tracking"
)

type fakeDispatchStore struct {
	sendErr    error
	suppressed map[string]bool

	records      []store.SendRecord
	statuses     []string
	campaignsSet []string
}

func (f *fakeDispatchStore) RecordSend(_ context.Context, rec store.SendRecord) error {
	f.records = append(f.records, rec)
	return f.sendErr
}

func (f *fakeDispatchStore) UpdateSendStatus(_ context.Context, emailID, status string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeDispatchStore) MarkCampaignSent(_ context.Context, campaignID string) error {
	f.campaignsSet = append(f.campaignsSet, campaignID)
	return nil
}

func (f *fakeDispatchStore) IsSuppressed(_ context.Context, email string) (bool, error) {
	return f.suppressed[email], nil
}

// fakeTransport fails the recipients listed in reject and can simulate an
// expired credential that recovers after a refresh.
type fakeTransport struct {
	reject   map[string]bool
	authFail bool

	sent []string
	raws map[string][]byte
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, _, to string, raw []byte) (string, error) {
	if f.authFail {
		return "", fmt.Errorf("send to %s: %w", to, ErrAuth)
	}
	if f.reject[to] {
		return "", errors.New("550 mailbox unavailable")
	}
	f.sent = append(f.sent, to)
	if f.raws == nil {
		f.raws = map[string][]byte{}
	}
	f.raws[to] = raw
	return "prov-" + to, nil
}

type fakeRefresher struct {
	calls int
	err   error
	// cleared is the transport whose authFail flag the refresh repairs.
	cleared *fakeTransport
}

func (f *fakeRefresher) Refresh(_ context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	f.cleared.authFail = false
	return "fresh-token", nil
}

func newTestDispatcher(st DispatchStore, tr Transport, opts Options) *Dispatcher {
	return NewDispatcher(st, tr, tracking.NewInjector("https://t.example.com"),
		"news@example.com", "Acme News", opts)
}

func TestDispatchAllRecipientsSucceed(t *testing.T) {
	st := &fakeDispatchStore{}
	tr := &fakeTransport{}
	d := newTestDispatcher(st, tr, Options{})

	res, err := d.Dispatch(context.Background(), Request{
		CampaignID:      "camp-1",
		Subject:         "Hello",
		Body:            json.RawMessage(`"<html><body><p>hi</p></body></html>"`),
		Recipients:      []string{"a@example.com", "b@example.com"},
		TrackingEnabled: true,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !res.Success || res.Status != store.StatusSent {
		t.Errorf("Success=%v Status=%q, want success/sent", res.Success, res.Status)
	}
	if len(res.MessageIDs) != 2 {
		t.Errorf("MessageIDs = %v, want 2", res.MessageIDs)
	}
	if len(st.records) != 1 || st.records[0].Status != store.StatusSending {
		t.Errorf("send record = %+v, want one sending record before the loop", st.records)
	}
	if len(st.campaignsSet) != 1 || st.campaignsSet[0] != "camp-1" {
		t.Errorf("campaignsSet = %v", st.campaignsSet)
	}
	if len(st.statuses) != 1 || st.statuses[0] != store.StatusSent {
		t.Errorf("statuses = %v", st.statuses)
	}
}

func TestDispatchPartialFailureIsolation(t *testing.T) {
	st := &fakeDispatchStore{}
	tr := &fakeTransport{reject: map[string]bool{"bad@example.com": true}}
	d := newTestDispatcher(st, tr, Options{})

	res, err := d.Dispatch(context.Background(), Request{
		CampaignID:      "camp-1",
		Subject:         "Hello",
		Body:            json.RawMessage(`"<html><body><p>hi</p></body></html>"`),
		Recipients:      []string{"a@example.com", "bad@example.com", "c@example.com"},
		TrackingEnabled: true,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if res.Status != store.StatusPartial || !res.Success {
		t.Errorf("Status=%q Success=%v, want partial success", res.Status, res.Success)
	}
	if len(res.MessageIDs) != 2 {
		t.Errorf("MessageIDs = %v, want the two deliverable recipients", res.MessageIDs)
	}
	if len(res.Recipients) != 3 {
		t.Fatalf("Recipients = %d results, want one per recipient", len(res.Recipients))
	}
	if res.Recipients[1].Error == "" || res.Recipients[1].Recipient != "bad@example.com" {
		t.Errorf("failed recipient result = %+v", res.Recipients[1])
	}
	if res.Recipients[0].Error != "" || res.Recipients[2].Error != "" {
		t.Error("neighbors of a failing recipient must still send")
	}
	if len(st.campaignsSet) != 1 {
		t.Errorf("campaignsSet = %v, want campaign marked sent on partial", st.campaignsSet)
	}
}

func TestDispatchAllFail(t *testing.T) {
	st := &fakeDispatchStore{}
	tr := &fakeTransport{reject: map[string]bool{"a@example.com": true}}
	d := newTestDispatcher(st, tr, Options{})

	res, err := d.Dispatch(context.Background(), Request{
		CampaignID: "camp-1",
		Subject:    "Hello",
		Body:       json.RawMessage(`"<p>hi</p>"`),
		Recipients: []string{"a@example.com"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if res.Success || res.Status != store.StatusFailed {
		t.Errorf("Success=%v Status=%q, want failed", res.Success, res.Status)
	}
	if len(st.campaignsSet) != 1 || st.campaignsSet[0] != "camp-1" {
		t.Errorf("campaignsSet = %v, the campaign update fires even when nothing delivered", st.campaignsSet)
	}
}

func TestDispatchEmptyRecipients(t *testing.T) {
	d := newTestDispatcher(&fakeDispatchStore{}, &fakeTransport{}, Options{})

	if _, err := d.Dispatch(context.Background(), Request{Subject: "x"}); !errors.Is(err, ErrNoRecipients) {
		t.Errorf("err = %v, want ErrNoRecipients", err)
	}
}

func TestDispatchRecordSendFailureAborts(t *testing.T) {
	st := &fakeDispatchStore{sendErr: errors.New("db down")}
	tr := &fakeTransport{}
	d := newTestDispatcher(st, tr, Options{})

	_, err := d.Dispatch(context.Background(), Request{
		Subject:    "x",
		Recipients: []string{"a@example.com"},
	})
	if err == nil {
		t.Fatal("a failed tracking insert must abort the dispatch")
	}
	if len(tr.sent) != 0 {
		t.Error("no provider call may happen before the send record exists")
	}
}

func TestDispatchAuthFailureRefreshesOnce(t *testing.T) {
	st := &fakeDispatchStore{}
	tr := &fakeTransport{authFail: true}
	ref := &fakeRefresher{cleared: tr}
	d := newTestDispatcher(st, tr, Options{Refresher: ref})

	res, err := d.Dispatch(context.Background(), Request{
		Subject:    "Hello",
		Body:       json.RawMessage(`"<p>hi</p>"`),
		Recipients: []string{"a@example.com", "b@example.com"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if ref.calls != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", ref.calls)
	}
	if res.Status != store.StatusSent {
		t.Errorf("Status = %q, want sent after refresh-and-retry", res.Status)
	}
}

func TestDispatchAuthFailureRefreshFails(t *testing.T) {
	st := &fakeDispatchStore{}
	tr := &fakeTransport{authFail: true}
	ref := &fakeRefresher{cleared: tr, err: errors.New("consent revoked")}
	d := newTestDispatcher(st, tr, Options{Refresher: ref})

	res, err := d.Dispatch(context.Background(), Request{
		Subject:    "Hello",
		Body:       json.RawMessage(`"<p>hi</p>"`),
		Recipients: []string{"a@example.com", "b@example.com"},
	})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth when credentials cannot recover", err)
	}

	if ref.calls != 1 {
		t.Errorf("refresh calls = %d, want exactly one attempt per dispatch", ref.calls)
	}
	if res.Status != store.StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
	if len(res.Recipients) != 1 {
		t.Errorf("Recipients = %d results, the loop must stop at the fatal failure", len(res.Recipients))
	}
	if len(st.statuses) != 1 || st.statuses[0] != store.StatusFailed {
		t.Errorf("statuses = %v, the record must still be finalized", st.statuses)
	}
}

func TestDispatchAuthFailureWithoutRefresherAborts(t *testing.T) {
	st := &fakeDispatchStore{}
	tr := &fakeTransport{authFail: true}
	d := newTestDispatcher(st, tr, Options{})

	res, err := d.Dispatch(context.Background(), Request{
		Subject:    "Hello",
		Body:       json.RawMessage(`"<p>hi</p>"`),
		Recipients: []string{"a@example.com", "b@example.com"},
	})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if len(res.Recipients) != 1 {
		t.Errorf("Recipients = %d, want abort after the first auth failure", len(res.Recipients))
	}
}

func TestDispatchSkipsSuppressedRecipients(t *testing.T) {
	st := &fakeDispatchStore{suppressed: map[string]bool{"gone@example.com": true}}
	tr := &fakeTransport{}
	d := newTestDispatcher(st, tr, Options{})

	res, err := d.Dispatch(context.Background(), Request{
		Subject:    "Hello",
		Body:       json.RawMessage(`"<p>hi</p>"`),
		Recipients: []string{"gone@example.com", "a@example.com"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(tr.sent) != 1 || tr.sent[0] != "a@example.com" {
		t.Errorf("sent = %v, suppressed recipient must not reach the provider", tr.sent)
	}
	if res.Recipients[0].Error != "recipient is suppressed" {
		t.Errorf("suppressed result = %+v", res.Recipients[0])
	}
	if res.Status != store.StatusPartial {
		t.Errorf("Status = %q", res.Status)
	}
}

func TestDispatchTrackingPerRecipient(t *testing.T) {
	st := &fakeDispatchStore{}
	tr := &fakeTransport{}
	d := newTestDispatcher(st, tr, Options{})

	res, err := d.Dispatch(context.Background(), Request{
		Subject:         "Hello",
		Body:            json.RawMessage(`"<html><body><a href=\"https://example.com/x\">x</a></body></html>"`),
		Recipients:      []string{"a@example.com", "b@example.com"},
		TrackingEnabled: true,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	rawA := string(tr.raws["a@example.com"])
	rawB := string(tr.raws["b@example.com"])
	if rawA == rawB {
		t.Error("tracked messages must be unique per recipient")
	}
	if !strings.Contains(rawA, "List-Unsubscribe:") {
		t.Error("tracked sends must carry List-Unsubscribe headers")
	}
	if !strings.Contains(rawA, res.EmailID) {
		t.Error("unsubscribe header must reference this dispatch")
	}
}

func TestDispatchNoTrackingOmitsBeaconAndHeaders(t *testing.T) {
	st := &fakeDispatchStore{}
	tr := &fakeTransport{}
	d := newTestDispatcher(st, tr, Options{})

	_, err := d.Dispatch(context.Background(), Request{
		Subject:    "Hello",
		Body:       json.RawMessage(`"<html><body><p>hi</p></body></html>"`),
		Recipients: []string{"a@example.com", "b@example.com"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	rawA := string(tr.raws["a@example.com"])
	if strings.Contains(rawA, tracking.OpenPath) {
		t.Error("untracked sends must not carry a beacon")
	}
	if strings.Contains(rawA, "List-Unsubscribe:") {
		t.Error("untracked sends must not carry List-Unsubscribe headers")
	}
}

func TestDispatchPersonalizesSubjectAndBody(t *testing.T) {
	st := &fakeDispatchStore{}
	tr := &fakeTransport{}
	d := newTestDispatcher(st, tr, Options{})

	_, err := d.Dispatch(context.Background(), Request{
		Subject:    "Hi {{ first_name }}",
		Body:       json.RawMessage(`"<p>Welcome, {{ first_name }}.</p>"`),
		Recipients: []string{"a@example.com"},
		Variables:  map[string]any{"first_name": "Ada"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := st.records[0].Subject; got != "Hi Ada" {
		t.Errorf("recorded subject = %q, want the merge tag resolved", got)
	}
	if !strings.Contains(string(tr.raws["a@example.com"]), "Subject: Hi Ada\r\n") {
		t.Error("delivered subject must carry the resolved merge tag")
	}
}

func TestDispatchMalformedBodyUsesFallback(t *testing.T) {
	st := &fakeDispatchStore{}
	tr := &fakeTransport{}
	d := newTestDispatcher(st, tr, Options{})

	res, err := d.Dispatch(context.Background(), Request{
		Subject:    "Hello",
		Body:       json.RawMessage(`{{{bogus`),
		Recipients: []string{"a@example.com"},
	})
	if err != nil {
		t.Fatalf("a malformed body must not fail the dispatch: %v", err)
	}
	if res.Status != store.StatusSent {
		t.Errorf("Status = %q, want sent with fallback body", res.Status)
	}
}
