package correlator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundlebridge/internal/api"
	"bundlebridge/internal/clock"
	"bundlebridge/internal/correlator"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/protocol"
	"bundlebridge/internal/transport"
)

type fakeTransport struct {
	mu       sync.Mutex
	imports  []api.ImportRequest
	failWith error
	session  *protocol.SessionPayload
	panicOn  string
}

func (f *fakeTransport) TestConnection(context.Context) (api.ConnectionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return api.ConnectionStatus{}, f.failWith
	}
	return api.ConnectionStatus{Connected: true, SiteName: "Studio"}, nil
}

func (f *fakeTransport) SendImport(_ context.Context, req api.ImportRequest) (api.ImportResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Title == f.panicOn && f.panicOn != "" {
		panic("transport exploded")
	}
	f.imports = append(f.imports, req)
	if f.failWith != nil {
		return api.ImportResponse{}, f.failWith
	}
	return api.ImportResponse{Success: true, Message: transport.MessageImportQueued, Data: api.ImportData{JobID: int64(len(f.imports)), Status: "pending", Title: req.Title}}, nil
}

func (f *fakeTransport) ImportStatus(_ context.Context, id int64) (api.JobStatus, error) {
	return api.JobStatus{JobID: id, Status: "complete"}, nil
}

func (f *fakeTransport) UseSession(s protocol.SessionPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = &s
	return nil
}

func (f *fakeTransport) ClearSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = nil
}

func (f *fakeTransport) Settings() transport.Settings {
	return transport.Settings{SiteURL: "https://site.example", Username: "admin", AppPassword: "pw", AuthMode: transport.AuthPassword}
}

func (f *fakeTransport) Connected() (bool, time.Time) { return false, time.Time{} }

func (f *fakeTransport) sent() []api.ImportRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ImportRequest(nil), f.imports...)
}

type delivery struct {
	page   string
	result protocol.Response
}

type fakeNotifier struct{ ch chan delivery }

func (n *fakeNotifier) Notify(page string, result protocol.Response) bool {
	n.ch <- delivery{page: page, result: result}
	return true
}

type fixture struct {
	clock     *clock.Fake
	transport *fakeTransport
	notifier  *fakeNotifier
	c         *correlator.Correlator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:     clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		transport: &fakeTransport{},
		notifier:  &fakeNotifier{ch: make(chan delivery, 8)},
	}
	c, err := correlator.New(f.transport, f.notifier, correlator.Options{Clock: f.clock, Logger: logging.NewNop()})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	f.c = c
	return f
}

func (f *fixture) send(t *testing.T, page string, action protocol.Action, payload any) protocol.Response {
	t.Helper()
	msg, err := protocol.NewMessage("req-"+string(action), action, page, payload)
	require.NoError(t, err)
	return f.c.Handle(context.Background(), msg)
}

func (f *fixture) expectDelivery(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-f.notifier.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("expected an asynchronous delivery")
	}
	return delivery{}
}

func (f *fixture) expectNoDelivery(t *testing.T) {
	t.Helper()
	select {
	case d := <-f.notifier.ch:
		t.Fatalf("unexpected delivery for %s: %+v", d.page, d.result)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPayloadURLResolvesImmediately(t *testing.T) {
	f := newFixture(t)
	resp := f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{DownloadURL: "https://cdn.example/kit.zip"})

	require.True(t, resp.Success)
	assert.Equal(t, "req-SEND_IMPORT", resp.ID)
	assert.Equal(t, transport.MessageImportQueued, resp.Message)
	sent := f.transport.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, correlator.DefaultTitle, sent[0].Title)
	assert.Equal(t, correlator.DefaultCategory, sent[0].Category)
	assert.Equal(t, "https://cdn.example/kit.zip", sent[0].DownloadURL)
}

func TestFreshCaptureConsumedByRequest(t *testing.T) {
	f := newFixture(t)
	captured := f.send(t, "tab-1", protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: "https://cdn.example/a.zip", Source: "fetch-json"})
	require.True(t, captured.Success)

	f.clock.Advance(59 * time.Second)
	resp := f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Landing Kit"})
	require.True(t, resp.Success)
	require.Len(t, f.transport.sent(), 1)
	assert.Equal(t, "https://cdn.example/a.zip", f.transport.sent()[0].DownloadURL)

	// The capture was consumed: a second request has to wait.
	resp = f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Landing Kit"})
	assert.Equal(t, protocol.StatusWaitingForDownload, resp.Status())
	assert.Len(t, f.transport.sent(), 1)
}

func TestStaleCaptureIgnored(t *testing.T) {
	f := newFixture(t)
	f.send(t, "tab-1", protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: "https://cdn.example/a.zip"})
	f.clock.Advance(61 * time.Second)

	resp := f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Kit"})
	assert.Equal(t, "Import queued, waiting for download URL...", resp.Message)
	assert.Equal(t, protocol.StatusWaitingForDownload, resp.Status())
	assert.Empty(t, f.transport.sent())
}

func TestCaptureResolvesPendingOnce(t *testing.T) {
	f := newFixture(t)
	resp := f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Kit"})
	require.Equal(t, protocol.StatusWaitingForDownload, resp.Status())

	f.clock.Advance(5 * time.Second)
	captured := f.send(t, "tab-1", protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: "https://cdn.example/kit.zip", Source: "xhr-json"})
	var data map[string]bool
	require.NoError(t, captured.DecodeData(&data))
	assert.True(t, data["resolved"])

	d := f.expectDelivery(t)
	assert.Equal(t, "tab-1", d.page)
	assert.True(t, d.result.Success)
	require.Len(t, f.transport.sent(), 1)
	assert.Equal(t, "https://cdn.example/kit.zip", f.transport.sent()[0].DownloadURL)

	// Neither the timer nor a later request may reuse the consumed capture.
	f.clock.Advance(60 * time.Second)
	f.expectNoDelivery(t)
	again := f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Kit"})
	assert.Equal(t, protocol.StatusWaitingForDownload, again.Status())
	assert.Len(t, f.transport.sent(), 1)
}

func TestTimeoutResolvesWithoutURLExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Kit"})

	f.clock.Advance(29 * time.Second)
	f.expectNoDelivery(t)

	f.clock.Advance(time.Second)
	d := f.expectDelivery(t)
	assert.Equal(t, "tab-1", d.page)
	require.Len(t, f.transport.sent(), 1)
	assert.Empty(t, f.transport.sent()[0].DownloadURL)

	f.clock.Advance(2 * time.Minute)
	f.expectNoDelivery(t)
	assert.Len(t, f.transport.sent(), 1)
}

func TestSecondRequestReplacesPending(t *testing.T) {
	f := newFixture(t)
	f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "First"})
	f.clock.Advance(10 * time.Second)
	f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Second"})

	_, pending := f.c.Stats()
	assert.Equal(t, 1, pending)

	f.clock.Advance(20 * time.Second)
	f.expectNoDelivery(t)

	f.clock.Advance(10 * time.Second)
	d := f.expectDelivery(t)
	assert.True(t, d.result.Success)
	sent := f.transport.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Second", sent[0].Title)
}

func TestPagesAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "One"})
	f.send(t, "tab-2", protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: "https://cdn.example/two.zip"})
	f.expectNoDelivery(t)

	captures, pending := f.c.Stats()
	assert.Equal(t, 1, captures)
	assert.Equal(t, 1, pending)
}

func TestObserveRequestFiltersAndResolves(t *testing.T) {
	f := newFixture(t)
	f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Kit"})

	assert.False(t, f.c.ObserveRequest("tab-1", "https://elements.envato.com/api/items"))
	f.expectNoDelivery(t)

	assert.True(t, f.c.ObserveRequest("tab-1", "https://bucket.s3.amazonaws.com/kit.zip?sig=1"))
	d := f.expectDelivery(t)
	assert.Equal(t, "tab-1", d.page)
	assert.Equal(t, "https://bucket.s3.amazonaws.com/kit.zip?sig=1", f.transport.sent()[0].DownloadURL)
}

func TestObserveDownloadResolvesOldestPending(t *testing.T) {
	f := newFixture(t)
	f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Older"})
	f.clock.Advance(time.Second)
	f.send(t, "tab-2", protocol.ActionSendImport, protocol.ImportPayload{Title: "Newer"})

	assert.True(t, f.c.ObserveDownload("blob:https://elements.envato.com/x", "kit.zip"))
	d := f.expectDelivery(t)
	assert.Equal(t, "tab-1", d.page)
	assert.False(t, f.c.ObserveDownload("https://elements.envato.com/x", "notes.txt"))
}

func TestPageClosedDropsState(t *testing.T) {
	f := newFixture(t)
	f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Kit"})
	f.send(t, "tab-1", protocol.ActionPageClosed, nil)

	captures, pending := f.c.Stats()
	assert.Zero(t, captures)
	assert.Zero(t, pending)
	f.clock.Advance(time.Minute)
	f.expectNoDelivery(t)
}

func TestSweepEvictsStaleCaptures(t *testing.T) {
	f := newFixture(t)
	f.send(t, "tab-1", protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: "https://cdn.example/a.zip"})
	f.clock.Advance(4 * time.Minute)
	f.send(t, "tab-2", protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: "https://cdn.example/b.zip"})

	f.clock.Advance(2 * time.Minute)
	captures, _ := f.c.Stats()
	assert.Equal(t, 1, captures)
}

func TestTransportErrorsAnswered(t *testing.T) {
	f := newFixture(t)
	f.transport.failWith = errors.New("Session expired. Open the site admin to refresh your login, then try again.")

	resp := f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{DownloadURL: "https://cdn.example/kit.zip"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Session expired")

	conn := f.send(t, "", protocol.ActionTestConnection, nil)
	assert.False(t, conn.Success)
}

func TestPanicsBecomeFailures(t *testing.T) {
	f := newFixture(t)
	f.transport.panicOn = "Boom"
	resp := f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Boom", DownloadURL: "https://cdn.example/kit.zip"})
	assert.False(t, resp.Success)
	assert.Equal(t, "req-SEND_IMPORT", resp.ID)
	assert.Contains(t, resp.Message, "Internal error")

	ok := f.send(t, "tab-1", protocol.ActionConnectionStatus, nil)
	assert.True(t, ok.Success)
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t)
	resp := f.send(t, "tab-1", protocol.Action("REFRESH"), nil)
	assert.False(t, resp.Success)
	assert.Equal(t, "Unknown action", resp.Message)
}

func TestSessionAccounts(t *testing.T) {
	f := newFixture(t)
	f.send(t, "", protocol.ActionSessionDetected, protocol.SessionPayload{SiteURL: "https://old.example/", Nonce: "n1"})
	f.clock.Advance(13 * time.Hour)
	f.send(t, "", protocol.ActionSessionDetected, protocol.SessionPayload{SiteURL: "https://cookie.example"})
	f.send(t, "", protocol.ActionSessionDetected, protocol.SessionPayload{SiteURL: "https://fresh.example", RESTURL: "https://fresh.example/rest", Nonce: "n2", User: "editor"})

	resp := f.send(t, "", protocol.ActionDetectAccounts, nil)
	var data struct {
		Accounts []correlator.Account `json:"accounts"`
	}
	require.NoError(t, resp.DecodeData(&data))
	require.Len(t, data.Accounts, 3)
	assert.Equal(t, "https://fresh.example", data.Accounts[0].SiteURL)
	assert.Equal(t, "https://cookie.example", data.Accounts[1].SiteURL)
	assert.Equal(t, "https://old.example", data.Accounts[2].SiteURL)
	assert.True(t, data.Accounts[2].Expired)

	failed := f.send(t, "", protocol.ActionConnectAccount, protocol.AccountPayload{SiteURL: "https://cookie.example"})
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Message, "No active session found")

	connected := f.send(t, "", protocol.ActionConnectAccount, protocol.AccountPayload{SiteURL: "https://FRESH.example"})
	require.True(t, connected.Success)
	assert.Equal(t, `Connected to "Studio"`, connected.Message)
	require.NotNil(t, f.transport.session)
	assert.Equal(t, "n2", f.transport.session.Nonce)

	f.send(t, "", protocol.ActionDisconnectAccount, nil)
	assert.Nil(t, f.transport.session)
}

func TestRepeatedCaptureOfAppliedURLDropped(t *testing.T) {
	f := newFixture(t)
	signed := "https://cdn.example/kit.zip?sig=abc"
	resp := f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Kit"})
	require.Equal(t, protocol.StatusWaitingForDownload, resp.Status())

	f.send(t, "tab-1", protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: signed, Source: "fetch-request"})
	f.expectDelivery(t)

	// The same fetch is reported again under another tag.
	again := f.send(t, "tab-1", protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: signed, Source: "fetch-attachment"})
	require.True(t, again.Success)
	captures, _ := f.c.Stats()
	assert.Zero(t, captures)

	f.clock.Advance(10 * time.Second)
	next := f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{Title: "Other"})
	assert.Equal(t, protocol.StatusWaitingForDownload, next.Status())
	require.Len(t, f.transport.sent(), 1)

	// A different URL still resolves the new request.
	f.send(t, "tab-1", protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: "https://cdn.example/other.zip?sig=def", Source: "fetch-request"})
	f.expectDelivery(t)
	sent := f.transport.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Other", sent[1].Title)
	assert.Equal(t, "https://cdn.example/other.zip?sig=def", sent[1].DownloadURL)
}

func TestAppliedURLAcceptedAfterCaptureTTL(t *testing.T) {
	f := newFixture(t)
	f.send(t, "tab-1", protocol.ActionSendImport, protocol.ImportPayload{DownloadURL: "https://cdn.example/kit.zip"})

	f.send(t, "tab-1", protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: "https://cdn.example/kit.zip"})
	captures, _ := f.c.Stats()
	assert.Zero(t, captures)

	f.clock.Advance(6 * time.Minute)
	f.send(t, "tab-1", protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: "https://cdn.example/kit.zip"})
	captures, _ = f.c.Stats()
	assert.Equal(t, 1, captures)
}

func TestCloseWhileResolving(t *testing.T) {
	for i := 0; i < 20; i++ {
		tr := &fakeTransport{}
		c, err := correlator.New(tr, &fakeNotifier{ch: make(chan delivery, 64)}, correlator.Options{
			Clock:  clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
			Logger: logging.NewNop(),
		})
		require.NoError(t, err)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				page := "tab-" + string(rune('a'+j))
				msg, _ := protocol.NewMessage("r", protocol.ActionSendImport, page, protocol.ImportPayload{Title: "Kit"})
				c.Handle(context.Background(), msg)
				c.ObserveRequest(page, "https://bucket.s3.amazonaws.com/kit.zip?sig=1")
			}
		}()
		go func() {
			defer wg.Done()
			c.Close()
		}()
		wg.Wait()
		c.Close()
	}
}
