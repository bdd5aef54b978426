package bridge_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundlebridge/internal/bridge"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/protocol"
)

type harness struct {
	server *bridge.Server
	http   *httptest.Server
	seen   chan protocol.Message
	block  chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{seen: make(chan protocol.Message, 16), block: make(chan struct{})}
	handler := bridge.HandlerFunc(func(ctx context.Context, msg protocol.Message) protocol.Response {
		h.seen <- msg
		switch msg.Action {
		case protocol.ActionTestConnection:
			return protocol.Success("", "Connected", map[string]string{"page": msg.Page})
		case protocol.ActionCheckImportStatus:
			select {
			case <-h.block:
			case <-ctx.Done():
			}
			return protocol.Failure("", "late")
		}
		return protocol.Failure("", "Unknown action")
	})
	h.server = bridge.NewServer(handler, logging.NewNop())
	h.http = httptest.NewServer(h.server)
	t.Cleanup(func() {
		close(h.block)
		h.http.Close()
	})
	return h
}

func (h *harness) waitFor(t *testing.T, action protocol.Action) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-h.seen:
			if msg.Action == action {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", action)
		}
	}
}

func TestRequestResponseCorrelation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := bridge.Dial(ctx, h.http.URL, "tab-7", nil)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Send(ctx, protocol.ActionTestConnection, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.ID)
	var data map[string]string
	require.NoError(t, resp.DecodeData(&data))
	assert.Equal(t, "tab-7", data["page"])

	resp, err = client.Send(ctx, protocol.Action("NOPE"), nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Unknown action", resp.Message)
}

func TestNotificationsReachPage(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := bridge.Dial(ctx, h.http.URL, "tab-1", nil)
	require.NoError(t, err)
	defer client.Close()
	// A round trip guarantees the connection is registered.
	_, err = client.Send(ctx, protocol.ActionTestConnection, nil)
	require.NoError(t, err)

	assert.False(t, h.server.Notify("tab-2", protocol.Success("", "other page", nil)))
	require.True(t, h.server.Notify("tab-1", protocol.Success("", "Import queued!", nil)))

	select {
	case note := <-client.Notifications():
		assert.Equal(t, protocol.NotificationImportResult, note.Type)
		assert.Equal(t, "tab-1", note.Page)
		assert.Equal(t, "Import queued!", note.Result.Message)
	case <-ctx.Done():
		t.Fatal("notification not delivered")
	}
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := bridge.Dial(ctx, h.http.URL, "tab-3", nil)
	require.NoError(t, err)
	defer client.Close()

	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	_, err = client.Send(short, protocol.ActionCheckImportStatus, protocol.ImportStatusPayload{JobID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosingConnectionClosesPage(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := bridge.Dial(ctx, h.http.URL, "tab-9", nil)
	require.NoError(t, err)
	_, err = client.Send(ctx, protocol.ActionTestConnection, nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.server.Pages())

	require.NoError(t, client.Close())
	msg := h.waitFor(t, protocol.ActionPageClosed)
	assert.Equal(t, "tab-9", msg.Page)

	_, err = client.Send(ctx, protocol.ActionTestConnection, nil)
	assert.ErrorIs(t, err, bridge.ErrClosed)
}
