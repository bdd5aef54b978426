package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundlebridge/internal/api"
	"bundlebridge/internal/config"
	"bundlebridge/internal/protocol"
	"bundlebridge/internal/services"
	"bundlebridge/internal/transport"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestPasswordModeSendImport(t *testing.T) {
	var got api.ImportRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "abcd efgh" {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Message: "bad credentials"})
			return
		}
		assert.Equal(t, "/rest/bundlebridge/v1/import", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		writeJSON(w, http.StatusAccepted, api.ImportResponse{
			Success: true,
			Message: "Import queued for background processing.",
			Data:    api.ImportData{JobID: 7, Status: api.StatusQueued, Title: got.Title},
		})
	}))
	defer srv.Close()

	client, err := transport.New(config.Target{SiteURL: srv.URL + "/", Username: "admin", AppPassword: "abcd efgh"})
	require.NoError(t, err)

	resp, err := client.SendImport(context.Background(), api.ImportRequest{Title: "Landing Kit", DownloadURL: "https://cdn.example/kit.zip"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, transport.MessageImportQueued, resp.Message)
	assert.Equal(t, int64(7), resp.Data.JobID)
	assert.Equal(t, api.StatusQueued, resp.Data.Status)
	assert.Equal(t, "https://cdn.example/kit.zip", got.DownloadURL)
}

func TestNotConfigured(t *testing.T) {
	client, err := transport.New(config.Target{})
	require.NoError(t, err)

	_, err = client.ConnectionStatus(context.Background())
	require.Error(t, err)
	assert.Equal(t, transport.MessageNotConfigured, err.Error())
	assert.ErrorIs(t, err, services.ErrConfiguration)
	assert.True(t, transport.IsNotConfigured(err))

	client, err = transport.New(config.Target{SiteURL: "https://site.example"})
	require.NoError(t, err)
	_, err = client.ImportStatus(context.Background(), 1)
	assert.True(t, transport.IsNotConfigured(err))
}

func TestServerMessageSurfacedVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Code: "not_found", Message: "Job not found.", Status: 404})
	}))
	defer srv.Close()

	client, err := transport.New(config.Target{SiteURL: srv.URL, Username: "u", AppPassword: "p"})
	require.NoError(t, err)
	_, err = client.ImportStatus(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, "Job not found.", err.Error())
	var apiErr *transport.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestCookieModeSession(t *testing.T) {
	var sawNonce, sawCookie string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawNonce = r.Header.Get(transport.NonceHeader)
		if c, err := r.Cookie(transport.SessionCookie); err == nil {
			sawCookie = c.Value
		}
		if _, _, ok := r.BasicAuth(); ok {
			t.Errorf("cookie mode must not send basic auth")
		}
		if status != http.StatusOK {
			writeJSON(w, status, api.ErrorResponse{Message: "Cookie check failed"})
			return
		}
		assert.Equal(t, "/rest/bundlebridge/v1/status", r.URL.Path)
		writeJSON(w, http.StatusOK, api.ConnectionStatus{Connected: true, SiteName: "Studio"})
	}))
	defer srv.Close()

	client, err := transport.New(config.Target{})
	require.NoError(t, err)
	require.NoError(t, client.UseSession(protocol.SessionPayload{
		SiteURL: srv.URL,
		RESTURL: srv.URL + "/rest/",
		Nonce:   "n0nce",
		User:    "editor",
		Cookies: transport.SessionCookie + "=s3ss",
	}))
	assert.Equal(t, transport.AuthCookie, client.Settings().AuthMode)

	got, err := client.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Studio", got.SiteName)
	assert.Equal(t, "n0nce", sawNonce)
	assert.Equal(t, "s3ss", sawCookie)
	connected, _ := client.Connected()
	assert.True(t, connected)

	status = http.StatusForbidden
	_, err = client.TestConnection(context.Background())
	require.Error(t, err)
	assert.Equal(t, transport.MessageSessionExpired, err.Error())
	connected, _ = client.Connected()
	assert.False(t, connected)

	client.ClearSession()
	assert.Equal(t, transport.AuthPassword, client.Settings().AuthMode)
}

func TestUseSessionRequiresNonce(t *testing.T) {
	client, err := transport.New(config.Target{})
	require.NoError(t, err)
	err = client.UseSession(protocol.SessionPayload{SiteURL: "https://site.example"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No active session found")
}
