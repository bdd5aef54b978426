package intercept_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundlebridge/internal/clock"
	"bundlebridge/internal/intercept"
)

type recorder struct {
	mu       sync.Mutex
	captures []intercept.Capture
}

func (r *recorder) Capture(c intercept.Capture) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures = append(r.captures, c)
}

func (r *recorder) tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.captures))
	for _, c := range r.captures {
		out = append(out, c.Tag())
	}
	return out
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestRequestURLCapturedAndBodyUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	rec := &recorder{}
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	caps := intercept.Install(intercept.Capabilities{Fetch: http.DefaultTransport}, rec, intercept.WithClock(fake))
	client := &http.Client{Transport: caps.Fetch}

	resp, err := client.Get(srv.URL + "/files/kit.zip")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "payload", string(body))
	require.Len(t, rec.captures, 1)
	assert.Equal(t, "fetch-request", rec.captures[0].Tag())
	assert.Equal(t, srv.URL+"/files/kit.zip", rec.captures[0].URL)
	assert.Equal(t, fake.Now(), rec.captures[0].CapturedAt)
}

func TestMarketplaceJSONResponseInspectedAtEOF(t *testing.T) {
	const payload = `{"data":{"item":{"downloadUrl":"https://cdn.example/kit.zip?sig=1"}}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	rec := &recorder{}
	caps := intercept.Install(intercept.Capabilities{XHR: http.DefaultTransport}, rec, intercept.WithMarketplaceHost("127.0.0.1"))
	client := &http.Client{Transport: caps.XHR}

	resp, err := client.Get(srv.URL + "/api/items/42")
	require.NoError(t, err)
	assert.Empty(t, rec.tags(), "inspection must wait for the caller to read")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, payload, string(body))
	assert.Equal(t, []string{"xhr-json"}, rec.tags())
	assert.Equal(t, "https://cdn.example/kit.zip?sig=1", rec.captures[0].URL)
}

func TestDownloadMutationBodyForwardedAndResponseInspected(t *testing.T) {
	const mutation = `{"operationName":"generateDownloadUrl","variables":{"id":"abc"}}`
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received = string(b)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, `{"result":{"signedUrl":"https://bucket.s3.amazonaws.com/kit.zip"}}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	transport := intercept.NewTransport(http.DefaultTransport, intercept.CapabilityFetch, rec)

	// A reader without GetBody forces the buffering path.
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/gateway", io.NopCloser(strings.NewReader(mutation)))
	require.NoError(t, err)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, mutation, received)
	assert.Equal(t, []string{"fetch-graphql-json"}, rec.tags())
}

func TestHeaderSignals(t *testing.T) {
	rec := &recorder{}
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		header := http.Header{}
		header.Set("Location", "https://bucket.s3.amazonaws.com/kit.zip")
		header.Set("Content-Disposition", `attachment; filename="kit.zip"`)
		header.Set("Content-Type", "application/zip")
		return &http.Response{StatusCode: http.StatusCreated, Header: header, Body: io.NopCloser(strings.NewReader("")), Request: req}, nil
	})
	transport := intercept.NewTransport(base, intercept.CapabilityFetch, rec)

	req, err := http.NewRequest(http.MethodGet, "https://elements.envato.com/api/v1/items/7/files", nil)
	require.NoError(t, err)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Equal(t, []string{"fetch-location-header", "fetch-attachment", "fetch-binary"}, rec.tags())
}

func TestRedirectFinalURL(t *testing.T) {
	rec := &recorder{}
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		final, _ := http.NewRequest(http.MethodGet, "https://cdn.example/signed/kit.zip?token=1", nil)
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody, Request: final}, nil
	})
	transport := intercept.NewTransport(base, intercept.CapabilityXHR, rec)

	req, err := http.NewRequest(http.MethodGet, "https://elements.envato.com/api/items/7", nil)
	require.NoError(t, err)
	_, err = transport.RoundTrip(req)
	require.NoError(t, err)

	assert.Equal(t, []string{"xhr-redirect"}, rec.tags())
}

func TestRedirectHopUnderFollowingClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/items/7/files", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/files/kit.zip?sig=1", http.StatusFound)
	})
	mux.HandleFunc("/files/kit.zip", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = io.WriteString(w, "PK")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := &recorder{}
	caps := intercept.Install(intercept.Capabilities{Fetch: http.DefaultTransport}, rec, intercept.WithMarketplaceHost("127.0.0.1"))
	client := &http.Client{Transport: caps.Fetch}

	resp, err := client.Get(srv.URL + "/api/v1/items/7/files")
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{"fetch-redirect", "fetch-request"}, rec.tags())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, srv.URL+"/files/kit.zip?sig=1", rec.captures[0].URL)
}

func TestErrorsPassThroughUnchanged(t *testing.T) {
	boom := errors.New("connection reset")
	base := roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, boom })
	transport := intercept.NewTransport(base, intercept.CapabilityFetch, &recorder{})

	req, err := http.NewRequest(http.MethodGet, "https://elements.envato.com/api/items", nil)
	require.NoError(t, err)
	resp, err := transport.RoundTrip(req)
	assert.Nil(t, resp)
	assert.Same(t, boom, err)
}

func TestPanickingSinkIsSwallowed(t *testing.T) {
	sink := intercept.SinkFunc(func(intercept.Capture) { panic("sink failure") })
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		header := http.Header{}
		header.Set("Content-Type", "application/json")
		return &http.Response{StatusCode: http.StatusOK, Header: header, Body: io.NopCloser(strings.NewReader(`{"url":"https://x.example/kit.zip"}`)), Request: req}, nil
	})
	transport := intercept.NewTransport(base, intercept.CapabilityFetch, sink)

	req, err := http.NewRequest(http.MethodGet, "https://elements.envato.com/api/download/kit.zip", nil)
	require.NoError(t, err)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	var body []byte
	require.NotPanics(t, func() {
		body, err = io.ReadAll(resp.Body)
	})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"https://x.example/kit.zip"}`, string(body))
}

func TestIrrelevantResponseNotInspected(t *testing.T) {
	rec := &recorder{}
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		header := http.Header{}
		header.Set("Content-Type", "application/json")
		return &http.Response{StatusCode: http.StatusOK, Header: header, Body: io.NopCloser(strings.NewReader(`{"url":"https://x.example/kit.zip"}`)), Request: req}, nil
	})
	transport := intercept.NewTransport(base, intercept.CapabilityFetch, rec)

	req, err := http.NewRequest(http.MethodGet, "https://news.example/feed", nil)
	require.NoError(t, err)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	assert.Empty(t, rec.tags())
}

type fakeLinks struct{ followed []string }

func (f *fakeLinks) Activate(_ context.Context, link intercept.Link) error {
	f.followed = append(f.followed, link.Href)
	return nil
}

type fakeNavigator struct{ opened, assigned []string }

func (f *fakeNavigator) Open(_ context.Context, url string) error {
	f.opened = append(f.opened, url)
	return nil
}

func (f *fakeNavigator) Assign(_ context.Context, url string) error {
	f.assigned = append(f.assigned, url)
	return errors.New("navigation blocked")
}

func TestLinksAndNavigation(t *testing.T) {
	rec := &recorder{}
	links := &fakeLinks{}
	nav := &fakeNavigator{}
	caps := intercept.Install(intercept.Capabilities{Links: links, Navigation: nav}, rec)
	assert.Nil(t, caps.Fetch)
	ctx := context.Background()

	require.NoError(t, caps.Links.Activate(ctx, intercept.Link{Href: "https://cdn.example/kit.zip"}))
	require.NoError(t, caps.Links.Activate(ctx, intercept.Link{Href: "https://cdn.example/kit.zip", Dynamic: true}))
	require.NoError(t, caps.Links.Activate(ctx, intercept.Link{Href: "blob:https://elements.envato.com/1", DownloadAttr: true}))
	require.NoError(t, caps.Links.Activate(ctx, intercept.Link{Href: "https://elements.envato.com/about"}))
	require.NoError(t, caps.Navigation.Open(ctx, "https://cdn.example/download/kit"))
	err := caps.Navigation.Assign(ctx, "https://cdn.example/kit.zip")
	assert.EqualError(t, err, "navigation blocked")

	assert.Len(t, links.followed, 4)
	assert.Equal(t, []string{"https://cdn.example/download/kit"}, nav.opened)
	assert.Equal(t, []string{
		"link-anchor-click",
		"link-dynamic-anchor-click",
		"link-anchor-download-attr",
		"navigation-window-open",
		"navigation-location-assign",
	}, rec.tags())
}
