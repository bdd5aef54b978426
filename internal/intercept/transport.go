package intercept

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"bundlebridge/internal/heuristics"
)

// maxInspectBytes bounds how much of a request or response body is inspected.
const maxInspectBytes = 1 << 20

var binaryContentTypes = []string{
	"application/zip",
	"application/x-zip-compressed",
	"application/octet-stream",
}

// Transport is an http.RoundTripper that reports download URLs seen in the
// traffic it carries.
type Transport struct {
	Base       http.RoundTripper
	Capability Capability

	emitter *emitter
}

// NewTransport wraps base directly, without going through Install.
func NewTransport(base http.RoundTripper, capability Capability, sink Sink, opts ...Option) *Transport {
	return &Transport{Base: base, Capability: capability, emitter: newEmitter(sink, opts)}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	target := ""
	if req.URL != nil {
		target = req.URL.String()
	}
	safely(func() {
		if heuristics.LooksLikeDownloadURL(target) {
			t.emitter.emit(target, t.Capability, SourceRequest)
		}
	})

	mutation := false
	outgoing := req
	safely(func() {
		var body []byte
		body, outgoing = peekRequestBody(req)
		mutation = heuristics.LooksLikeDownloadMutation(string(body))
	})
	if outgoing == nil {
		outgoing = req
	}

	resp, err := t.base().RoundTrip(outgoing)
	if err != nil || resp == nil {
		return resp, err
	}

	relevant := mutation
	safely(func() {
		relevant = relevant || heuristics.IsMarketplaceAPICall(target, t.emitter.host)
	})
	if !relevant {
		return resp, err
	}
	safely(func() { t.inspect(target, mutation, resp) })
	return resp, err
}

func (t *Transport) inspect(target string, mutation bool, resp *http.Response) {
	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	location := resolveLocation(final, resp.Header.Get("Location"))
	switch {
	case final != target && heuristics.LooksLikeDownloadURL(final):
		t.emitter.emit(final, t.Capability, SourceRedirect)
	case isRedirect(resp.StatusCode) && heuristics.LooksLikeDownloadURL(location):
		// A following http.Client hands each hop to RoundTrip separately, so
		// the hop is the redirect signal.
		t.emitter.emit(location, t.Capability, SourceRedirect)
	case location != "" && (heuristics.LooksLikeDownloadURL(location) || heuristics.LooksLikeResponseURL(location)):
		t.emitter.emit(location, t.Capability, SourceLocationHeader)
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Disposition")), "attachment") {
		t.emitter.emit(final, t.Capability, SourceAttachment)
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	for _, binary := range binaryContentTypes {
		if strings.HasPrefix(contentType, binary) {
			t.emitter.emit(final, t.Capability, SourceBinary)
			break
		}
	}
	if resp.Body == nil || (!strings.Contains(contentType, "json") && !mutation) {
		return
	}
	source := SourceJSON
	if mutation {
		source = SourceGraphQLJSON
	}
	resp.Body = &teeBody{
		ReadCloser: resp.Body,
		onDone: func(buf []byte) {
			if found := heuristics.FindURL(buf); found != "" {
				t.emitter.emit(found, t.Capability, source)
			}
		},
	}
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400 && status != http.StatusNotModified
}

// resolveLocation makes a Location header absolute against base.
func resolveLocation(base, location string) string {
	location = strings.TrimSpace(location)
	if location == "" {
		return ""
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	if ref.IsAbs() {
		return ref.String()
	}
	from, err := url.Parse(base)
	if err != nil {
		return location
	}
	return from.ResolveReference(ref).String()
}

// peekRequestBody returns up to maxInspectBytes of the request body and the
// request to send. When GetBody is available the original request is sent
// untouched; otherwise a clone carries a body that replays the peeked bytes.
func peekRequestBody(req *http.Request) ([]byte, *http.Request) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, req
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, req
		}
		defer rc.Close()
		buf, _ := io.ReadAll(io.LimitReader(rc, maxInspectBytes))
		return buf, req
	}
	buf, err := io.ReadAll(io.LimitReader(req.Body, maxInspectBytes))
	clone := req.Clone(req.Context())
	clone.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(buf), req.Body), closer: req.Body}
	if err != nil {
		return nil, clone
	}
	return buf, clone
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b replayBody) Close() error { return b.closer.Close() }

// teeBody records what the caller reads and runs onDone once, at EOF or Close.
type teeBody struct {
	io.ReadCloser
	buf    bytes.Buffer
	once   sync.Once
	onDone func([]byte)
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 && b.buf.Len() < maxInspectBytes {
		room := maxInspectBytes - b.buf.Len()
		if room > n {
			room = n
		}
		b.buf.Write(p[:room])
	}
	if err == io.EOF {
		b.finish()
	}
	return n, err
}

func (b *teeBody) Close() error {
	err := b.ReadCloser.Close()
	b.finish()
	return err
}

func (b *teeBody) finish() {
	b.once.Do(func() {
		safely(func() { b.onDone(b.buf.Bytes()) })
	})
}
