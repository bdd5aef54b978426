package intercept

import (
	"context"
	"net/http"
	"time"

	"bundlebridge/internal/clock"
)

// Capability names the page primitive a capture was observed on.
type Capability string

const (
	CapabilityFetch      Capability = "fetch"
	CapabilityXHR        Capability = "xhr"
	CapabilityLink       Capability = "link"
	CapabilityNavigation Capability = "navigation"
)

// Source names the signal that produced a capture.
type Source string

const (
	SourceRequest            Source = "request"
	SourceRedirect           Source = "redirect"
	SourceLocationHeader     Source = "location-header"
	SourceAttachment         Source = "attachment"
	SourceBinary             Source = "binary"
	SourceJSON               Source = "json"
	SourceGraphQLJSON        Source = "graphql-json"
	SourceAnchorClick        Source = "anchor-click"
	SourceAnchorDownloadAttr Source = "anchor-download-attr"
	SourceDynamicAnchorClick Source = "dynamic-anchor-click"
	SourceWindowOpen         Source = "window-open"
	SourceLocationAssign     Source = "location-assign"
)

// Capture is a download URL observed on the page.
type Capture struct {
	URL        string
	Capability Capability
	Source     Source
	CapturedAt time.Time
}

// Tag is the source tag forwarded with the capture, e.g. "fetch-request".
func (c Capture) Tag() string {
	return string(c.Capability) + "-" + string(c.Source)
}

// Sink receives captures. Implementations must not block.
type Sink interface {
	Capture(Capture)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Capture)

func (f SinkFunc) Capture(c Capture) { f(c) }

// Link is an anchor activation.
type Link struct {
	Href string
	// DownloadAttr is set when the anchor carries a download attribute.
	DownloadAttr bool
	// Dynamic is set for anchors created after installation.
	Dynamic bool
}

// LinkActivator follows an anchor.
type LinkActivator interface {
	Activate(ctx context.Context, link Link) error
}

// Navigator performs explicit navigation.
type Navigator interface {
	Open(ctx context.Context, url string) error
	Assign(ctx context.Context, url string) error
}

// Capabilities is the set of page primitives the interceptor wraps. Nil
// members stay nil after Install.
type Capabilities struct {
	Fetch      http.RoundTripper
	XHR        http.RoundTripper
	Links      LinkActivator
	Navigation Navigator
}

// Option customizes Install.
type Option func(*emitter)

// WithMarketplaceHost sets the host marker used to decide whether a call is a
// marketplace API call.
func WithMarketplaceHost(host string) Option {
	return func(e *emitter) { e.host = host }
}

// WithClock sets the clock used to timestamp captures.
func WithClock(c clock.Clock) Option {
	return func(e *emitter) {
		if c != nil {
			e.clock = c
		}
	}
}

// Install wraps every non-nil capability.
func Install(caps Capabilities, sink Sink, opts ...Option) Capabilities {
	e := newEmitter(sink, opts)
	out := Capabilities{}
	if caps.Fetch != nil {
		out.Fetch = &Transport{Base: caps.Fetch, Capability: CapabilityFetch, emitter: e}
	}
	if caps.XHR != nil {
		out.XHR = &Transport{Base: caps.XHR, Capability: CapabilityXHR, emitter: e}
	}
	if caps.Links != nil {
		out.Links = &linkActivator{base: caps.Links, emitter: e}
	}
	if caps.Navigation != nil {
		out.Navigation = &navigator{base: caps.Navigation, emitter: e}
	}
	return out
}

func newEmitter(sink Sink, opts []Option) *emitter {
	e := &emitter{sink: sink, clock: clock.Real{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type emitter struct {
	sink  Sink
	host  string
	clock clock.Clock
}

func (e *emitter) emit(url string, capability Capability, source Source) {
	if e == nil || e.sink == nil || url == "" {
		return
	}
	e.sink.Capture(Capture{URL: url, Capability: capability, Source: source, CapturedAt: e.clock.Now()})
}

// safely runs fn and discards any panic raised while inspecting traffic.
func safely(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
