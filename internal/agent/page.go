package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"bundlebridge/internal/bridge"
	"bundlebridge/internal/clock"
	"bundlebridge/internal/intercept"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/protocol"
	"bundlebridge/internal/relay"
)

// PageOptions describes a page opened against a running agent.
type PageOptions struct {
	// Agent is the agent base URL, for example http://127.0.0.1:7491.
	Agent string
	// Page identifies the page to the agent; a random id is used when empty.
	Page string
	// URL is the address the document was served from.
	URL string
	// Document is the page HTML.
	Document io.Reader
	// Network performs the page's requests. Defaults to http.DefaultTransport.
	Network         http.RoundTripper
	MarketplaceHost string
	Clock           clock.Clock
	Logger          *slog.Logger
	// OnControlChange observes the import control.
	OnControlChange func(relay.State, string)
}

// PageSession is one open marketplace page connected to the agent.
type PageSession struct {
	client *bridge.Client
	relay  *relay.Relay
	caps   intercept.Capabilities
	logger *slog.Logger

	states chan controlState
	cancel context.CancelFunc
	done   chan struct{}
}

type controlState struct {
	state relay.State
	label string
}

// OpenPage parses the document, dials the agent and installs the
// interceptor over the page's primitives.
func OpenPage(ctx context.Context, opts PageOptions) (*PageSession, error) {
	if opts.Document == nil {
		return nil, errors.New("page document is required")
	}
	page, err := relay.ParsePage(opts.Document, opts.URL)
	if err != nil {
		return nil, err
	}
	if opts.Page == "" {
		opts.Page = uuid.NewString()
	}
	network := opts.Network
	if network == nil {
		network = http.DefaultTransport
	}
	client, err := bridge.Dial(ctx, opts.Agent, opts.Page, nil)
	if err != nil {
		return nil, err
	}

	p := &PageSession{
		client: client,
		logger: logging.NewComponentLogger(opts.Logger, "page").With(logging.String(logging.FieldPage, opts.Page)),
		states: make(chan controlState, 16),
		done:   make(chan struct{}),
	}
	var interceptOpts []intercept.Option
	if opts.MarketplaceHost != "" {
		interceptOpts = append(interceptOpts, intercept.WithMarketplaceHost(opts.MarketplaceHost))
	}
	if opts.Clock != nil {
		interceptOpts = append(interceptOpts, intercept.WithClock(opts.Clock))
	}
	var r *relay.Relay
	sink := intercept.SinkFunc(func(c intercept.Capture) {
		if r != nil {
			r.Capture(c)
		}
	})
	p.caps = intercept.Install(intercept.Capabilities{
		Fetch: network,
		XHR:   network,
		Links: linkFollower{client: &http.Client{Transport: network}},
	}, sink, interceptOpts...)

	r = relay.New(client, relay.StaticBrowser{P: page}, relay.LinkClicker{Links: p.caps.Links}, relay.Options{
		Clock:  opts.Clock,
		Logger: opts.Logger,
		OnControlChange: func(state relay.State, label string) {
			if opts.OnControlChange != nil {
				opts.OnControlChange(state, label)
			}
			select {
			case p.states <- controlState{state: state, label: label}:
			default:
			}
		},
	})
	p.relay = r
	return p, nil
}

// Page returns the page id registered with the agent.
func (p *PageSession) Page() string { return p.client.Page() }

// Fetch returns an HTTP client whose requests pass through the interceptor,
// as the page's own fetch calls would.
func (p *PageSession) Fetch() *http.Client {
	return &http.Client{Transport: p.caps.Fetch}
}

// Links returns the intercepted link primitive.
func (p *PageSession) Links() intercept.LinkActivator { return p.caps.Links }

// Relay exposes the page relay.
func (p *PageSession) Relay() *relay.Relay { return p.relay }

// Import detects the page, activates the import control and waits until the
// control reports success or failure. A Response is returned for every
// outcome the agent reported.
func (p *PageSession) Import(ctx context.Context) (protocol.Response, error) {
	injected, err := p.relay.Refresh(ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	if !injected && !p.relay.Page().HasControl() {
		return protocol.Response{}, relay.ErrNotImportable
	}
	p.start()

	resp, err := p.relay.Activate(ctx)
	if err != nil {
		return resp, err
	}
	if resp.Status() != protocol.StatusWaitingForDownload {
		return resp, nil
	}
	p.logger.Info("waiting for download URL")
	for {
		select {
		case <-ctx.Done():
			return resp, fmt.Errorf("waiting for import result: %w", ctx.Err())
		case <-p.client.Done():
			return resp, bridge.ErrClosed
		case st := <-p.states:
			switch st.state {
			case relay.StateSuccess:
				return protocol.Success(resp.ID, st.label, nil), nil
			case relay.StateError:
				return protocol.Failure(resp.ID, st.label), nil
			}
		}
	}
}

func (p *PageSession) start() {
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		defer close(p.done)
		_ = p.relay.Run(ctx)
	}()
}

// Close stops the relay and closes the bridge connection, which tells the
// agent the page is gone.
func (p *PageSession) Close() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.relay.Close()
	return p.client.Close()
}

// linkFollower follows anchors with a HEAD request so a link activation
// reaches the network without fetching the bundle itself.
type linkFollower struct {
	client *http.Client
}

func (l linkFollower) Activate(ctx context.Context, link intercept.Link) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link.Href, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
