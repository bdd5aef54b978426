package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"bundlebridge/internal/clock"
	"bundlebridge/internal/intercept"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/protocol"
)

const (
	DefaultNavigationDebounce = 500 * time.Millisecond
	DefaultRecheckInterval    = 2 * time.Second

	forwardTimeout = 10 * time.Second
)

// ErrNotImportable is returned when activation is attempted on a page that
// failed detection.
var ErrNotImportable = errors.New("page is not an importable asset page")

// Client carries protocol messages to the correlator.
type Client interface {
	Send(ctx context.Context, action protocol.Action, payload any) (protocol.Response, error)
	Notifications() <-chan protocol.Notification
}

// Browser returns the document currently shown.
type Browser interface {
	Current(ctx context.Context) (*Page, error)
}

// Clicker activates a control on the page.
type Clicker interface {
	Click(ctx context.Context, p *Page, control *goquery.Selection) error
}

// Options tunes a Relay.
type Options struct {
	Clock              clock.Clock
	Logger             *slog.Logger
	NavigationDebounce time.Duration
	RecheckInterval    time.Duration
	// OnControlChange observes control transitions.
	OnControlChange func(State, string)
	// OnInject observes control injection. It runs with the relay locked.
	OnInject func(url string, placement PlacementStrategy)
}

// Relay drives one page.
type Relay struct {
	client  Client
	browser Browser
	clicker Clicker
	clock   clock.Clock
	logger  *slog.Logger
	opts    Options
	control *Control

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	page        *Page
	lastURL     string
	injectedFor string
	navTimer    clock.Timer

	navigate chan struct{}
	recheck  chan struct{}
}

// New builds a Relay. clicker may be nil, in which case the page's own
// download control is never triggered.
func New(client Client, browser Browser, clicker Clicker, opts Options) *Relay {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.NavigationDebounce <= 0 {
		opts.NavigationDebounce = DefaultNavigationDebounce
	}
	if opts.RecheckInterval <= 0 {
		opts.RecheckInterval = DefaultRecheckInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		client:   client,
		browser:  browser,
		clicker:  clicker,
		clock:    opts.Clock,
		logger:   logging.NewComponentLogger(opts.Logger, "relay"),
		opts:     opts,
		control:  NewControl(opts.Clock, opts.OnControlChange),
		ctx:      ctx,
		cancel:   cancel,
		navigate: make(chan struct{}, 1),
		recheck:  make(chan struct{}, 1),
	}
}

// Control exposes the import control.
func (r *Relay) Control() *Control { return r.control }

// Page returns the last detected page.
func (r *Relay) Page() *Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.page
}

// Capture forwards an interceptor capture to the correlator. It never blocks
// the caller.
func (r *Relay) Capture(c intercept.Capture) {
	if r.ctx.Err() != nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, forwardTimeout)
		defer cancel()
		resp, err := r.client.Send(ctx, protocol.ActionDownloadURLCaptured, protocol.CapturePayload{URL: c.URL, Source: c.Tag()})
		if err != nil {
			r.logger.Debug("capture not forwarded", logging.String("source", c.Tag()), logging.Error(err))
			return
		}
		r.logger.Debug("capture forwarded",
			logging.String("source", c.Tag()),
			logging.Bool("success", resp.Success),
		)
	}()
}

// HistoryChanged schedules a debounced re-detection after a history mutation.
func (r *Relay) HistoryChanged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.navTimer != nil {
		r.navTimer.Stop()
	}
	r.navTimer = r.clock.AfterFunc(r.opts.NavigationDebounce, func() { signal(r.navigate) })
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Refresh re-runs detection on the current document and injects the control
// when the page qualifies. It reports whether a control was injected.
func (r *Relay) Refresh(ctx context.Context) (bool, error) {
	page, err := r.browser.Current(ctx)
	if err != nil {
		return false, fmt.Errorf("load current page: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.page = page
	r.lastURL = page.URL
	if r.injectedFor == page.URL && page.HasControl() {
		return false, nil
	}
	RemoveControls(page)
	r.injectedFor = ""
	detection := Detect(page)
	if !detection.Importable {
		return false, nil
	}
	placement, ok := InjectControl(page)
	if !ok {
		return false, nil
	}
	r.injectedFor = page.URL
	if r.opts.OnInject != nil {
		r.opts.OnInject(page.URL, placement.Strategy)
	}
	r.logger.Info("import control injected",
		logging.String("url", page.URL),
		logging.String("placement", string(placement.Strategy)),
	)
	return true, nil
}

// Run processes navigation, periodic rechecks and pushed results until ctx
// ends or Close is called.
func (r *Relay) Run(ctx context.Context) error {
	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial detection failed", logging.Error(err))
	}
	timer := r.scheduleRecheck()
	defer func() { timer.Stop() }()

	notifications := r.client.Notifications()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return nil
		case <-r.navigate:
			r.onNavigate(ctx)
		case <-r.recheck:
			r.onRecheck(ctx)
			timer = r.scheduleRecheck()
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			r.onNotification(n)
		}
	}
}

func (r *Relay) scheduleRecheck() clock.Timer {
	return r.clock.AfterFunc(r.opts.RecheckInterval, func() { signal(r.recheck) })
}

func (r *Relay) onNavigate(ctx context.Context) {
	page, err := r.browser.Current(ctx)
	if err != nil {
		r.logger.Debug("navigation check failed", logging.Error(err))
		return
	}
	r.mu.Lock()
	changed := page.URL != r.lastURL
	r.mu.Unlock()
	if !changed {
		return
	}
	r.logger.Debug("navigation detected", logging.String("url", page.URL))
	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Debug("re-detection failed", logging.Error(err))
	}
}

func (r *Relay) onRecheck(ctx context.Context) {
	r.mu.Lock()
	present := r.page.HasControl()
	if !present {
		r.injectedFor = ""
	}
	r.mu.Unlock()
	if present {
		return
	}
	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Debug("recheck failed", logging.Error(err))
	}
}

func (r *Relay) onNotification(n protocol.Notification) {
	if n.Type != protocol.NotificationImportResult {
		return
	}
	if n.Result.Success {
		r.control.Succeed()
		r.logger.Info("import delivered", logging.String("message", n.Result.Message))
		return
	}
	r.control.Fail(n.Result.Message, false)
	r.logger.Warn("import failed", logging.String("message", n.Result.Message))
}

// Activate handles a click on the import control.
func (r *Relay) Activate(ctx context.Context) (protocol.Response, error) {
	r.mu.Lock()
	page := r.page
	importable := page != nil && Detect(page).Importable
	var meta Metadata
	if importable {
		meta = ScrapeMetadata(page)
	}
	r.mu.Unlock()
	if !importable {
		return protocol.Response{}, ErrNotImportable
	}
	if !r.control.Begin() {
		return protocol.Failure("", "An import is already in progress"), nil
	}

	status, err := r.client.Send(ctx, protocol.ActionConnectionStatus, nil)
	if err != nil {
		r.control.Fail("No response from agent", false)
		return protocol.Response{}, err
	}
	var conn struct {
		Configured bool `json:"configured"`
	}
	if err := status.DecodeData(&conn); err != nil || !conn.Configured {
		r.control.Fail("Configure the site connection first", true)
		return protocol.Failure(status.ID, "Configure the site connection first"), nil
	}

	if meta.Title == "" {
		r.control.Fail("Could not detect kit title", true)
		return protocol.Failure("", "Could not detect kit title"), nil
	}

	resp, err := r.client.Send(ctx, protocol.ActionSendImport, protocol.ImportPayload{
		Title:        meta.Title,
		ThumbnailURL: meta.ThumbnailURL,
		Category:     meta.Category,
		SourceURL:    meta.SourceURL,
	})
	if err != nil {
		r.control.Fail("No response from agent", false)
		return protocol.Response{}, err
	}
	switch {
	case !resp.Success:
		r.control.Fail(resp.Message, isConfigurationMessage(resp.Message))
	case resp.Status() == protocol.StatusWaitingForDownload:
		r.control.Wait()
		r.triggerDownload(ctx, page)
	default:
		r.control.Succeed()
	}
	return resp, nil
}

func isConfigurationMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "not configured")
}

func (r *Relay) triggerDownload(ctx context.Context, page *Page) {
	if r.clicker == nil {
		return
	}
	r.mu.Lock()
	control := FindDownloadControl(page)
	r.mu.Unlock()
	if control == nil {
		r.logger.Info("no download control to trigger", logging.String("url", page.URL))
		return
	}
	if err := r.clicker.Click(ctx, page, control); err != nil {
		logging.WarnWithContext(r.logger, "download control click failed", "download_trigger",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the import waits for a manually started download"),
			logging.String(logging.FieldErrorHint, "click the page's download button"),
		)
	}
}

// Close stops Run and waits for forwarded captures.
func (r *Relay) Close() {
	r.cancel()
	r.mu.Lock()
	if r.navTimer != nil {
		r.navTimer.Stop()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// LinkClicker clicks anchors through a link capability, so activations pass
// through the interceptor.
type LinkClicker struct {
	Links intercept.LinkActivator
}

// Click follows the control's href resolved against the page URL.
func (c LinkClicker) Click(ctx context.Context, p *Page, control *goquery.Selection) error {
	href, ok := control.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return fmt.Errorf("download control is not a link")
	}
	target, err := resolve(p.URL, href)
	if err != nil {
		return err
	}
	_, download := control.Attr("download")
	return c.Links.Activate(ctx, intercept.Link{Href: target, DownloadAttr: download})
}

func resolve(base, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref.String(), nil
	}
	return b.ResolveReference(ref).String(), nil
}

// StaticBrowser serves a fixed page.
type StaticBrowser struct {
	P *Page
}

func (s StaticBrowser) Current(context.Context) (*Page, error) {
	if s.P == nil {
		return nil, errors.New("no page loaded")
	}
	return s.P, nil
}
