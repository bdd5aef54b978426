package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bundlebridge/internal/api"
	"bundlebridge/internal/clock"
	"bundlebridge/internal/config"
	"bundlebridge/internal/heuristics"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/protocol"
	"bundlebridge/internal/transport"
)

const (
	DefaultTitle    = "Untitled Template Kit"
	DefaultCategory = "template-kit"

	// SourceWebRequest tags captures observed passively on page traffic.
	SourceWebRequest = "web-request"
	// SourceDownload tags captures observed as started downloads.
	SourceDownload = "download"

	messageWaiting = "Import queued, waiting for download URL..."
)

// Transport is the subset of the import API client the correlator uses.
type Transport interface {
	TestConnection(ctx context.Context) (api.ConnectionStatus, error)
	SendImport(ctx context.Context, req api.ImportRequest) (api.ImportResponse, error)
	ImportStatus(ctx context.Context, jobID int64) (api.JobStatus, error)
	UseSession(session protocol.SessionPayload) error
	ClearSession()
	Settings() transport.Settings
	Connected() (bool, time.Time)
}

// Notifier delivers asynchronous results to a page.
type Notifier interface {
	Notify(page string, result protocol.Response) bool
}

// Options tunes a Correlator.
type Options struct {
	Clock         clock.Clock
	Logger        *slog.Logger
	WaitWindow    time.Duration
	FreshWindow   time.Duration
	CaptureTTL    time.Duration
	SweepInterval time.Duration
	MaxPages      int
	SessionMaxAge time.Duration
}

// OptionsFromConfig maps the capture configuration onto Options.
func OptionsFromConfig(cfg config.Capture) Options {
	return Options{
		WaitWindow:    time.Duration(cfg.WaitWindowSeconds) * time.Second,
		FreshWindow:   time.Duration(cfg.FreshSeconds) * time.Second,
		CaptureTTL:    time.Duration(cfg.CaptureTTLSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		MaxPages:      cfg.MaxPages,
		SessionMaxAge: time.Duration(cfg.SessionMaxAgeHours) * time.Hour,
	}
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.WaitWindow <= 0 {
		o.WaitWindow = 30 * time.Second
	}
	if o.FreshWindow <= 0 {
		o.FreshWindow = 60 * time.Second
	}
	if o.CaptureTTL <= 0 {
		o.CaptureTTL = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 60 * time.Second
	}
	if o.SessionMaxAge <= 0 {
		o.SessionMaxAge = 12 * time.Hour
	}
}

// Correlator coordinates captures and import requests for every page in a
// browser session.
type Correlator struct {
	opts      Options
	store     *Store
	transport Transport
	notifier  Notifier
	logger    *slog.Logger

	events chan func()
	quit   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Owned by the event loop.
	closed   bool
	timers   map[string]clock.Timer
	sessions map[string]session
}

// New constructs a Correlator and starts its event loop.
func New(t Transport, notifier Notifier, opts Options) (*Correlator, error) {
	opts.applyDefaults()
	store, err := NewStore(opts.Clock, StoreOptions{
		MaxPages:   opts.MaxPages,
		CaptureTTL: opts.CaptureTTL,
		PendingTTL: 2 * opts.WaitWindow,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Correlator{
		opts:      opts,
		store:     store,
		transport: t,
		notifier:  notifier,
		logger:    logging.NewComponentLogger(opts.Logger, "correlator"),
		events:    make(chan func(), 64),
		quit:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[string]clock.Timer),
		sessions:  make(map[string]session),
	}
	go c.loop()
	c.scheduleSweep()
	return c, nil
}

// SetNotifier replaces the notifier. It is used when the notifier is built
// after the correlator, as with the bridge server that dispatches to it.
func (c *Correlator) SetNotifier(n Notifier) {
	c.do(func() { c.notifier = n })
}

// Close stops the event loop and waits for in-flight resolutions.
func (c *Correlator) Close() {
	c.once.Do(func() {
		c.do(func() { c.closed = true })
		close(c.quit)
		c.cancel()
	})
	c.wg.Wait()
}

func (c *Correlator) loop() {
	for {
		select {
		case fn := <-c.events:
			c.run(fn)
		case <-c.quit:
			for _, t := range c.timers {
				t.Stop()
			}
			return
		}
	}
}

func (c *Correlator) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("correlator event panicked", logging.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

// do runs fn on the event loop and waits for it. It reports false once the
// correlator is closed.
func (c *Correlator) do(fn func()) bool {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case c.events <- wrapped:
	case <-c.quit:
		return false
	}
	select {
	case <-done:
		return true
	case <-c.quit:
		return false
	}
}

// submit queues fn on the event loop without waiting.
func (c *Correlator) submit(fn func()) {
	select {
	case c.events <- fn:
	case <-c.quit:
	}
}

func (c *Correlator) scheduleSweep() {
	c.opts.Clock.AfterFunc(c.opts.SweepInterval, func() {
		select {
		case <-c.quit:
			return
		default:
		}
		c.scheduleSweep()
		c.submit(func() {
			captures, pending := c.store.Sweep()
			if captures > 0 || pending > 0 {
				c.logger.Debug("swept stale entries",
					logging.Int("captures", captures),
					logging.Int("pending", pending),
				)
			}
			for page := range c.timers {
				if _, ok := c.store.Pending(page); !ok {
					c.timers[page].Stop()
					delete(c.timers, page)
				}
			}
		})
	})
}

// Handle answers one protocol message. Every message gets a response.
func (c *Correlator) Handle(ctx context.Context, msg protocol.Message) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked",
				logging.String("action", string(msg.Action)),
				logging.String(logging.FieldPage, msg.Page),
				logging.String("panic", fmt.Sprint(r)),
			)
			resp = protocol.Failure(msg.ID, "Internal error handling "+string(msg.Action))
		}
		resp.ID = msg.ID
	}()

	switch msg.Action {
	case protocol.ActionTestConnection:
		return c.testConnection(ctx)
	case protocol.ActionSendImport:
		return c.sendImport(ctx, msg)
	case protocol.ActionDownloadURLCaptured:
		return c.downloadCaptured(msg)
	case protocol.ActionConnectionStatus:
		return c.connectionStatus()
	case protocol.ActionCheckImportStatus:
		return c.checkImportStatus(ctx, msg)
	case protocol.ActionSessionDetected:
		return c.sessionDetected(msg)
	case protocol.ActionDetectAccounts:
		return c.detectAccounts()
	case protocol.ActionConnectAccount:
		return c.connectAccount(ctx, msg)
	case protocol.ActionDisconnectAccount:
		c.transport.ClearSession()
		return protocol.Success(msg.ID, "Disconnected.", nil)
	case protocol.ActionPageClosed:
		c.PageClosed(msg.Page)
		return protocol.Success(msg.ID, "", nil)
	}
	c.logger.Warn("unknown action", logging.String("action", string(msg.Action)))
	return protocol.Failure(msg.ID, "Unknown action")
}

func (c *Correlator) testConnection(ctx context.Context) protocol.Response {
	status, err := c.transport.TestConnection(ctx)
	if err != nil {
		return protocol.Failure("", err.Error())
	}
	return protocol.Success("", "Connected successfully!", status)
}

func (c *Correlator) connectionStatus() protocol.Response {
	settings := c.transport.Settings()
	connected, connectedAt := c.transport.Connected()
	data := map[string]any{
		"configured": settings.Configured(),
		"connected":  connected && settings.Configured(),
		"siteUrl":    settings.SiteURL,
		"user":       settings.Username,
		"authMode":   settings.AuthMode,
	}
	if !connectedAt.IsZero() {
		data["connectedAt"] = connectedAt.UnixMilli()
	}
	return protocol.Success("", "", data)
}

func (c *Correlator) checkImportStatus(ctx context.Context, msg protocol.Message) protocol.Response {
	var payload protocol.ImportStatusPayload
	if err := msg.Decode(&payload); err != nil || payload.JobID <= 0 {
		return protocol.Failure("", "Missing job id")
	}
	status, err := c.transport.ImportStatus(ctx, payload.JobID)
	if err != nil {
		return protocol.Failure("", err.Error())
	}
	return protocol.Success("", status.Status, status)
}

func normalizePayload(p protocol.ImportPayload) protocol.ImportPayload {
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		p.Title = DefaultTitle
	}
	p.Category = strings.TrimSpace(p.Category)
	if p.Category == "" {
		p.Category = DefaultCategory
	}
	p.DownloadURL = strings.TrimSpace(p.DownloadURL)
	return p
}

func (c *Correlator) sendImport(ctx context.Context, msg protocol.Message) protocol.Response {
	var payload protocol.ImportPayload
	if err := msg.Decode(&payload); err != nil {
		return protocol.Failure("", "Invalid import payload")
	}
	payload = normalizePayload(payload)
	page := msg.Page
	logger := c.logger.With(logging.String(logging.FieldPage, page))

	immediate := payload.DownloadURL != "" || page == ""
	ok := c.do(func() {
		if immediate {
			if page != "" {
				c.clearPendingLocked(page)
				c.store.MarkApplied(page, payload.DownloadURL)
			}
			return
		}
		if capture, found := c.store.TakeFreshCapture(page, c.opts.FreshWindow); found {
			payload.DownloadURL = capture.URL
			immediate = true
			c.clearPendingLocked(page)
			c.store.MarkApplied(page, capture.URL)
			logger.Debug("using cached capture", logging.String("source", capture.Source))
			return
		}
		c.clearPendingLocked(page)
		entry := c.store.PutPending(page, payload)
		generation := entry.Generation
		c.timers[page] = c.opts.Clock.AfterFunc(c.opts.WaitWindow, func() {
			c.submit(func() { c.onTimeout(page, generation) })
		})
	})
	if !ok {
		return protocol.Failure("", "Correlator stopped")
	}
	if immediate {
		logger.Info("submitting import", logging.String("title", payload.Title), logging.Bool("has_url", payload.DownloadURL != ""))
		return c.submitImport(ctx, payload)
	}
	logger.Info("import waiting for download url", logging.String("title", payload.Title))
	return protocol.Success("", messageWaiting, map[string]string{"status": protocol.StatusWaitingForDownload})
}

// clearPendingLocked drops the page's pending entry and timer. Event loop only.
func (c *Correlator) clearPendingLocked(page string) {
	if t, ok := c.timers[page]; ok {
		t.Stop()
		delete(c.timers, page)
	}
	c.store.TakePending(page, 0)
}

func (c *Correlator) onTimeout(page string, generation uint64) {
	entry, ok := c.store.TakePending(page, generation)
	if !ok {
		return
	}
	delete(c.timers, page)
	c.logger.Info("download url wait expired; submitting without url",
		logging.String(logging.FieldPage, page),
		logging.String("title", entry.Payload.Title),
	)
	c.resolveAsync(page, entry.Payload)
}

func (c *Correlator) downloadCaptured(msg protocol.Message) protocol.Response {
	var payload protocol.CapturePayload
	if err := msg.Decode(&payload); err != nil || strings.TrimSpace(payload.URL) == "" || msg.Page == "" {
		return protocol.Failure("", "Missing download URL")
	}
	resolved, ok := c.capture(msg.Page, strings.TrimSpace(payload.URL), payload.Source)
	if !ok {
		return protocol.Failure("", "Correlator stopped")
	}
	return protocol.Success("", "", map[string]bool{"resolved": resolved})
}

// capture applies url to the page's pending import if one exists, otherwise
// caches it. A URL already submitted for the page within the capture TTL is
// dropped. It reports whether a pending import was resolved.
func (c *Correlator) capture(page, url, source string) (resolved bool, ok bool) {
	duplicate := false
	ok = c.do(func() {
		if c.store.RecentlyApplied(page, url) {
			duplicate = true
			return
		}
		entry, found := c.store.TakePending(page, 0)
		if !found {
			c.store.PutCapture(page, url, source)
			return
		}
		if t, exists := c.timers[page]; exists {
			t.Stop()
			delete(c.timers, page)
		}
		payload := entry.Payload
		payload.DownloadURL = url
		resolved = true
		c.store.MarkApplied(page, url)
		c.resolveAsync(page, payload)
	})
	c.logger.Debug("download url captured",
		logging.String(logging.FieldPage, page),
		logging.String("source", source),
		logging.Bool("resolved_pending", resolved),
		logging.Bool("duplicate", duplicate),
	)
	return resolved, ok
}

// ObserveRequest feeds a passively observed request URL. Only URLs that very
// likely point at a bundle are taken.
func (c *Correlator) ObserveRequest(page, url string) bool {
	if page == "" || !heuristics.IsLikelyBundleURL(url) {
		return false
	}
	_, ok := c.capture(page, url, SourceWebRequest)
	return ok
}

// ObserveDownload feeds a download started outside any page context. It
// resolves the oldest waiting import, if any.
func (c *Correlator) ObserveDownload(url, filename string) bool {
	if !heuristics.IsLikelyBundleURL(url) && !strings.HasSuffix(strings.ToLower(filename), ".zip") {
		return false
	}
	resolved := false
	c.do(func() {
		page, found := c.store.OldestPending(c.opts.WaitWindow)
		if !found {
			return
		}
		entry, _ := c.store.TakePending(page, 0)
		if t, exists := c.timers[page]; exists {
			t.Stop()
			delete(c.timers, page)
		}
		payload := entry.Payload
		payload.DownloadURL = url
		resolved = true
		c.store.MarkApplied(page, url)
		c.resolveAsync(page, payload)
	})
	return resolved
}

// PageClosed forgets every entry for page.
func (c *Correlator) PageClosed(page string) {
	if page == "" {
		return
	}
	c.do(func() {
		c.clearPendingLocked(page)
		c.store.DropPage(page)
	})
}

// resolveAsync submits payload outside the event loop and notifies page.
// Event loop only.
func (c *Correlator) resolveAsync(page string, payload protocol.ImportPayload) {
	if c.closed {
		c.logger.Debug("correlator closed; import dropped", logging.String(logging.FieldPage, page))
		return
	}
	notifier := c.notifier
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		result := c.submitImport(c.ctx, payload)
		if notifier == nil || !notifier.Notify(page, result) {
			c.logger.Debug("import result not delivered", logging.String(logging.FieldPage, page))
		}
	}()
}

func (c *Correlator) submitImport(ctx context.Context, payload protocol.ImportPayload) protocol.Response {
	resp, err := c.transport.SendImport(ctx, api.ImportRequest{
		Title:        payload.Title,
		DownloadURL:  payload.DownloadURL,
		ThumbnailURL: payload.ThumbnailURL,
		Category:     payload.Category,
		SourceURL:    payload.SourceURL,
	})
	if err != nil {
		logging.WarnWithContext(c.logger, "import submission failed", "import_submit",
			logging.String("title", payload.Title),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the page shows the failure and the user can retry"),
		)
		return protocol.Failure("", err.Error())
	}
	return protocol.Success("", resp.Message, resp.Data)
}

// Stats reports the number of stored captures and pending imports.
func (c *Correlator) Stats() (captures, pending int) {
	c.do(func() { captures, pending = c.store.Len() })
	return captures, pending
}
