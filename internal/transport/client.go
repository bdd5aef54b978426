package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"bundlebridge/internal/api"
	"bundlebridge/internal/config"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/protocol"
	"bundlebridge/internal/services"
)

const (
	// NonceHeader carries the session nonce in cookie mode.
	NonceHeader = "X-BB-Nonce"
	// SessionCookie is the cookie the import API issues for session auth.
	SessionCookie = "bb_session"
	// APINamespace is the versioned route prefix of the import API.
	APINamespace = "/bundlebridge/v1"
	// RESTPrefix is where the import API is mounted relative to the site URL.
	RESTPrefix = "/rest"
)

// Auth modes.
const (
	AuthPassword = "password"
	AuthCookie   = "cookie"
)

const (
	MessageNotConfigured  = "Not configured: set the target site URL and credentials."
	MessageSessionExpired = "Session expired. Open the site admin to refresh your login, then try again."
	MessageImportQueued   = "Import queued!"
)

// Error is a failed API call. Its message is shown to the user as-is.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "request failed"
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrNotConfigured is returned before any request when settings are missing.
	ErrNotConfigured = &Error{Message: MessageNotConfigured, Err: services.ErrConfiguration}
	// ErrSessionExpired is returned for 401/403 responses in cookie mode.
	ErrSessionExpired = &Error{Message: MessageSessionExpired, Err: services.ErrValidation}
)

// Settings is the active connection configuration.
type Settings struct {
	SiteURL     string
	RESTURL     string
	AuthMode    string
	Username    string
	AppPassword string
	Nonce       string
}

// Configured reports whether the settings are complete for their mode.
func (s Settings) Configured() bool {
	if s.AuthMode == AuthCookie {
		return s.RESTURL != "" && s.Nonce != ""
	}
	return s.SiteURL != "" && s.Username != "" && s.AppPassword != ""
}

// Client calls the import REST API.
type Client struct {
	http   *http.Client
	jar    http.CookieJar
	logger *slog.Logger

	mu          sync.RWMutex
	base        Settings
	settings    Settings
	connected   bool
	connectedAt time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithRoundTripper sets the transport used for outbound requests.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.http.Transport = rt
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.NewComponentLogger(logger, "transport")
	}
}

// New constructs a Client from the target configuration.
func New(cfg config.Target, opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	settings := Settings{
		SiteURL:     strings.TrimRight(cfg.SiteURL, "/"),
		RESTURL:     strings.TrimRight(cfg.RESTURL, "/"),
		AuthMode:    cfg.AuthMode,
		Username:    cfg.Username,
		AppPassword: cfg.AppPassword,
		Nonce:       cfg.Nonce,
	}
	if settings.AuthMode == "" {
		settings.AuthMode = AuthPassword
	}
	c := &Client{
		http:     &http.Client{Timeout: timeout, Jar: jar},
		jar:      jar,
		logger:   logging.NewNop(),
		base:     settings,
		settings: settings,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Settings returns a copy of the active settings.
func (c *Client) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Connected reports whether the last connection test succeeded.
func (c *Client) Connected() (bool, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected, c.connectedAt
}

// UseSession switches the client to cookie mode with a detected session.
func (c *Client) UseSession(session protocol.SessionPayload) error {
	restURL := strings.TrimRight(session.RESTURL, "/")
	if restURL == "" && session.SiteURL != "" {
		restURL = strings.TrimRight(session.SiteURL, "/") + RESTPrefix
	}
	if restURL == "" || session.Nonce == "" {
		return &Error{Message: "No active session found. Open the site admin first, then try again.", Err: services.ErrValidation}
	}
	target, err := url.Parse(restURL)
	if err != nil {
		return &Error{Message: "Invalid session REST URL.", Err: err}
	}
	if cookies := parseCookies(session.Cookies); len(cookies) > 0 {
		c.jar.SetCookies(target, cookies)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = Settings{
		SiteURL:  strings.TrimRight(session.SiteURL, "/"),
		RESTURL:  restURL,
		AuthMode: AuthCookie,
		Username: session.User,
		Nonce:    session.Nonce,
	}
	c.connected = false
	return nil
}

// ClearSession drops cookie-mode credentials and restores the configured
// settings.
func (c *Client) ClearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = c.base
	c.connected = false
	c.connectedAt = time.Time{}
}

func parseCookies(raw string) []*http.Cookie {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	header := http.Header{}
	header.Add("Cookie", raw)
	req := http.Request{Header: header}
	return req.Cookies()
}

func (c *Client) endpoint(s Settings, path string) (string, error) {
	if s.AuthMode == AuthCookie && s.RESTURL != "" {
		return s.RESTURL + APINamespace + path, nil
	}
	if s.SiteURL == "" {
		return "", ErrNotConfigured
	}
	return s.SiteURL + RESTPrefix + APINamespace + path, nil
}

func authorize(req *http.Request, s Settings) error {
	if s.AuthMode == AuthCookie && s.Nonce != "" {
		req.Header.Set(NonceHeader, s.Nonce)
		return nil
	}
	if s.Username == "" || s.AppPassword == "" {
		return ErrNotConfigured
	}
	req.SetBasicAuth(s.Username, s.AppPassword)
	return nil
}

// do performs a request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	s := c.Settings()
	target, err := c.endpoint(s, path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &Error{Message: fmt.Sprintf("build request: %v", err), Err: err}
	}
	if err := authorize(req, s); err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("import api request failed", logging.String("url", target), logging.Error(err))
		return &Error{Message: err.Error(), Err: services.Wrap(services.ErrTransient, "transport", method+" "+path, "request failed", err)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if s.AuthMode == AuthCookie && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return ErrSessionExpired
		}
		var apiErr api.ErrorResponse
		_ = json.Unmarshal(payload, &apiErr)
		return &Error{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &Error{Message: fmt.Sprintf("encode request: %v", err), Err: err}
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}

// TestConnection probes GET /status and records the outcome.
func (c *Client) TestConnection(ctx context.Context) (api.ConnectionStatus, error) {
	status, err := c.ConnectionStatus(ctx)
	c.mu.Lock()
	c.connected = err == nil
	if err == nil {
		c.connectedAt = time.Now()
	}
	c.mu.Unlock()
	return status, err
}

// ConnectionStatus fetches GET /status.
func (c *Client) ConnectionStatus(ctx context.Context) (api.ConnectionStatus, error) {
	var status api.ConnectionStatus
	err := c.doJSON(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

// SendImport submits an import. A successful submission always carries the
// "Import queued!" message; the server's outcome is in Data.
func (c *Client) SendImport(ctx context.Context, req api.ImportRequest) (api.ImportResponse, error) {
	var resp api.ImportResponse
	if err := c.doJSON(ctx, http.MethodPost, "/import", req, &resp); err != nil {
		return api.ImportResponse{}, err
	}
	resp.Success = true
	resp.Message = MessageImportQueued
	return resp, nil
}

// ImportStatus fetches GET /status/{id}.
func (c *Client) ImportStatus(ctx context.Context, jobID int64) (api.JobStatus, error) {
	var status api.JobStatus
	err := c.doJSON(ctx, http.MethodGet, "/status/"+strconv.FormatInt(jobID, 10), nil, &status)
	return status, err
}

// Upload sends a local bundle, attaching it to jobID when non-zero.
func (c *Client) Upload(ctx context.Context, path string, jobID int64, title string) (api.ImportResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return api.ImportResponse{}, fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if title != "" {
		if err := writer.WriteField("title", title); err != nil {
			return api.ImportResponse{}, err
		}
	}
	part, err := writer.CreateFormFile("bundle", filepath.Base(path))
	if err != nil {
		return api.ImportResponse{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return api.ImportResponse{}, fmt.Errorf("read bundle: %w", err)
	}
	if err := writer.Close(); err != nil {
		return api.ImportResponse{}, err
	}

	route := "/upload"
	if jobID > 0 {
		route += "?job_id=" + strconv.FormatInt(jobID, 10)
	}
	var resp api.ImportResponse
	err = c.do(ctx, http.MethodPost, route, &buf, writer.FormDataContentType(), &resp)
	return resp, err
}

// Library fetches one page of library entries.
func (c *Client) Library(ctx context.Context, page, perPage int, search string) (api.LibraryPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		q.Set("per_page", strconv.Itoa(perPage))
	}
	if search != "" {
		q.Set("search", search)
	}
	route := "/library"
	if encoded := q.Encode(); encoded != "" {
		route += "?" + encoded
	}
	var out api.LibraryPage
	err := c.doJSON(ctx, http.MethodGet, route, nil, &out)
	return out, err
}

// Jobs lists jobs, optionally filtered by status.
func (c *Client) Jobs(ctx context.Context, statuses ...string) (api.JobList, error) {
	route := "/jobs"
	if len(statuses) > 0 {
		route += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var out api.JobList
	err := c.doJSON(ctx, http.MethodGet, route, nil, &out)
	return out, err
}

// Job fetches a job's full detail.
func (c *Client) Job(ctx context.Context, id int64) (api.JobDetail, error) {
	var out api.JobDetail
	err := c.doJSON(ctx, http.MethodGet, "/jobs/"+strconv.FormatInt(id, 10), nil, &out)
	return out, err
}

// JobAction posts a single-job action: reimport or reset.
func (c *Client) JobAction(ctx context.Context, id int64, action string) (api.ActionResponse, error) {
	var out api.ActionResponse
	err := c.doJSON(ctx, http.MethodPost, "/jobs/"+strconv.FormatInt(id, 10)+"/"+action, nil, &out)
	return out, err
}

// DeleteJob removes a job and its stored bundle.
func (c *Client) DeleteJob(ctx context.Context, id int64) (api.ActionResponse, error) {
	var out api.ActionResponse
	err := c.doJSON(ctx, http.MethodDelete, "/jobs/"+strconv.FormatInt(id, 10), nil, &out)
	return out, err
}

// ImportSelected imports the given template indices of a job.
func (c *Client) ImportSelected(ctx context.Context, id int64, req api.SelectiveImportRequest) (api.SelectiveImportResponse, error) {
	var out api.SelectiveImportResponse
	err := c.doJSON(ctx, http.MethodPost, "/jobs/"+strconv.FormatInt(id, 10)+"/import-selected", req, &out)
	return out, err
}

// ResetFailed resets every failed job.
func (c *Client) ResetFailed(ctx context.Context) (api.ActionResponse, error) {
	var out api.ActionResponse
	err := c.doJSON(ctx, http.MethodPost, "/jobs/reset-failed", nil, &out)
	return out, err
}

// Bulk applies delete or reimport to several jobs.
func (c *Client) Bulk(ctx context.Context, req api.BulkRequest) (api.ActionResponse, error) {
	var out api.ActionResponse
	err := c.doJSON(ctx, http.MethodPost, "/jobs/bulk", req, &out)
	return out, err
}

// TestNotification asks the daemon to send a test message to its ntfy topic.
func (c *Client) TestNotification(ctx context.Context) (api.ActionResponse, error) {
	var out api.ActionResponse
	err := c.doJSON(ctx, http.MethodPost, "/notifications/test", nil, &out)
	return out, err
}

// Session asks the import API for a cookie session. It requires password
// credentials and returns the payload a relay reports as a detected session.
func (c *Client) Session(ctx context.Context) (protocol.SessionPayload, error) {
	var out protocol.SessionPayload
	err := c.doJSON(ctx, http.MethodPost, "/session", nil, &out)
	return out, err
}

// IsNotConfigured reports whether err means the client lacks settings.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNotConfigured) || strings.Contains(strings.ToLower(errMessage(err)), "not configured")
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
