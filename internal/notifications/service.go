package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bundlebridge/internal/config"
)

const userAgent = "BundleBridge/0.1.0"

// Service defines the notification surface exposed to the import pipeline
// and the capture agent.
type Service interface {
	NotifyImportCompleted(ctx context.Context, title string, templates int) error
	NotifyImportFailed(ctx context.Context, title, message string) error
	NotifyImportQueued(ctx context.Context, title string, jobID int64) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:  topic,
		client:    &http.Client{Timeout: timeout},
		completed: cfg.Notifications.Completed,
		failed:    cfg.Notifications.Failed,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint  string
	client    *http.Client
	completed bool
	failed    bool
}

func (n *ntfyService) NotifyImportCompleted(ctx context.Context, title string, templates int) error {
	if !n.completed {
		return nil
	}
	data := payload{
		title:   "BundleBridge - Import Complete",
		message: fmt.Sprintf("Imported %s: %d template(s)", displayTitle(title), templates),
		tags:    []string{"bundlebridge", "import", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyImportFailed(ctx context.Context, title, message string) error {
	if !n.failed {
		return nil
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "unknown error"
	}
	data := payload{
		title:    "BundleBridge - Import Failed",
		message:  fmt.Sprintf("Import of %s failed: %s", displayTitle(title), message),
		tags:     []string{"bundlebridge", "import", "error"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyImportQueued(ctx context.Context, title string, jobID int64) error {
	if !n.completed {
		return nil
	}
	data := payload{
		title:   "BundleBridge - Import Queued",
		message: fmt.Sprintf("Queued %s as job #%d", displayTitle(title), jobID),
		tags:    []string{"bundlebridge", "import", "queued"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "BundleBridge - Test",
		message:  "Notification system test",
		tags:     []string{"bundlebridge", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func displayTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "untitled kit"
	}
	return `"` + title + `"`
}

type noopService struct{}

func (noopService) NotifyImportCompleted(context.Context, string, int) error { return nil }
func (noopService) NotifyImportFailed(context.Context, string, string) error { return nil }
func (noopService) NotifyImportQueued(context.Context, string, int64) error  { return nil }
func (noopService) TestNotification(context.Context) error                   { return nil }
