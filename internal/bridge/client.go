package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bundlebridge/internal/protocol"
)

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("bridge: connection closed")

// Client is the relay side of the bridge for a single page.
type Client struct {
	conn *websocket.Conn
	page string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Response
	closed  bool
	err     error

	notifications chan protocol.Notification
	done          chan struct{}
}

// Dial connects to a bridge server. endpoint is the agent base URL
// (http://, https://, ws:// or wss://); the relay path and page query are
// appended.
func Dial(ctx context.Context, endpoint, page string, header http.Header) (*Client, error) {
	target, err := relayURL(endpoint, page)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", target, err)
	}
	c := &Client{
		conn:          conn,
		page:          page,
		pending:       make(map[string]chan protocol.Response),
		notifications: make(chan protocol.Notification, outboxSize),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func relayURL(endpoint, page string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay endpoint %q", endpoint)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + Path
	q := u.Query()
	q.Set("page", page)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Page returns the page id the client registered as.
func (c *Client) Page() string { return c.page }

// Notifications delivers asynchronous results pushed by the server. The
// channel is closed when the connection ends.
func (c *Client) Notifications() <-chan protocol.Notification { return c.notifications }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send builds a message for action and waits for its response.
func (c *Client) Send(ctx context.Context, action protocol.Action, payload any) (protocol.Response, error) {
	msg, err := protocol.NewMessage(uuid.NewString(), action, c.page, payload)
	if err != nil {
		return protocol.Response{}, err
	}
	return c.Request(ctx, msg)
}

// Request sends msg and waits for the response with the same id. A response
// that does not arrive before ctx ends is a failure.
func (c *Client) Request(ctx context.Context, msg protocol.Message) (protocol.Response, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Page == "" {
		msg.Page = c.page
	}
	ch := make(chan protocol.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Response{}, ErrClosed
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.write(protocol.Envelope{Message: &msg}); err != nil {
		return protocol.Response{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("%s: no response: %w", msg.Action, ctx.Err())
	case <-c.done:
		return protocol.Response{}, c.closeErr()
	}
}

func (c *Client) write(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

func (c *Client) readLoop() {
	defer close(c.notifications)
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.shutdown(err)
			return
		}
		switch {
		case env.Response != nil:
			c.mu.Lock()
			ch, ok := c.pending[env.Response.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- *env.Response:
				default:
				}
			}
		case env.Notification != nil:
			select {
			case c.notifications <- *env.Notification:
			default:
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		err = ErrClosed
	}
	c.err = err
	close(c.done)
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

// Close ends the connection; the server then reports the page as closed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
