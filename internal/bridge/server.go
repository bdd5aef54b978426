package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bundlebridge/internal/logging"
	"bundlebridge/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingEvery  = (pongWait * 9) / 10
	outboxSize = 32
)

// Path is the websocket endpoint served by Server.
const Path = "/relay"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Handler answers protocol messages. It must always return a response.
type Handler interface {
	Handle(ctx context.Context, msg protocol.Message) protocol.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg protocol.Message) protocol.Response

func (f HandlerFunc) Handle(ctx context.Context, msg protocol.Message) protocol.Response {
	return f(ctx, msg)
}

// Server upgrades relay connections and routes their messages to a Handler.
type Server struct {
	handler Handler
	logger  *slog.Logger

	mu    sync.Mutex
	peers map[string]map[*peer]struct{}
}

type peer struct {
	page   string
	outbox chan protocol.Envelope
}

// NewServer constructs a Server dispatching to handler.
func NewServer(handler Handler, logger *slog.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  logging.NewComponentLogger(logger, "bridge"),
		peers:   make(map[string]map[*peer]struct{}),
	}
}

// ServeHTTP handles one relay connection for the page named in the query.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	page := strings.TrimSpace(r.URL.Query().Get("page"))
	if page == "" {
		http.Error(w, "page is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := s.logger.With(logging.String(logging.FieldPage, page))

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Warn("relay set read deadline failed", logging.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	p := &peer{page: page, outbox: make(chan protocol.Envelope, outboxSize)}
	s.register(p)
	logger.Debug("relay connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-p.outbox:
				if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(env); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	var inflight sync.WaitGroup
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		if env.Message == nil {
			continue
		}
		msg := *env.Message
		if msg.Page == "" {
			msg.Page = page
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			resp := s.dispatch(ctx, msg)
			push(ctx, p.outbox, protocol.Envelope{Response: &resp})
		}()
	}

	cancel()
	<-writerDone
	inflight.Wait()
	if s.unregister(p) {
		logger.Debug("relay disconnected; closing page")
		s.dispatch(context.Background(), protocol.Message{Action: protocol.ActionPageClosed, Page: page})
	}
}

func (s *Server) dispatch(ctx context.Context, msg protocol.Message) protocol.Response {
	resp := s.handler.Handle(ctx, msg)
	resp.ID = msg.ID
	return resp
}

// Notify pushes an asynchronous result to every connection for page. It
// reports whether any connection was registered.
func (s *Server) Notify(page string, result protocol.Response) bool {
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers[page]))
	for p := range s.peers[page] {
		targets = append(targets, p)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		s.logger.Debug("no relay connected for notification", logging.String(logging.FieldPage, page))
		return false
	}
	note := protocol.Notification{Type: protocol.NotificationImportResult, Page: page, Result: result}
	for _, p := range targets {
		select {
		case p.outbox <- protocol.Envelope{Notification: &note}:
		default:
			s.logger.Warn("relay outbox full; notification dropped", logging.String(logging.FieldPage, page))
		}
	}
	return true
}

// Pages returns the number of pages with at least one live connection.
func (s *Server) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) register(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.peers[p.page]
	if !ok {
		set = make(map[*peer]struct{})
		s.peers[p.page] = set
	}
	set[p] = struct{}{}
}

// unregister removes p and reports whether it was the last peer for its page.
func (s *Server) unregister(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.peers[p.page]
	delete(set, p)
	if len(set) == 0 {
		delete(s.peers, p.page)
		return true
	}
	return false
}

func push(ctx context.Context, outbox chan<- protocol.Envelope, env protocol.Envelope) {
	select {
	case <-ctx.Done():
	case outbox <- env:
	}
}
