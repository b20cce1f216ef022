package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"zigbee-quirks/internal/coordinator"
)

const (
	streamQueueSize    = 64
	streamBacklog      = 256
	streamReadLimit    = 4096
	streamWriteTimeout = 10 * time.Second
)

// eventFilter narrows a stream to some event types and/or one device.
// The zero value passes everything.
type eventFilter struct {
	types map[string]bool
	ieee  string
}

// parseEventFilter reads ?types=a,b&ieee=... from a /ws request.
func parseEventFilter(q url.Values) (eventFilter, error) {
	var f eventFilter
	for _, t := range strings.Split(q.Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			if f.types == nil {
				f.types = make(map[string]bool)
			}
			f.types[t] = true
		}
	}
	if raw := q.Get("ieee"); raw != "" {
		ieee, err := coordinator.NormalizeIEEE(raw)
		if err != nil {
			return eventFilter{}, err
		}
		f.ieee = ieee
	}
	return f, nil
}

func (f eventFilter) match(ev coordinator.Event) bool {
	if f.types != nil && !f.types[ev.Type] {
		return false
	}
	if f.ieee == "" {
		return true
	}
	data, _ := ev.Data.(map[string]interface{})
	ieee, _ := data["ieee"].(string)
	return ieee == f.ieee
}

type streamClient struct {
	id     string
	conn   *websocket.Conn
	filter eventFilter
	queue  chan []byte
}

// eventStream fans coordinator events out to websocket clients. Publish
// never blocks, so it can run inside event bus handlers on the loop.
type eventStream struct {
	logger *slog.Logger
	events chan coordinator.Event
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

func newEventStream(logger *slog.Logger) *eventStream {
	return &eventStream{
		logger:  logger,
		events:  make(chan coordinator.Event, streamBacklog),
		done:    make(chan struct{}),
		clients: make(map[*streamClient]struct{}),
	}
}

// run delivers queued events until stop is called, then closes every
// client queue.
func (es *eventStream) run() {
	for {
		select {
		case <-es.done:
			es.mu.Lock()
			es.closed = true
			for c := range es.clients {
				close(c.queue)
				delete(es.clients, c)
			}
			es.mu.Unlock()
			return
		case ev := <-es.events:
			es.deliver(ev)
		}
	}
}

func (es *eventStream) deliver(ev coordinator.Event) {
	var payload []byte
	es.mu.Lock()
	defer es.mu.Unlock()
	for c := range es.clients {
		if !c.filter.match(ev) {
			continue
		}
		if payload == nil {
			var err error
			if payload, err = json.Marshal(ev); err != nil {
				es.logger.Error("marshal event", "type", ev.Type, "err", err)
				return
			}
		}
		select {
		case c.queue <- payload:
		default:
			delete(es.clients, c)
			close(c.queue)
			es.logger.Warn("ws client evicted, queue full", "client", c.id)
		}
	}
}

func (es *eventStream) publish(ev coordinator.Event) {
	select {
	case es.events <- ev:
	default:
		es.logger.Warn("ws backlog full, dropping event", "type", ev.Type)
	}
}

// add registers a client; it reports false once the stream is stopped.
func (es *eventStream) add(c *streamClient) bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.closed {
		return false
	}
	es.clients[c] = struct{}{}
	es.logger.Debug("ws client connected", "client", c.id, "total", len(es.clients))
	return true
}

func (es *eventStream) remove(c *streamClient) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if _, ok := es.clients[c]; ok {
		delete(es.clients, c)
		close(c.queue)
		es.logger.Debug("ws client disconnected", "client", c.id, "total", len(es.clients))
	}
}

func (es *eventStream) stop() {
	es.once.Do(func() { close(es.done) })
}

// ClientCount returns the number of connected stream clients.
func (es *eventStream) ClientCount() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(streamReadLimit)

	c := &streamClient{
		id:     uuid.NewString(),
		conn:   conn,
		filter: filter,
		queue:  make(chan []byte, streamQueueSize),
	}
	if !s.stream.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.writeStream(c)
	s.drainStream(c)
}

func (s *Server) writeStream(c *streamClient) {
	for msg := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), streamWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// drainStream discards client input until the connection or the stream ends.
func (s *Server) drainStream(c *streamClient) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.stream.remove(c)

	go func() {
		select {
		case <-s.stream.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
