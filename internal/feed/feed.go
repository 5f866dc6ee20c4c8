// Package feed streams settlement events to websocket subscribers.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/events"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/observability"
	"github.com/NakaSato/gridtokenx-anchor-sub005/lib/async"
)

const (
	streamPath = "/stream"
	healthPath = "/healthz"

	defaultWriteTimeout = 5 * time.Second
	defaultSendBuffer   = 32
)

// streamTypes enumerates every event type a client may subscribe to.
var streamTypes = []events.Type{
	events.TypeMarketInitialized,
	events.TypeSellOrderCreated,
	events.TypeBuyOrderCreated,
	events.TypeOrderMatched,
	events.TypeOrderCancelled,
	events.TypeMarketParamsUpdated,
	events.TypeAuctionInitialized,
	events.TypeAuctionOrderSubmitted,
	events.TypeAuctionOrderCancelled,
	events.TypeAuctionResolved,
	events.TypeAuctionSettled,
	events.TypeBatchClosed,
	events.TypePricingConfigured,
	events.TypePriceUpdated,
}

// Config controls the websocket feed listener.
type Config struct {
	Addr         string
	WriteTimeout time.Duration
	SendBuffer   int
}

func (c Config) normalize() Config {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return c
}

type client struct {
	send  chan *events.Event
	types map[events.Type]struct{}
}

func (c *client) wants(typ events.Type) bool {
	if len(c.types) == 0 {
		return true
	}
	_, ok := c.types[typ]
	return ok
}

// Server fans settlement events out to connected websocket clients.
type Server struct {
	cfg  Config
	bus  events.Bus
	pool *async.Pool

	mu      sync.Mutex
	clients map[*client]struct{}
	subs    []events.SubscriptionID

	done     chan struct{}
	stopOnce sync.Once
}

// New subscribes to every stream type on the bus and starts the fanout
// workers. Call Shutdown to release the subscriptions.
func New(cfg Config, bus events.Bus) (*Server, error) {
	const op = "feed.New"
	if bus == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("event bus required"))
	}
	cfg = cfg.normalize()

	pool, err := async.NewPool(len(streamTypes), len(streamTypes))
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		bus:     bus,
		pool:    pool,
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
	for _, typ := range streamTypes {
		id, ch, err := bus.Subscribe(context.Background(), typ)
		if err != nil {
			s.teardown()
			return nil, errs.New(op, errs.CodeUnavailable,
				errs.WithMessage(fmt.Sprintf("subscribe %s", typ)), errs.WithCause(err))
		}
		s.subs = append(s.subs, id)
		stream := ch
		if err := pool.Submit(context.Background(), func(ctx context.Context) error {
			s.fanout(ctx, stream)
			return nil
		}); err != nil {
			s.teardown()
			return nil, err
		}
	}
	return s, nil
}

// Handler returns the HTTP handler serving the stream and health endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, s.handleHealth)
	mux.HandleFunc(streamPath, s.handleStream)
	return mux
}

// Run serves the feed on the configured address until the context is
// cancelled, then drains listeners gracefully.
func (s *Server) Run(ctx context.Context) error {
	const op = "feed.Run"
	if s.cfg.Addr == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("listen address required"))
	}
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return errs.New(op, errs.CodeUnavailable, errs.WithMessage("listen"), errs.WithCause(err))
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errs.New(op, errs.CodeUnavailable, errs.WithMessage("shutdown"), errs.WithCause(err))
		}
		return nil
	}
}

// Shutdown detaches the bus subscriptions and waits for fanout workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.teardown()
	return s.pool.Shutdown(ctx)
}

func (s *Server) teardown() {
	s.stopOnce.Do(func() {
		close(s.done)
		for _, id := range s.subs {
			s.bus.Unsubscribe(id)
		}
		s.pool.Close()
	})
}

func (s *Server) fanout(ctx context.Context, stream <-chan *events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case evt, ok := <-stream:
			if !ok {
				return
			}
			if evt == nil {
				continue
			}
			s.broadcast(evt)
		}
	}
}

func (s *Server) broadcast(evt *events.Event) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c.wants(evt.Type) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- evt:
		default:
			// Slow consumer; drop rather than stall the fanout.
			observability.Telemetry().IncCounter("feed.events.dropped", 1, map[string]string{
				"type": string(evt.Type),
			})
		}
	}
}

func (s *Server) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTypeFilter(r.URL.Query().Get("types"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Error("feed accept failed", observability.Field{Key: "error", Value: err.Error()})
		return
	}

	c := &client{
		send:  make(chan *events.Event, s.cfg.SendBuffer),
		types: filter,
	}
	if !s.addClient(c) {
		_ = conn.Close(websocket.StatusGoingAway, "feed shutting down")
		return
	}
	defer s.removeClient(c)

	// Clients only receive; CloseRead surfaces disconnects via the context.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-s.done:
			_ = conn.Close(websocket.StatusGoingAway, "feed shutting down")
			return
		case evt := <-c.send:
			if err := s.writeEvent(ctx, conn, evt); err != nil {
				observability.Log().Debug("feed write failed", observability.Field{Key: "error", Value: err.Error()})
				_ = conn.Close(websocket.StatusPolicyViolation, "write failed")
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt *events.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

func parseTypeFilter(raw string) (map[events.Type]struct{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	known := make(map[events.Type]struct{}, len(streamTypes))
	for _, typ := range streamTypes {
		known[typ] = struct{}{}
	}
	filter := make(map[events.Type]struct{})
	for _, part := range strings.Split(raw, ",") {
		typ := events.Type(strings.TrimSpace(part))
		if typ == "" {
			continue
		}
		if _, ok := known[typ]; !ok {
			return nil, fmt.Errorf("unknown event type %q", typ)
		}
		filter[typ] = struct{}{}
	}
	if len(filter) == 0 {
		return nil, nil
	}
	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
