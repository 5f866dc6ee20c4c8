package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/events"
)

func newTestFeed(t *testing.T) (*Server, *events.MemoryBus, *httptest.Server) {
	t.Helper()
	bus := events.NewMemoryBus(events.MemoryConfig{BufferSize: 16, FanoutWorkers: 2})
	t.Cleanup(bus.Close)

	srv, err := New(Config{WriteTimeout: time.Second, SendBuffer: 16}, bus)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, bus, ts
}

func toWebsocketURL(raw string) string {
	return "ws" + strings.TrimPrefix(raw, "http")
}

func waitForClients(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		got := len(srv.clients)
		srv.mu.Unlock()
		if got >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d connected clients", want)
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var evt events.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	return evt
}

func TestNewRequiresBus(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := newTestFeed(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamRejectsUnknownType(t *testing.T) {
	_, _, ts := newTestFeed(t)

	resp, err := http.Get(ts.URL + "/stream?types=bogus")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamDeliversEvents(t *testing.T) {
	srv, bus, ts := newTestFeed(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(ts.URL)+"/stream", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	waitForClients(t, srv, 1)

	require.NoError(t, bus.Publish(ctx, &events.Event{
		EventID:    "evt-1",
		Type:       events.TypePriceUpdated,
		Market:     "grid-main",
		OccurredAt: time.Unix(1_700_000_000, 0).UTC(),
		Payload:    events.PriceUpdated{Price: 450, BasePrice: 400, Timestamp: 1_700_000_000},
	}))

	evt := readEvent(t, conn)
	require.Equal(t, "evt-1", evt.EventID)
	require.Equal(t, events.TypePriceUpdated, evt.Type)
	require.Equal(t, "grid-main", evt.Market)
}

func TestStreamFiltersByType(t *testing.T) {
	srv, bus, ts := newTestFeed(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := toWebsocketURL(ts.URL) + "/stream?types=order_matched"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	waitForClients(t, srv, 1)

	require.NoError(t, bus.Publish(ctx, &events.Event{
		EventID: "evt-skip",
		Type:    events.TypePriceUpdated,
		Market:  "grid-main",
	}))
	require.NoError(t, bus.Publish(ctx, &events.Event{
		EventID: "evt-keep",
		Type:    events.TypeOrderMatched,
		Market:  "grid-main",
		Payload: events.OrderMatched{Buyer: "buyer-1", Seller: "seller-1", Amount: 50, Price: 400},
	}))

	evt := readEvent(t, conn)
	require.Equal(t, "evt-keep", evt.EventID)
	require.Equal(t, events.TypeOrderMatched, evt.Type)
}

func TestParseTypeFilter(t *testing.T) {
	filter, err := parseTypeFilter("")
	require.NoError(t, err)
	require.Nil(t, filter)

	filter, err = parseTypeFilter("order_matched, price_updated")
	require.NoError(t, err)
	require.Len(t, filter, 2)
	require.Contains(t, filter, events.TypeOrderMatched)
	require.Contains(t, filter, events.TypePriceUpdated)

	_, err = parseTypeFilter("order_matched,nonsense")
	require.Error(t, err)
}
