package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"upbitflow/internal/model"
	"upbitflow/internal/ratelimit"
)

// nopGate admits everything and counts server rejections.
type nopGate struct {
	mu         sync.Mutex
	rejections []ratelimit.Category
}

func (g *nopGate) AcquireBlocking(ctx context.Context, cat ratelimit.Category, timeout time.Duration) error {
	return nil
}

func (g *nopGate) OnServerRejection(cat ratelimit.Category) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejections = append(g.rejections, cat)
}

func (g *nopGate) rejectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rejections)
}

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testTransportConfig(url string) TransportConfig {
	cfg := DefaultTransportConfig()
	cfg.URL = url
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	cfg.ReconnectMaxAttempts = 3
	return cfg
}

func TestTransport_ConnectDisconnect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	tr := NewTransport(testTransportConfig(wsURL(server)), &nopGate{}, nil)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := tr.State(); got != StateConnected {
		t.Errorf("state = %s, want %s", got, StateConnected)
	}

	if err := tr.Disconnect(); err != nil {
		t.Errorf("Disconnect failed: %v", err)
	}
	if got := tr.State(); got != StateDisconnected {
		t.Errorf("state after disconnect = %s, want %s", got, StateDisconnected)
	}

	// Second disconnect is a no-op.
	if err := tr.Disconnect(); err != nil {
		t.Errorf("second Disconnect failed: %v", err)
	}
}

func TestTransport_SubscribeFrame(t *testing.T) {
	frames := make(chan []byte, 10)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- msg
		}
	})
	defer server.Close()

	tr := NewTransport(testTransportConfig(wsURL(server)), &nopGate{}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Disconnect()

	if err := tr.Subscribe([]model.Symbol{"KRW-BTC"}, model.DataTicker, ""); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var raw []byte
	select {
	case raw = <-frames:
	case <-time.After(time.Second):
		t.Fatal("no subscribe frame received")
	}

	var sections []map[string]any
	if err := json.Unmarshal(raw, &sections); err != nil {
		t.Fatalf("frame is not a JSON array: %v", err)
	}
	if len(sections) != 3 {
		t.Fatalf("frame has %d sections, want 3", len(sections))
	}
	if ticket, _ := sections[0]["ticket"].(string); ticket == "" {
		t.Error("first section missing ticket")
	}
	if typ, _ := sections[1]["type"].(string); typ != "ticker" {
		t.Errorf("type = %q, want %q", typ, "ticker")
	}
	codes, _ := sections[1]["codes"].([]any)
	if len(codes) != 1 || codes[0] != "KRW-BTC" {
		t.Errorf("codes = %v, want [KRW-BTC]", codes)
	}
	if format, _ := sections[2]["format"].(string); format != "SIMPLE" {
		t.Errorf("format = %q, want SIMPLE", format)
	}

	// A second subscribe for the same type carries the union, since the
	// exchange replaces the code list wholesale.
	if err := tr.Subscribe([]model.Symbol{"KRW-ETH"}, model.DataTicker, ""); err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}

	select {
	case raw = <-frames:
	case <-time.After(time.Second):
		t.Fatal("no second subscribe frame received")
	}
	if err := json.Unmarshal(raw, &sections); err != nil {
		t.Fatalf("second frame is not a JSON array: %v", err)
	}
	codes, _ = sections[1]["codes"].([]any)
	if len(codes) != 2 || codes[0] != "KRW-BTC" || codes[1] != "KRW-ETH" {
		t.Errorf("union codes = %v, want [KRW-BTC KRW-ETH]", codes)
	}
}

func TestTransport_CandleWireType(t *testing.T) {
	frames := make(chan []byte, 10)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- msg
		}
	})
	defer server.Close()

	tr := NewTransport(testTransportConfig(wsURL(server)), &nopGate{}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Disconnect()

	if err := tr.Subscribe([]model.Symbol{"KRW-BTC"}, model.DataCandle, "5m"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var sections []map[string]any
	select {
	case raw := <-frames:
		if err := json.Unmarshal(raw, &sections); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	if typ, _ := sections[1]["type"].(string); typ != "candle.5m" {
		t.Errorf("type = %q, want candle.5m", typ)
	}
}

func TestTransport_ReceiveMessages(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		payloads := []string{
			`{"status":"UP"}`,
			`{"ty":"ticker","cd":"KRW-BTC","tp":52000000.0,"tms":1700000000000}`,
			`{"ty":"trade","cd":"KRW-ETH","tp":3000000.0,"sid":17,"tms":1700000000001}`,
		}
		for _, p := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		time.Sleep(time.Second)
	})
	defer server.Close()

	tr := NewTransport(testTransportConfig(wsURL(server)), &nopGate{}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Disconnect()

	// The status frame is consumed. Only the two data frames surface.
	var got []Message
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case msg := <-tr.Listen():
			got = append(got, msg)
		case <-timeout:
			t.Fatalf("received %d messages, want 2", len(got))
		}
	}

	if got[0].Type != MsgTicker || got[0].Symbol != "KRW-BTC" {
		t.Errorf("first message = %s %s, want ticker KRW-BTC", got[0].Type, got[0].Symbol)
	}
	if got[1].Type != MsgTrade || got[1].Symbol != "KRW-ETH" {
		t.Errorf("second message = %s %s, want trade KRW-ETH", got[1].Type, got[1].Symbol)
	}
	if got[0].TransportID != tr.ID() {
		t.Errorf("transport id = %q, want %q", got[0].TransportID, tr.ID())
	}
	if got[0].ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped")
	}
}

func TestTransport_ReconnectReplaysSubscriptions(t *testing.T) {
	var mu sync.Mutex
	var connections int
	frames := make(chan []byte, 10)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connections++
		first := connections == 1
		mu.Unlock()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames <- msg

		if first {
			// Drop the first connection to force a reconnect.
			conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	tr := NewTransport(testTransportConfig(wsURL(server)), &nopGate{}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Disconnect()

	if err := tr.Subscribe([]model.Symbol{"KRW-BTC"}, model.DataOrderbook, ""); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// First frame is the explicit subscribe, second is the replay on the
	// fresh socket.
	for i := 0; i < 2; i++ {
		select {
		case raw := <-frames:
			var sections []map[string]any
			if err := json.Unmarshal(raw, &sections); err != nil {
				t.Fatalf("frame %d: %v", i, err)
			}
			if typ, _ := sections[1]["type"].(string); typ != "orderbook" {
				t.Errorf("frame %d type = %q, want orderbook", i, typ)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("frame %d not received", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if connections < 2 {
		t.Errorf("connections = %d, want >= 2", connections)
	}
}

func TestTransport_FailureAfterExhaustedReconnects(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	cfg := testTransportConfig(wsURL(server))
	cfg.ReconnectMaxAttempts = 2

	tr := NewTransport(cfg, &nopGate{}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Disconnect()

	// Kill the server so every redial fails.
	server.Close()

	select {
	case err := <-tr.Failures():
		if err == nil {
			t.Fatal("nil failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
	}

	if got := tr.State(); got != StateFailed {
		t.Errorf("state = %s, want %s", got, StateFailed)
	}

	// A failed transport is dead; only Disconnect may follow.
	if err := tr.Connect(context.Background()); err == nil {
		t.Error("Connect succeeded on a failed transport")
	}
}

func TestTransport_SubscribeRequiresConnection(t *testing.T) {
	tr := NewTransport(DefaultTransportConfig(), &nopGate{}, nil)
	err := tr.Subscribe([]model.Symbol{"KRW-BTC"}, model.DataTicker, "")
	if err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}
