package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"upbitflow/internal/model"
	"upbitflow/internal/ratelimit"
)

// Transport is one physical WebSocket connection to the exchange. It
// multiplexes subscriptions for several symbols over one socket.
type Transport interface {
	// Connect establishes the connection under the ws-connect rate budget
	// and starts the receive and keep-alive loops.
	Connect(ctx context.Context) error

	// Subscribe sends one subscribe frame for the union of previously
	// registered symbols of this data type plus the given ones, and records
	// the registration for replay after reconnect.
	Subscribe(symbols []model.Symbol, dataType model.DataType, interval string) error

	// Listen returns the decoded message stream. The channel survives
	// reconnects and is closed only by Disconnect.
	Listen() <-chan Message

	// Disconnect cancels and awaits both loops before closing the socket.
	// Idempotent.
	Disconnect() error

	// Failures delivers one error when reconnection attempts are exhausted.
	Failures() <-chan error

	// State returns the current lifecycle state.
	State() TransportState

	// ID returns the transport identity.
	ID() string

	// Registrations returns the recorded (data type → symbols) map, used by
	// the manager to rebuild a transport with a reduced symbol set.
	Registrations() map[model.DataType][]model.Symbol
}

// registration records one subscribe intent for replay after reconnect.
type registration struct {
	symbols  []model.Symbol
	interval string
}

// transport implements Transport.
type transport struct {
	cfg    TransportConfig
	gate   RateGate
	logger *slog.Logger
	id     string

	// Output channels
	messages chan Message
	failures chan error
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu     sync.RWMutex
	conn   *websocket.Conn
	state  TransportState
	closed bool
	regs   map[model.DataType]*registration

	wg sync.WaitGroup
}

// NewTransport creates a Transport. It does not connect.
func NewTransport(cfg TransportConfig, gate RateGate, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()[:8]
	return &transport{
		cfg:      cfg,
		gate:     gate,
		logger:   logger.With("transport_id", id),
		id:       id,
		messages: make(chan Message, cfg.BufferSize),
		failures: make(chan error, 1),
		done:     make(chan struct{}),
		state:    StateDisconnected,
		regs:     make(map[model.DataType]*registration),
	}
}

func (t *transport) ID() string { return t.id }

func (t *transport) State() TransportState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *transport) Listen() <-chan Message { return t.messages }

func (t *transport) Failures() <-chan error { return t.failures }

func (t *transport) Registrations() map[model.DataType][]model.Symbol {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[model.DataType][]model.Symbol, len(t.regs))
	for dt, reg := range t.regs {
		out[dt] = append([]model.Symbol(nil), reg.symbols...)
	}
	return out
}

// Connect dials the exchange and starts the run and keep-alive loops.
func (t *transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrAlreadyClosed
	}
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	// A failed transport still owns a keep-alive loop until Disconnect;
	// reconnecting it would double the loops on one socket.
	if t.state == StateFailed {
		t.mu.Unlock()
		return fmt.Errorf("connect transport %s: %w", t.id, ErrTransportFailed)
	}
	t.state = StateConnecting
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("connect transport %s: %w", t.id, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.mu.Unlock()

	t.wg.Add(2)
	go t.run(conn)
	go t.keepAlive()

	t.logger.Debug("websocket connected", "url", t.cfg.URL)
	return nil
}

// dial opens one socket under the ws-connect budget.
func (t *transport) dial(ctx context.Context) (*websocket.Conn, error) {
	if err := t.gate.AcquireBlocking(ctx, ratelimit.CategoryWSConnect, t.cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("ws-connect budget: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, t.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Subscribe registers the symbols and sends one subscribe frame carrying
// the full symbol set for the data type. Upbit replaces a type's code list
// on every subscribe, so the frame always carries the union.
func (t *transport) Subscribe(symbols []model.Symbol, dataType model.DataType, interval string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrAlreadyClosed
	}
	if t.state != StateConnected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	reg, ok := t.regs[dataType]
	if !ok {
		reg = &registration{interval: interval}
		t.regs[dataType] = reg
	}
	reg.symbols = mergeSymbols(reg.symbols, symbols)
	if interval != "" {
		reg.interval = interval
	}
	union := append([]model.Symbol(nil), reg.symbols...)
	t.mu.Unlock()

	return t.sendSubscribe(union, dataType, interval)
}

// sendSubscribe writes one subscribe frame under the ws-message budget.
func (t *transport) sendSubscribe(symbols []model.Symbol, dataType model.DataType, interval string) error {
	if err := t.gate.AcquireBlocking(context.Background(), ratelimit.CategoryWSMessage, t.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("ws-message budget: %w", err)
	}

	codes := make([]string, len(symbols))
	for i, s := range symbols {
		codes[i] = string(s)
	}

	frame := []any{
		ticketSection{Ticket: uuid.NewString()},
		typeSection{Type: wireType(dataType, interval), Codes: codes},
		formatSection{Format: "SIMPLE"},
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal subscribe frame: %w", err)
	}

	if err := t.send(data); err != nil {
		return fmt.Errorf("send subscribe frame: %w", err)
	}

	t.logger.Debug("subscribed", "type", wireType(dataType, interval), "codes", len(codes))
	return nil
}

// wireType maps a data type to the Upbit frame type.
func wireType(dataType model.DataType, interval string) string {
	switch dataType {
	case model.DataTicker:
		return "ticker"
	case model.DataTrade:
		return "trade"
	case model.DataOrderbook:
		return "orderbook"
	case model.DataCandle:
		if interval == "" {
			interval = "1m"
		}
		return "candle." + interval
	}
	return string(dataType)
}

// send writes raw bytes with the write deadline applied.
func (t *transport) send(data []byte) error {
	t.mu.RLock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect cancels and awaits both loops before returning. Idempotent.
func (t *transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	close(t.done)

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close() // Unblocks the reader
	}

	t.wg.Wait()

	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()

	close(t.messages)
	return nil
}

func (t *transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *transport) setState(s TransportState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// run is the receive loop plus internal reconnection. It is the only
// reader of the socket.
func (t *transport) run(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		t.readUntilError(conn)

		if t.isClosed() {
			return
		}

		next, err := t.reconnect()
		if err != nil {
			t.setState(StateFailed)
			select {
			case t.failures <- err:
			default:
			}
			return
		}
		conn = next
	}
}

// readUntilError decodes frames until the socket errors.
func (t *transport) readUntilError(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			if !t.isClosed() {
				t.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		msg, ok := t.decode(data)
		if !ok {
			continue // Status/error frames are consumed, never surfaced
		}
		msg.ReceivedAt = receivedAt
		msg.TransportID = t.id

		select {
		case t.messages <- msg:
		case <-t.done:
			return
		default:
			t.logger.Warn("message buffer full, dropping message", "type", msg.Type)
		}
	}
}

// reconnect redials with bounded exponential backoff and replays every
// registered subscription. Returns the new socket, or an error once the
// attempt budget is exhausted.
func (t *transport) reconnect() (*websocket.Conn, error) {
	t.setState(StateReconnecting)

	wait := t.cfg.ReconnectBase

	for attempt := 1; attempt <= t.cfg.ReconnectMaxAttempts; attempt++ {
		select {
		case <-t.done:
			return nil, ErrAlreadyClosed
		case <-time.After(wait):
		}

		t.logger.Info("reconnecting", "attempt", attempt)

		conn, err := t.dial(context.Background())
		if err != nil {
			t.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			wait *= 2
			if wait > t.cfg.ReconnectMax {
				wait = t.cfg.ReconnectMax
			}
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.state = StateConnected
		regs := make(map[model.DataType]registration, len(t.regs))
		for dt, reg := range t.regs {
			regs[dt] = registration{
				symbols:  append([]model.Symbol(nil), reg.symbols...),
				interval: reg.interval,
			}
		}
		t.mu.Unlock()

		// Replay all registrations on the fresh socket.
		for dt, reg := range regs {
			if err := t.sendSubscribe(reg.symbols, dt, reg.interval); err != nil {
				t.logger.Warn("resubscribe failed", "data_type", dt, "error", err)
			}
		}

		t.logger.Info("reconnected", "attempt", attempt)
		return conn, nil
	}

	return nil, fmt.Errorf("%w: %d attempts", ErrTransportFailed, t.cfg.ReconnectMaxAttempts)
}

// keepAlive pings the current socket at the configured interval. Upbit
// answers with a status frame which the decoder consumes.
func (t *transport) keepAlive() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.RLock()
			conn := t.conn
			connected := t.state == StateConnected
			t.mu.RUnlock()

			if !connected || conn == nil {
				continue
			}

			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("PING"), deadline); err != nil {
				t.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

// mergeSymbols unions two symbol sets preserving first-seen order.
func mergeSymbols(existing, add []model.Symbol) []model.Symbol {
	seen := make(map[model.Symbol]struct{}, len(existing)+len(add))
	out := make([]model.Symbol, 0, len(existing)+len(add))
	for _, s := range existing {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range add {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
