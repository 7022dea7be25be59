package stream

import (
	"context"
	"errors"
	"time"

	"upbitflow/internal/model"
	"upbitflow/internal/ratelimit"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrTransportFailed  = errors.New("transport failed (reconnect attempts exhausted)")
	ErrCapacityExceeded = errors.New("subscription pool capacity exceeded")
	ErrNoData           = errors.New("no data received within timeout")
)

// TransportState is the connection lifecycle state.
type TransportState string

const (
	StateDisconnected TransportState = "disconnected"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateReconnecting TransportState = "reconnecting"
	StateFailed       TransportState = "failed"
)

// SubscriptionState is the lifecycle state of one subscription.
type SubscriptionState string

const (
	SubPending   SubscriptionState = "pending"
	SubActive    SubscriptionState = "active"
	SubPaused    SubscriptionState = "paused"
	SubError     SubscriptionState = "error"
	SubCancelled SubscriptionState = "cancelled"
)

// Priority orders subscriptions for eviction. Critical subscriptions are
// never idle-swept.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Subscription is an intent to continuously receive one (symbol, data type)
// pair, independent of the physical transport currently carrying it.
// Migration creates a new identity.
type Subscription struct {
	ID           string
	Symbol       model.Symbol
	DataType     model.DataType
	TransportID  string
	State        SubscriptionState
	Priority     Priority
	CreatedAt    time.Time
	LastDataAt   time.Time
	LastUsedAt   time.Time
	MessageCount int64
}

// MessageType is the decoded semantic type of one wire frame.
type MessageType string

const (
	MsgTicker    MessageType = "ticker"
	MsgTrade     MessageType = "trade"
	MsgOrderbook MessageType = "orderbook"
	MsgCandle    MessageType = "candle"
	MsgStatus    MessageType = "status"
	MsgError     MessageType = "error"
	MsgUnknown   MessageType = "unknown"
)

// Message is one decoded frame from a Transport.
type Message struct {
	Type        MessageType
	Symbol      model.Symbol
	Payload     map[string]any // Raw decoded JSON object
	ReceivedAt  time.Time      // Local timestamp when the read returned
	TransportID string
}

// Wire sections of the Upbit subscribe frame:
// [{"ticket":...},{"type":...,"codes":[...]},{"format":"SIMPLE"}]

type ticketSection struct {
	Ticket string `json:"ticket"`
}

type typeSection struct {
	Type  string   `json:"type"`
	Codes []string `json:"codes"`
}

type formatSection struct {
	Format string `json:"format"`
}

// RateGate is the slice of the rate limiter a Transport needs.
type RateGate interface {
	AcquireBlocking(ctx context.Context, cat ratelimit.Category, timeout time.Duration) error
	OnServerRejection(cat ratelimit.Category)
}

// TransportConfig configures one Transport.
type TransportConfig struct {
	URL                  string
	ConnectTimeout       time.Duration // Handshake bound, also the ws-connect acquire bound
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	BufferSize           int // Listen channel depth
	ReconnectMaxAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
}

// DefaultTransportConfig returns sensible defaults for the Upbit endpoint.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		URL:                  "wss://api.upbit.com/websocket/v1",
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         30 * time.Second,
		BufferSize:           1000,
		ReconnectMaxAttempts: 5,
		ReconnectBase:        time.Second,
		ReconnectMax:         30 * time.Second,
	}
}

// ManagerConfig configures the subscription Manager.
type ManagerConfig struct {
	Transport            TransportConfig
	MaxConnections       int
	MaxSubsPerConnection int
	SubscribeTimeout     time.Duration
	IdleTimeout          time.Duration // Non-critical subs unused this long are swept
	SweepInterval        time.Duration
	EvictIdleAfter       time.Duration // A sub without data this long counts as idle for eviction
	TradeRingSize        int           // Recent trade payloads kept per symbol
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Transport:            DefaultTransportConfig(),
		MaxConnections:       5,
		MaxSubsPerConnection: 15,
		SubscribeTimeout:     10 * time.Second,
		IdleTimeout:          5 * time.Minute,
		SweepInterval:        time.Minute,
		EvictIdleAfter:       30 * time.Second,
		TradeRingSize:        100,
	}
}

// ManagerStats provides statistics about the subscription pool.
type ManagerStats struct {
	Transports          int
	ConnectedTransports int
	Subscriptions       int
	ActiveSubscriptions int
	ErrorSubscriptions  int
}
