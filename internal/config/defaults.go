package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL      = "https://api.upbit.com"
	DefaultWSURL        = "wss://api.upbit.com/websocket/v1"
	DefaultAPITimeout   = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 1 * time.Second

	DefaultMaxConnections       = 5
	DefaultMaxSubsPerConnection = 15
	DefaultSubscribeTimeout     = 10 * time.Second
	DefaultIdleTimeout          = 5 * time.Minute
	DefaultSweepInterval        = 1 * time.Minute
	DefaultEvictIdleAfter       = 30 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultReconnectMaxAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultBufferSize           = 1000
	DefaultTradeRingSize        = 100
	DefaultDataWaitTimeout      = 3 * time.Second

	DefaultSafetyMargin = 0.75
	DefaultBackoffBase  = 1 * time.Second
	DefaultBackoffMax   = 60 * time.Second

	DefaultCacheMaxEntries = 1000
	DefaultTradesTTL       = 30 * time.Second
	DefaultCandlesTTL      = 60 * time.Second

	DefaultDBPort        = 5432
	DefaultDBSSLMode     = "prefer"
	DefaultDBMaxConns    = 10
	DefaultDBMinConns    = 2
	DefaultBatchSize     = 1000
	DefaultFlushInterval = 1 * time.Second
)

// Exchange-advertised ceilings before the safety margin.
var (
	DefaultRESTLimit      = LimitConfig{PerSecond: 10, PerMinute: 600}
	DefaultWSConnectLimit = LimitConfig{PerSecond: 5, PerMinute: 100}
	DefaultWSMessageLimit = LimitConfig{PerSecond: 5, PerMinute: 100}
	DefaultGlobalLimit    = LimitConfig{PerSecond: 25, PerMinute: 1200}
)

func (c *RouterConfig) applyDefaults() {
	// Exchange defaults
	if c.Exchange.RestURL == "" {
		c.Exchange.RestURL = DefaultRestURL
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = DefaultWSURL
	}
	if c.Exchange.Timeout == 0 {
		c.Exchange.Timeout = DefaultAPITimeout
	}
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = DefaultMaxRetries
	}
	if c.Exchange.RetryBackoff == 0 {
		c.Exchange.RetryBackoff = DefaultRetryBackoff
	}

	// Stream pool defaults
	if c.Streams.MaxConnections == 0 {
		c.Streams.MaxConnections = DefaultMaxConnections
	}
	if c.Streams.MaxSubsPerConnection == 0 {
		c.Streams.MaxSubsPerConnection = DefaultMaxSubsPerConnection
	}
	if c.Streams.SubscribeTimeout == 0 {
		c.Streams.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Streams.IdleTimeout == 0 {
		c.Streams.IdleTimeout = DefaultIdleTimeout
	}
	if c.Streams.SweepInterval == 0 {
		c.Streams.SweepInterval = DefaultSweepInterval
	}
	if c.Streams.EvictIdleAfter == 0 {
		c.Streams.EvictIdleAfter = DefaultEvictIdleAfter
	}
	if c.Streams.PingInterval == 0 {
		c.Streams.PingInterval = DefaultPingInterval
	}
	if c.Streams.ReconnectMaxAttempts == 0 {
		c.Streams.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.Streams.ReconnectBaseDelay == 0 {
		c.Streams.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Streams.ReconnectMaxDelay == 0 {
		c.Streams.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Streams.BufferSize == 0 {
		c.Streams.BufferSize = DefaultBufferSize
	}
	if c.Streams.TradeRingSize == 0 {
		c.Streams.TradeRingSize = DefaultTradeRingSize
	}
	if c.Streams.DataWaitTimeout == 0 {
		c.Streams.DataWaitTimeout = DefaultDataWaitTimeout
	}

	// Rate limit defaults
	if c.RateLimit.SafetyMargin == 0 {
		c.RateLimit.SafetyMargin = DefaultSafetyMargin
	}
	if c.RateLimit.BackoffBase == 0 {
		c.RateLimit.BackoffBase = DefaultBackoffBase
	}
	if c.RateLimit.BackoffMax == 0 {
		c.RateLimit.BackoffMax = DefaultBackoffMax
	}
	if c.RateLimit.REST == (LimitConfig{}) {
		c.RateLimit.REST = DefaultRESTLimit
	}
	if c.RateLimit.WSConnect == (LimitConfig{}) {
		c.RateLimit.WSConnect = DefaultWSConnectLimit
	}
	if c.RateLimit.WSMessage == (LimitConfig{}) {
		c.RateLimit.WSMessage = DefaultWSMessageLimit
	}
	if c.RateLimit.Global == (LimitConfig{}) {
		c.RateLimit.Global = DefaultGlobalLimit
	}

	// Cache defaults
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Cache.TradesTTL == 0 {
		c.Cache.TradesTTL = DefaultTradesTTL
	}
	if c.Cache.CandlesTTL == 0 {
		c.Cache.CandlesTTL = DefaultCandlesTTL
	}

	// Archive defaults
	if c.Archive.Enabled {
		if c.Archive.BatchSize == 0 {
			c.Archive.BatchSize = DefaultBatchSize
		}
		if c.Archive.FlushInterval == 0 {
			c.Archive.FlushInterval = DefaultFlushInterval
		}
		applyDBDefaults(&c.Archive.Database)
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultDBMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultDBMinConns
	}
}
