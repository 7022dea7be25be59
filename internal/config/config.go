package config

import "time"

// RouterConfig is the root configuration for a router instance.
type RouterConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Streams   StreamsConfig   `yaml:"streams"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// InstanceConfig identifies this router.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ExchangeConfig holds Upbit API settings.
type ExchangeConfig struct {
	RestURL      string        `yaml:"rest_url"`
	WSURL        string        `yaml:"ws_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// StreamsConfig holds the WebSocket subscription pool settings.
type StreamsConfig struct {
	MaxConnections       int           `yaml:"max_connections"`
	MaxSubsPerConnection int           `yaml:"max_subscriptions_per_connection"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	EvictIdleAfter       time.Duration `yaml:"evict_idle_after"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	BufferSize           int           `yaml:"buffer_size"`
	TradeRingSize        int           `yaml:"trade_ring_size"`
	DataWaitTimeout      time.Duration `yaml:"data_wait_timeout"`
}

// RateLimitConfig holds the local rate budgets. Ceilings are requests per
// rolling window before the safety margin is applied.
type RateLimitConfig struct {
	SafetyMargin float64       `yaml:"safety_margin"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	REST         LimitConfig   `yaml:"rest"`
	WSConnect    LimitConfig   `yaml:"ws_connect"`
	WSMessage    LimitConfig   `yaml:"ws_message"`
	Global       LimitConfig   `yaml:"global"`
}

// LimitConfig is one category ceiling. Zero means unlimited.
type LimitConfig struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
}

// CacheConfig holds the response cache settings.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TradesTTL  time.Duration `yaml:"trades_ttl"`
	CandlesTTL time.Duration `yaml:"candles_ttl"`
}

// ArchiveConfig holds the optional record archive settings.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
