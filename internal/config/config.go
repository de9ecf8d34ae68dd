package config

import "time"

// BrokerConfig is the root configuration for a broker instance.
type BrokerConfig struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Listen      ListenConfig      `yaml:"listen"`
	Matching    MatchingConfig    `yaml:"matching"`
	Transaction TransactionConfig `yaml:"transaction"`
	Sweeper     SweeperConfig     `yaml:"sweeper"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Database    DatabaseConfig    `yaml:"database"`
	Admin       AdminConfig       `yaml:"admin"`
	Log         LogConfig         `yaml:"log"`
}

// InstanceConfig identifies this broker.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ListenConfig holds the broker's own endpoints.
type ListenConfig struct {
	Host         string `yaml:"host"`
	DatagramPort int    `yaml:"datagram_port"` // UDP: registration, search, offers, notifications
	StreamPort   int    `yaml:"stream_port"`   // TCP: reliable channel
}

// MatchingConfig holds Matching Engine settings.
type MatchingConfig struct {
	CollectionWindow time.Duration `yaml:"collection_window"`
	EarlyResolve     bool          `yaml:"early_resolve"` // Stop collecting once an offer fits the buyer's max
}

// TransactionConfig holds Transaction Finalizer settings.
type TransactionConfig struct {
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"` // Per-party reliable-channel timeout
	CycleTTL        time.Duration `yaml:"cycle_ttl"`        // Max age of a Negotiating/Reserved cycle
}

// SweeperConfig holds expiry sweeper settings.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LedgerConfig holds transaction ledger writer settings.
type LedgerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DatabaseConfig holds the ledger database connection.
type DatabaseConfig struct {
	Ledger DBConfig `yaml:"ledger"`
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

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Port        int    `yaml:"port"`
	MetricsPath string `yaml:"metrics_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
