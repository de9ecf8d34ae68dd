package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultListenHost       = "127.0.0.1"
	DefaultDatagramPort     = 5005
	DefaultStreamPort       = 5006
	DefaultCollectionWindow = 60 * time.Second
	DefaultExchangeTimeout  = 10 * time.Second
	DefaultCycleTTL         = 10 * time.Minute
	DefaultSweepInterval    = 1 * time.Minute
	DefaultBatchSize        = 100
	DefaultFlushInterval    = 1 * time.Second
	DefaultBufferSize       = 1000
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 4
	DefaultMinConns         = 1
	DefaultAdminPort        = 9090
	DefaultMetricsPath      = "/metrics"
	DefaultLogLevel         = "info"
)

func (c *BrokerConfig) applyDefaults() {
	// Listen defaults
	if c.Listen.Host == "" {
		c.Listen.Host = DefaultListenHost
	}
	if c.Listen.DatagramPort == 0 {
		c.Listen.DatagramPort = DefaultDatagramPort
	}
	if c.Listen.StreamPort == 0 {
		c.Listen.StreamPort = DefaultStreamPort
	}

	if c.Matching.CollectionWindow == 0 {
		c.Matching.CollectionWindow = DefaultCollectionWindow
	}

	// Transaction defaults
	if c.Transaction.ExchangeTimeout == 0 {
		c.Transaction.ExchangeTimeout = DefaultExchangeTimeout
	}
	if c.Transaction.CycleTTL == 0 {
		c.Transaction.CycleTTL = DefaultCycleTTL
	}

	if c.Sweeper.Interval == 0 {
		c.Sweeper.Interval = DefaultSweepInterval
	}

	// Ledger defaults
	if c.Ledger.BatchSize == 0 {
		c.Ledger.BatchSize = DefaultBatchSize
	}
	if c.Ledger.FlushInterval == 0 {
		c.Ledger.FlushInterval = DefaultFlushInterval
	}
	if c.Ledger.BufferSize == 0 {
		c.Ledger.BufferSize = DefaultBufferSize
	}
	applyDBDefaults(&c.Database.Ledger)

	// Admin defaults
	if c.Admin.Port == 0 {
		c.Admin.Port = DefaultAdminPort
	}
	if c.Admin.MetricsPath == "" {
		c.Admin.MetricsPath = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
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
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
