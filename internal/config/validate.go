package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *BrokerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := validatePort("listen.datagram_port", c.Listen.DatagramPort); err != nil {
		return err
	}
	if err := validatePort("listen.stream_port", c.Listen.StreamPort); err != nil {
		return err
	}
	if c.Listen.DatagramPort == c.Listen.StreamPort {
		return fmt.Errorf("listen.datagram_port and listen.stream_port must differ, both are %d", c.Listen.DatagramPort)
	}

	if c.Matching.CollectionWindow <= 0 {
		return errors.New("matching.collection_window must be > 0")
	}
	if c.Transaction.ExchangeTimeout <= 0 {
		return errors.New("transaction.exchange_timeout must be > 0")
	}
	if c.Transaction.CycleTTL < c.Matching.CollectionWindow {
		return fmt.Errorf("transaction.cycle_ttl (%s) cannot be shorter than matching.collection_window (%s)",
			c.Transaction.CycleTTL, c.Matching.CollectionWindow)
	}
	if c.Sweeper.Interval <= 0 {
		return errors.New("sweeper.interval must be > 0")
	}

	if c.Ledger.Enabled {
		if c.Ledger.BatchSize < 1 {
			return errors.New("ledger.batch_size must be >= 1")
		}
		if c.Ledger.BufferSize < 1 {
			return errors.New("ledger.buffer_size must be >= 1")
		}
		if err := c.Database.Ledger.validate("database.ledger"); err != nil {
			return err
		}
	}

	if err := validatePort("admin.port", c.Admin.Port); err != nil {
		return err
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// ParseLevel maps log.level to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", level)
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
