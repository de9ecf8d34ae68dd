package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/market-broker/internal/config"
)

// applicationName tags broker sessions in pg_stat_activity.
const applicationName = "market-broker"

// BuildConnString builds the ledger's PostgreSQL URL. Credentials are escaped.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", applicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
