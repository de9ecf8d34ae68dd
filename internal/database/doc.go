// Package database builds the PostgreSQL connection pool behind the
// transaction ledger.
//
// The broker keeps all live state in memory. The database only receives
// terminal transactions for auditing and is never read back at startup.
package database
