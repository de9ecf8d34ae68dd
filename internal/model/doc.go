// Package model defines shared data types used across the market broker.
//
// Conventions:
//   - Prices: int64 whole currency units, as carried on the wire
//   - Money derived from prices (seller proceeds): decimal.Decimal
//   - Participant names and item names are single whitespace-free tokens
//   - IDs: string for search identifiers, uuid.UUID for transactions
package model
