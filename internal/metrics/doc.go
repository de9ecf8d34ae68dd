// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Inbound messages by kind and parse errors
//   - Search cycles started and their outcomes
//   - Offers recorded
//   - Transaction finalization latency by result
//   - Registered participants and open searches
//   - Ledger batch sizes and failures
package metrics
