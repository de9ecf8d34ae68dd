// Package sweeper periodically discards abandoned search cycles.
//
// A cycle stuck in Negotiating or Reserved past its TTL holds the seller's
// item with no one driving it forward. The sweeper asks the broker to expire
// such cycles on a fixed interval.
package sweeper
