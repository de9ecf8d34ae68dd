// Package feed streams broker events to WebSocket observers.
//
// Hub implements the broker's event sink: Publish encodes each event once as
// JSON and queues it for every subscriber without blocking the broker. A
// subscriber whose queue is full is disconnected. Subscriber is the matching
// client, used by tests and by cmd/peer's watch mode.
package feed
