// Package server assembles a running broker from its configuration: the
// datagram endpoint and router, the reliable-channel listener and client,
// the broker itself, the expiry sweeper, the optional ledger, the event hub
// and the admin HTTP surface.
package server
