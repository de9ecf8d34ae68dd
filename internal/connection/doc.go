// Package connection implements the broker's two transports.
//
// The datagram Endpoint:
//   - Owns one UDP socket for all request and notification traffic
//   - Delivers every inbound datagram to the router with its sender address
//   - Sends fire-and-forget datagrams to participant endpoints
//
// The reliable channel:
//   - StreamClient opens one TCP connection per exchange, writes a request
//     frame and reads one response frame, bounded by a timeout
//   - Listener accepts connections and serves each one on its own goroutine
//
// Frames on the reliable channel are newline-terminated text.
package connection
