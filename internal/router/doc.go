// Package router implements the Dispatcher.
//
// The Router:
//   - Reads raw datagrams from the datagram endpoint
//   - Decodes each frame and dispatches it by message kind
//   - Runs every message on its own goroutine so a search waiting out its
//     collection window never blocks other traffic
//   - Replies to the sender for request-style messages, with ERROR on failure
//
// StreamHandler serves frames arriving on the broker's reliable-channel listener.
package router
