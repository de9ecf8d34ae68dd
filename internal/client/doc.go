// Package client is the participant side of the broker protocol.
//
// A Client owns one datagram endpoint for requests and notifications and one
// reliable-channel listener that answers the broker's INFORM_REQ with the
// participant's payment details and accepts SHIPPING_INFO. Everything the
// broker sends, on either channel, surfaces on a single notification stream.
package client
