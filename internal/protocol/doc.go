// Package protocol implements the broker's text wire format.
//
// A frame is a single datagram (or a single write on the reliable channel) of
// whitespace-delimited tokens:
//
//	KIND field1 field2 ...
//
// Fields that may contain spaces (descriptions, addresses, reasons) are taken
// from the remaining tokens. Each message kind has a typed struct with a
// Frame method for encoding and a Decode function for parsing.
package protocol
