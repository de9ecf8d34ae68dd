package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is wrapped by every decoding error.
var ErrMalformed = errors.New("malformed message")

// Kind is the first token of a frame.
type Kind string

// Message kinds.
const (
	KindRegister           Kind = "REGISTER"
	KindRegistered         Kind = "REGISTERED"
	KindRegisterDenied     Kind = "REGISTER-DENIED"
	KindDeregister         Kind = "DE-REGISTER"
	KindDeregistered       Kind = "DE-REGISTERED"
	KindDeregisterDenied   Kind = "DE-REGISTER-DENIED"
	KindLookingFor         Kind = "LOOKING_FOR"
	KindSearch             Kind = "SEARCH"
	KindOffer              Kind = "OFFER"
	KindFound              Kind = "FOUND"
	KindNotAvailable       Kind = "NOT_AVAILABLE"
	KindNegotiate          Kind = "NEGOTIATE"
	KindAccept             Kind = "ACCEPT"
	KindRefuse             Kind = "REFUSE"
	KindReserve            Kind = "RESERVE"
	KindBuy                Kind = "BUY"
	KindInformReq          Kind = "INFORM_REQ"
	KindInformRes          Kind = "INFORM_RES"
	KindInformResAck       Kind = "INFORM_RES_ACK"
	KindShippingInfo       Kind = "SHIPPING_INFO"
	KindTransactionSuccess Kind = "TRANSACTION_SUCCESS"
	KindCancel             Kind = "CANCEL"
	KindCanceled           Kind = "CANCELED"
	KindReset              Kind = "RESET"
	KindResetSuccess       Kind = "RESET-SUCCESS"
	KindError              Kind = "ERROR"
)

// Frame is a decoded but untyped message.
type Frame struct {
	Kind   Kind
	Fields []string
}

// NewFrame builds a frame from a kind and fields.
func NewFrame(kind Kind, fields ...string) Frame {
	return Frame{Kind: kind, Fields: fields}
}

// Parse splits raw bytes into a frame.
func Parse(data []byte) (Frame, error) {
	tokens := strings.Fields(string(data))
	if len(tokens) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	return Frame{Kind: Kind(tokens[0]), Fields: tokens[1:]}, nil
}

// String renders the frame as it goes on the wire.
// Empty fields are dropped.
func (f Frame) String() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	for _, field := range f.Fields {
		if field == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(field)
	}
	return b.String()
}

// Bytes renders the frame for sending.
func (f Frame) Bytes() []byte {
	return []byte(f.String())
}

// rest joins fields[i:] with single spaces.
func (f Frame) rest(i int) string {
	if i >= len(f.Fields) {
		return ""
	}
	return strings.Join(f.Fields[i:], " ")
}

// need checks the frame kind and minimum field count.
func (f Frame) need(kind Kind, n int) error {
	if f.Kind != kind {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformed, kind, f.Kind)
	}
	if len(f.Fields) < n {
		return fmt.Errorf("%w: %s expects %d fields, got %d", ErrMalformed, kind, n, len(f.Fields))
	}
	return nil
}

// ParsePrice parses a non-negative whole price.
func ParsePrice(s string) (int64, error) {
	p, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid price %q", ErrMalformed, s)
	}
	if p < 0 {
		return 0, fmt.Errorf("%w: negative price %q", ErrMalformed, s)
	}
	return p, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", ErrMalformed, s)
	}
	return p, nil
}

func formatPrice(p int64) string {
	return strconv.FormatInt(p, 10)
}
