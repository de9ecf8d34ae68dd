package protocol

import (
	"fmt"
	"strconv"

	"github.com/rickgao/market-broker/internal/model"
)

// -----------------------------------------------------------------------------
// Registration
// -----------------------------------------------------------------------------

// Register is REGISTER rq name address datagramPort streamPort.
type Register struct {
	RQ           string
	Name         string
	Address      string
	DatagramPort int
	StreamPort   int
}

func (m Register) Frame() Frame {
	return NewFrame(KindRegister, m.RQ, m.Name, m.Address, strconv.Itoa(m.DatagramPort), strconv.Itoa(m.StreamPort))
}

func DecodeRegister(f Frame) (Register, error) {
	if err := f.need(KindRegister, 5); err != nil {
		return Register{}, err
	}
	udp, err := parsePort(f.Fields[3])
	if err != nil {
		return Register{}, err
	}
	tcp, err := parsePort(f.Fields[4])
	if err != nil {
		return Register{}, err
	}
	return Register{
		RQ:           f.Fields[0],
		Name:         f.Fields[1],
		Address:      f.Fields[2],
		DatagramPort: udp,
		StreamPort:   tcp,
	}, nil
}

// Registered is REGISTERED rq seq. Seq is the broker-assigned registration number.
type Registered struct {
	RQ  string
	Seq int
}

func (m Registered) Frame() Frame {
	return NewFrame(KindRegistered, m.RQ, strconv.Itoa(m.Seq))
}

func DecodeRegistered(f Frame) (Registered, error) {
	if err := f.need(KindRegistered, 1); err != nil {
		return Registered{}, err
	}
	m := Registered{RQ: f.Fields[0]}
	if len(f.Fields) > 1 {
		seq, err := strconv.Atoi(f.Fields[1])
		if err != nil {
			return Registered{}, fmt.Errorf("%w: invalid sequence %q", ErrMalformed, f.Fields[1])
		}
		m.Seq = seq
	}
	return m, nil
}

// Deregister is DE-REGISTER rq name.
type Deregister struct {
	RQ   string
	Name string
}

func (m Deregister) Frame() Frame {
	return NewFrame(KindDeregister, m.RQ, m.Name)
}

func DecodeDeregister(f Frame) (Deregister, error) {
	if err := f.need(KindDeregister, 2); err != nil {
		return Deregister{}, err
	}
	return Deregister{RQ: f.Fields[0], Name: f.Fields[1]}, nil
}

// Denied is REGISTER-DENIED / DE-REGISTER-DENIED rq reason.
type Denied struct {
	Kind   Kind
	RQ     string
	Reason string
}

func (m Denied) Frame() Frame {
	return NewFrame(m.Kind, m.RQ, m.Reason)
}

// Ack is a single-rq reply such as DE-REGISTERED rq or INFORM_RES_ACK rq.
type Ack struct {
	Kind Kind
	RQ   string
}

func (m Ack) Frame() Frame {
	return NewFrame(m.Kind, m.RQ)
}

// -----------------------------------------------------------------------------
// Searching
// -----------------------------------------------------------------------------

// LookingFor is LOOKING_FOR rq buyer item description... maxPrice.
// The description spans every token between the item and the trailing price.
type LookingFor struct {
	RQ          string
	Buyer       string
	Item        string
	Description string
	MaxPrice    int64
}

func (m LookingFor) Frame() Frame {
	return NewFrame(KindLookingFor, m.RQ, m.Buyer, m.Item, m.Description, formatPrice(m.MaxPrice))
}

func DecodeLookingFor(f Frame) (LookingFor, error) {
	if err := f.need(KindLookingFor, 5); err != nil {
		return LookingFor{}, err
	}
	last := len(f.Fields) - 1
	price, err := ParsePrice(f.Fields[last])
	if err != nil {
		return LookingFor{}, err
	}
	return LookingFor{
		RQ:          f.Fields[0],
		Buyer:       f.Fields[1],
		Item:        f.Fields[2],
		Description: joinRange(f.Fields, 3, last),
		MaxPrice:    price,
	}, nil
}

// Search is SEARCH searchId item description... buyer.
type Search struct {
	SearchID    string
	Item        string
	Description string
	Buyer       string
}

func (m Search) Frame() Frame {
	return NewFrame(KindSearch, m.SearchID, m.Item, m.Description, m.Buyer)
}

func DecodeSearch(f Frame) (Search, error) {
	if err := f.need(KindSearch, 4); err != nil {
		return Search{}, err
	}
	last := len(f.Fields) - 1
	return Search{
		SearchID:    f.Fields[0],
		Item:        f.Fields[1],
		Description: joinRange(f.Fields, 2, last),
		Buyer:       f.Fields[last],
	}, nil
}

// Offer is OFFER searchId seller item price.
type Offer struct {
	SearchID string
	Seller   string
	Item     string
	Price    int64
}

func (m Offer) Frame() Frame {
	return NewFrame(KindOffer, m.SearchID, m.Seller, m.Item, formatPrice(m.Price))
}

func DecodeOffer(f Frame) (Offer, error) {
	if err := f.need(KindOffer, 4); err != nil {
		return Offer{}, err
	}
	price, err := ParsePrice(f.Fields[3])
	if err != nil {
		return Offer{}, err
	}
	return Offer{SearchID: f.Fields[0], Seller: f.Fields[1], Item: f.Fields[2], Price: price}, nil
}

// NotAvailable is NOT_AVAILABLE rq item.
type NotAvailable struct {
	RQ   string
	Item string
}

func (m NotAvailable) Frame() Frame {
	return NewFrame(KindNotAvailable, m.RQ, m.Item)
}

func DecodeNotAvailable(f Frame) (NotAvailable, error) {
	if err := f.need(KindNotAvailable, 2); err != nil {
		return NotAvailable{}, err
	}
	return NotAvailable{RQ: f.Fields[0], Item: f.Fields[1]}, nil
}

// ItemPrice covers every "KIND rq item price" message: FOUND, NEGOTIATE,
// ACCEPT, REFUSE, RESERVE, BUY and TRANSACTION_SUCCESS.
type ItemPrice struct {
	Kind  Kind
	RQ    string
	Item  string
	Price int64
}

func (m ItemPrice) Frame() Frame {
	return NewFrame(m.Kind, m.RQ, m.Item, formatPrice(m.Price))
}

func DecodeItemPrice(f Frame, kind Kind) (ItemPrice, error) {
	if err := f.need(kind, 3); err != nil {
		return ItemPrice{}, err
	}
	price, err := ParsePrice(f.Fields[2])
	if err != nil {
		return ItemPrice{}, err
	}
	return ItemPrice{Kind: kind, RQ: f.Fields[0], Item: f.Fields[1], Price: price}, nil
}

// -----------------------------------------------------------------------------
// Cancellation
// -----------------------------------------------------------------------------

// Cancel is the overloaded CANCEL kind. Two shapes share the wire name:
//
//	CANCEL rq item price   (cycle cancel, client -> broker)
//	CANCEL rq reason...    (transaction cancel, broker -> client)
//
// A frame with exactly three fields whose last field is a price decodes as
// the item form; anything else is the reason form.
type Cancel struct {
	RQ      string
	Item    string
	Price   int64
	Reason  string
	HasItem bool
}

func (m Cancel) Frame() Frame {
	if m.HasItem {
		return NewFrame(KindCancel, m.RQ, m.Item, formatPrice(m.Price))
	}
	return NewFrame(KindCancel, m.RQ, m.Reason)
}

func DecodeCancel(f Frame) (Cancel, error) {
	if err := f.need(KindCancel, 1); err != nil {
		return Cancel{}, err
	}
	if len(f.Fields) == 3 {
		if price, err := ParsePrice(f.Fields[2]); err == nil {
			return Cancel{RQ: f.Fields[0], Item: f.Fields[1], Price: price, HasItem: true}, nil
		}
	}
	return Cancel{RQ: f.Fields[0], Reason: f.rest(1)}, nil
}

// Canceled is CANCELED rq item, the reply to a cycle cancel.
type Canceled struct {
	RQ   string
	Item string
}

func (m Canceled) Frame() Frame {
	return NewFrame(KindCanceled, m.RQ, m.Item)
}

// -----------------------------------------------------------------------------
// Transaction (reliable channel)
// -----------------------------------------------------------------------------

// InformReq is INFORM_REQ item price.
type InformReq struct {
	Item  string
	Price int64
}

func (m InformReq) Frame() Frame {
	return NewFrame(KindInformReq, m.Item, formatPrice(m.Price))
}

func DecodeInformReq(f Frame) (InformReq, error) {
	if err := f.need(KindInformReq, 2); err != nil {
		return InformReq{}, err
	}
	price, err := ParsePrice(f.Fields[1])
	if err != nil {
		return InformReq{}, err
	}
	return InformReq{Item: f.Fields[0], Price: price}, nil
}

// InformRes is INFORM_RES rq name cardNumber expiry address...
type InformRes model.PaymentDetails

func (m InformRes) Frame() Frame {
	return NewFrame(KindInformRes, m.RQ, m.Name, m.CardNumber, m.Expiry, m.Address)
}

func DecodeInformRes(f Frame) (InformRes, error) {
	if err := f.need(KindInformRes, 5); err != nil {
		return InformRes{}, err
	}
	return InformRes{
		RQ:         f.Fields[0],
		Name:       f.Fields[1],
		CardNumber: f.Fields[2],
		Expiry:     f.Fields[3],
		Address:    f.rest(4),
	}, nil
}

// ShippingInfo is SHIPPING_INFO rq buyer address...
type ShippingInfo struct {
	RQ      string
	Buyer   string
	Address string
}

func (m ShippingInfo) Frame() Frame {
	return NewFrame(KindShippingInfo, m.RQ, m.Buyer, m.Address)
}

func DecodeShippingInfo(f Frame) (ShippingInfo, error) {
	if err := f.need(KindShippingInfo, 3); err != nil {
		return ShippingInfo{}, err
	}
	return ShippingInfo{RQ: f.Fields[0], Buyer: f.Fields[1], Address: f.rest(2)}, nil
}

// -----------------------------------------------------------------------------
// Control
// -----------------------------------------------------------------------------

// Error is ERROR text...
type Error struct {
	Text string
}

func (m Error) Frame() Frame {
	return NewFrame(KindError, m.Text)
}

func DecodeError(f Frame) (Error, error) {
	if err := f.need(KindError, 0); err != nil {
		return Error{}, err
	}
	return Error{Text: f.rest(0)}, nil
}

func joinRange(fields []string, from, to int) string {
	if from >= to {
		return ""
	}
	out := fields[from]
	for _, s := range fields[from+1 : to] {
		out += " " + s
	}
	return out
}
