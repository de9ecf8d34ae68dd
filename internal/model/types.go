package model

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Registry Types
// -----------------------------------------------------------------------------

// Participant is a registered buyer or seller.
type Participant struct {
	Name            string    // Primary key
	Address         string    // Network address (IP or host)
	DatagramPort    int       // UDP endpoint for notifications
	StreamPort      int       // TCP endpoint for the reliable channel
	Seq             int       // Registration sequence number (1-based)
	ShippingAddress string    // Set only while a transaction is active
	RegisteredAt    time.Time // Local registration time
}

// DatagramAddr returns host:port of the participant's datagram endpoint.
func (p Participant) DatagramAddr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.DatagramPort))
}

// StreamAddr returns host:port of the participant's reliable-channel endpoint.
func (p Participant) StreamAddr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.StreamPort))
}

// -----------------------------------------------------------------------------
// Matching Types
// -----------------------------------------------------------------------------

// SearchRequest is one buyer's LOOKING_FOR, keyed by a broker-generated SearchID.
type SearchRequest struct {
	SearchID    string    // Broker-generated, e.g. "SEARCH-17"
	BuyerRQ     string    // Request number chosen by the buyer
	Buyer       string    // Buyer participant name
	Item        string    // Item name
	Description string    // Free-text description
	MaxPrice    int64     // Buyer's maximum price
	CreatedAt   time.Time // Local creation time
}

// Offer is a seller's answer to a SearchRequest.
type Offer struct {
	SearchID   string
	Seller     string
	Item       string
	Price      int64
	ReceivedAt time.Time
}

// CycleState is the phase of a search cycle.
type CycleState string

const (
	CycleCollecting  CycleState = "collecting"  // Offers accepted
	CycleNegotiating CycleState = "negotiating" // Counter-offer sent to the winning seller
	CycleReserved    CycleState = "reserved"    // RESERVE/FOUND sent, waiting for BUY
	CycleFinalizing  CycleState = "finalizing"  // BUY accepted, transaction in progress
)

// -----------------------------------------------------------------------------
// Transaction Types
// -----------------------------------------------------------------------------

// TransactionState is the phase of a Transaction.
type TransactionState string

const (
	TxReserved   TransactionState = "reserved"
	TxExchanging TransactionState = "exchanging" // INFORM_REQ/INFORM_RES with both parties
	TxPaying     TransactionState = "paying"
	TxShipping   TransactionState = "shipping"
	TxSucceeded  TransactionState = "succeeded"
	TxCanceled   TransactionState = "canceled"
)

// Transaction is the sale settled against one SearchRequest.
type Transaction struct {
	ID         uuid.UUID
	SearchID   string
	BuyerRQ    string
	Buyer      string
	Seller     string
	Item       string
	Price      int64           // Agreed price
	Proceeds   decimal.Decimal // Seller's net after the brokerage fee (zero until paid)
	State      TransactionState
	Reason     string // Cancellation reason
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Terminal reports whether the transaction has reached success or cancellation.
func (t Transaction) Terminal() bool {
	return t.State == TxSucceeded || t.State == TxCanceled
}

// PaymentDetails is a party's INFORM_RES answer.
type PaymentDetails struct {
	RQ         string
	Name       string
	CardNumber string
	Expiry     string
	Address    string // May contain spaces
}

// -----------------------------------------------------------------------------
// Event Types
// -----------------------------------------------------------------------------

// EventKind identifies a broker event.
type EventKind string

const (
	EventSearchStarted       EventKind = "search_started"
	EventOfferRecorded       EventKind = "offer_recorded"
	EventCycleResolved       EventKind = "cycle_resolved"
	EventTransactionFinished EventKind = "transaction_finished"
)

// Event is a broker activity notice for observers.
type Event struct {
	Kind        EventKind `json:"kind"`
	SearchID    string    `json:"search_id,omitempty"`
	Participant string    `json:"participant,omitempty"`
	Item        string    `json:"item,omitempty"`
	Price       int64     `json:"price,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	Time        time.Time `json:"time"`
}
