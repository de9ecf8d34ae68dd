package broker

import (
	"errors"

	"github.com/rickgao/market-broker/internal/protocol"
	"github.com/rickgao/market-broker/internal/registry"
)

// Errors
var (
	ErrNameInUse         = registry.ErrNameInUse
	ErrNotRegistered     = registry.ErrNotRegistered
	ErrMalformedMessage  = protocol.ErrMalformed
	ErrUnknownRequest    = errors.New("unknown request")
	ErrRequestExpired    = errors.New("request expired")
	ErrNoValidOffer      = errors.New("no valid offer")
	ErrNoMatchingSearch  = errors.New("no matching search request")
	ErrNoMatchingOffer   = errors.New("no matching offer")
	ErrInProgress        = errors.New("transaction in progress")
	ErrTransportFailure  = errors.New("transport failure")
	ErrPaymentSimulation = errors.New("payment simulation failed")
)
