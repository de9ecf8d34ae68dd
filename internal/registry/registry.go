package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/rickgao/market-broker/internal/model"
)

// Errors
var (
	ErrNameInUse     = errors.New("name already in use")
	ErrNotRegistered = errors.New("name not registered")
)

// Registry is the authoritative table of registered participants.
type Registry struct {
	logger *slog.Logger
	state  *participantState
	now    func() time.Time
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		state:  newState(),
		now:    time.Now,
	}
}

// Register stores a new participant and returns its sequence number.
// A name that is already registered is denied and the existing entry is left untouched.
func (r *Registry) Register(name, address string, datagramPort, streamPort int) (int, error) {
	seq, ok := r.state.insert(model.Participant{
		Name:         name,
		Address:      address,
		DatagramPort: datagramPort,
		StreamPort:   streamPort,
		RegisteredAt: r.now(),
	})
	if !ok {
		return 0, fmt.Errorf("register %s: %w", name, ErrNameInUse)
	}

	r.logger.Info("participant registered",
		"name", name,
		"address", address,
		"datagram_port", datagramPort,
		"stream_port", streamPort,
		"seq", seq,
	)
	return seq, nil
}

// Deregister removes a participant.
func (r *Registry) Deregister(name string) error {
	if !r.state.remove(name) {
		return fmt.Errorf("deregister %s: %w", name, ErrNotRegistered)
	}
	r.logger.Info("participant deregistered", "name", name)
	return nil
}

// Lookup returns a snapshot of a participant.
func (r *Registry) Lookup(name string) (model.Participant, bool) {
	return r.state.get(name)
}

// LookupDatagram returns the participant whose datagram endpoint is addr.
// Registered addresses that are IPs match addr's IP in any notation;
// hostnames must match literally.
func (r *Registry) LookupDatagram(addr net.Addr) (model.Participant, bool) {
	if addr == nil {
		return model.Participant{}, false
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return model.Participant{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return model.Participant{}, false
	}
	ip := net.ParseIP(host)

	return r.state.find(func(p *model.Participant) bool {
		if p.DatagramPort != port {
			return false
		}
		if p.Address == host {
			return true
		}
		return ip != nil && ip.Equal(net.ParseIP(p.Address))
	})
}

// List returns a snapshot of all participants ordered by registration.
func (r *Registry) List() []model.Participant {
	return r.state.list()
}

// SetShippingAddress records the shipping address given during an active transaction.
// An empty address clears it.
func (r *Registry) SetShippingAddress(name, address string) error {
	ok := r.state.update(name, func(p *model.Participant) {
		p.ShippingAddress = address
	})
	if !ok {
		return fmt.Errorf("set shipping address %s: %w", name, ErrNotRegistered)
	}
	return nil
}

// Reset removes every participant and restarts sequence numbering at 1.
func (r *Registry) Reset() {
	n := r.state.clear()
	r.logger.Info("registry reset", "removed", n)
}
