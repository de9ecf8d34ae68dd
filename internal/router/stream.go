package router

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/rickgao/market-broker/internal/metrics"
	"github.com/rickgao/market-broker/internal/protocol"
)

// StreamHandler answers frames that arrive on the broker's own reliable-channel
// listener. Finalization exchanges are broker-initiated, so the only frame a
// participant may push here is an unsolicited INFORM_RES.
type StreamHandler struct {
	logger *slog.Logger

	acked    atomic.Int64
	rejected atomic.Int64
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{logger: logger}
}

// HandleStream implements connection.StreamHandler.
func (h *StreamHandler) HandleStream(_ context.Context, remote net.Addr, data []byte) []byte {
	f, err := protocol.Parse(data)
	if err != nil {
		metrics.RecordParseError()
		return h.reject(remote, err)
	}
	metrics.RecordMessage(string(f.Kind))

	if f.Kind != protocol.KindInformRes {
		return h.reject(remote, fmt.Errorf("unexpected message type %s on reliable channel", f.Kind))
	}
	m, err := protocol.DecodeInformRes(f)
	if err != nil {
		metrics.RecordParseError()
		return h.reject(remote, err)
	}

	h.acked.Add(1)
	h.logger.Debug("inform response acknowledged", "remote", remote.String(), "rq", m.RQ, "name", m.Name)
	return protocol.Ack{Kind: protocol.KindInformResAck, RQ: m.RQ}.Frame().Bytes()
}

// Counts returns the acknowledged and rejected frame counts.
func (h *StreamHandler) Counts() (acked, rejected int64) {
	return h.acked.Load(), h.rejected.Load()
}

func (h *StreamHandler) reject(remote net.Addr, err error) []byte {
	h.rejected.Add(1)
	h.logger.Debug("stream frame rejected", "remote", remote.String(), "error", err)
	return protocol.Error{Text: err.Error()}.Frame().Bytes()
}
