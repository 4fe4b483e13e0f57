package uplink

import (
	"context"

	"github.com/Kava-Labs/switch-api/errors"
	"github.com/Kava-Labs/switch-api/ilp"
)

// route is the single inbound data handler registered on the wrapper.
// It demultiplexes by destination address: packets addressed below the
// uplink's own address go to the payment server untouched, packets
// addressed exactly to the uplink go to the client handler, and
// anything else is treated as server traffic.
func (u *ReadyUplink) route(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.WrapInvalid(errors.ErrEmptyPayload, "uplink", "route", "handle inbound packet")
	}

	prepare, err := ilp.DecodePrepare(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "uplink", "route", "decode inbound packet")
	}

	rest, under := prepare.Destination.SegmentsAfter(u.ClientAddress)
	if !under || rest != "" {
		u.handlerMu.RLock()
		handler := u.serverHandler
		u.handlerMu.RUnlock()
		u.metrics.routed("server")
		// Raw bytes pass through so the server verifies the condition
		// against the exact data it was computed over.
		return handler(ctx, payload)
	}

	u.handlerMu.RLock()
	handler := u.clientHandler
	u.handlerMu.RUnlock()
	u.metrics.routed("client")

	reply, err := handler(ctx, prepare)
	if err != nil {
		return nil, errors.Wrap(err, "uplink", "route", "handle addressed packet")
	}
	return ilp.EncodeReply(reply), nil
}
