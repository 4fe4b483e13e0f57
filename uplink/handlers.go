package uplink

import (
	"context"

	"github.com/Kava-Labs/switch-api/ilp"
	"github.com/Kava-Labs/switch-api/transport"
)

// RegisterPacketHandler atomically replaces the handler invoked for
// packets addressed to the uplink itself. The previous handler receives
// no further packets once this returns.
func (u *ReadyUplink) RegisterPacketHandler(handler PacketHandler) {
	if handler == nil {
		handler = rejectingClientHandler(u.ClientAddress)
	}
	u.handlerMu.Lock()
	u.clientHandler = handler
	u.handlerMu.Unlock()
}

// DeregisterPacketHandler restores the default rejecting handler.
func (u *ReadyUplink) DeregisterPacketHandler() {
	u.RegisterPacketHandler(nil)
}

func (u *ReadyUplink) setServerHandler(handler transport.DataHandler) {
	u.handlerMu.Lock()
	u.serverHandler = handler
	u.handlerMu.Unlock()
}

func (u *ReadyUplink) resetServerHandler() {
	u.setServerHandler(rejectingServerHandler(u.ClientAddress))
}

// rejectingClientHandler answers every packet with an unreachable
// reject. Installed until the application registers its own handler and
// again whenever it deregisters.
func rejectingClientHandler(own ilp.Address) PacketHandler {
	return func(ctx context.Context, prepare *ilp.Prepare) (ilp.Reply, error) {
		return &ilp.Reject{
			Code:        ilp.CodeUnreachable,
			TriggeredBy: own,
			Message:     "no handler registered",
		}, nil
	}
}

func rejectingServerHandler(own ilp.Address) transport.DataHandler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		reject := &ilp.Reject{
			Code:        ilp.CodeUnreachable,
			TriggeredBy: own,
			Message:     "payment server stopped",
		}
		return reject.Encode(), nil
	}
}
