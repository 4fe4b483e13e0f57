package uplink

import (
	"context"

	"github.com/Kava-Labs/switch-api/errors"
	"github.com/Kava-Labs/switch-api/ilp"
)

// SendPacket transmits a Prepare upstream and returns the decoded
// reply.
//
// Before transmission it reads the payable balance and, when the
// balance exceeds the packet amount, pushes the surplus to the peer as
// a settlement. The push runs asynchronously and its failure is logged,
// never surfaced: the packet is transmitted regardless, so a failed or
// slow settlement can delay value but not payments. Holding sendMu only
// across the read-and-push keeps concurrent senders from double
// counting the same surplus while letting their packets overlap on the
// wire.
func (u *ReadyUplink) SendPacket(ctx context.Context, prepare *ilp.Prepare) (ilp.Reply, error) {
	u.sendMu.Lock()
	surplus := u.wrapper.PayableBalance() - int64(prepare.Amount)
	if surplus > 0 {
		settleCtx := context.WithoutCancel(ctx)
		go func() {
			if err := u.wrapper.SendMoney(settleCtx, uint64(surplus)); err != nil {
				u.logger.Warn("settlement push failed",
					"credentialId", u.base.CredentialID,
					"amount", surplus,
					"error", err)
			}
		}()
	}
	u.sendMu.Unlock()

	raw, err := u.wrapper.SendData(ctx, prepare.Encode())
	if err != nil {
		u.metrics.sent("error")
		return nil, errors.Wrap(err, "uplink", "SendPacket", "transmit packet")
	}

	reply, err := ilp.DecodeReply(raw)
	if err != nil {
		u.metrics.sent("error")
		return nil, errors.WrapInvalid(err, "uplink", "SendPacket", "decode reply")
	}

	switch reply.(type) {
	case *ilp.Fulfill:
		u.metrics.sent("fulfill")
	default:
		u.metrics.sent("reject")
	}
	return reply, nil
}
