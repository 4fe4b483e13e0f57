// Package uplink is the orchestration core of the switch.
//
// An uplink is one configured relationship with one upstream connector
// for one settlement engine and asset. The settlement engine produces a
// BaseUplink (transport plus raw capacity figures); Connect promotes it
// to a ReadyUplink exactly once, wiring asset verification, derived
// balances, the packet router, the accounting wrapper, and the embedded
// payment receiver. A ReadyUplink is destroyed by Disconnect and must
// not be reused afterward.
package uplink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Kava-Labs/switch-api/ilp"
	"github.com/Kava-Labs/switch-api/pkg/observable"
	"github.com/Kava-Labs/switch-api/receiver"
	"github.com/Kava-Labs/switch-api/settler"
	"github.com/Kava-Labs/switch-api/transport"
)

// BaseUplink is the per-connection state a settlement engine supplies.
// All capacity figures are in the settlement asset's base units.
type BaseUplink struct {
	// Transport moves packets and settlement value upstream.
	Transport transport.Transport
	// SettlementType tags the mechanism backing this uplink.
	SettlementType settler.SettlementType
	// CredentialID opaquely identifies the credential the engine
	// connected with.
	CredentialID string

	// OutgoingCapacity is value immediately available to send. It may
	// rise and fall with settlement activity.
	OutgoingCapacity *observable.Property[uint64]
	// IncomingCapacity is value immediately receivable.
	IncomingCapacity *observable.Property[uint64]
	// TotalReceived is value received and not yet spendable back.
	// Monotonically non-decreasing.
	TotalReceived *observable.Property[uint64]
	// TotalSent is value sent over the life of the connection.
	TotalSent *observable.Property[uint64]
}

// Wrapper is the accounting layer contract the orchestrator builds
// around a transport. The accounting package provides the reference
// implementation.
type Wrapper interface {
	// SendData exchanges one outbound packet payload for its reply.
	SendData(ctx context.Context, payload []byte) ([]byte, error)
	// SendMoney settles amount base units to the peer. Zero is a no-op.
	SendMoney(ctx context.Context, amount uint64) error
	// PayableBalance synchronously reads the base units currently owed
	// to the peer; negative values mean the peer is prefunded.
	PayableBalance() int64
	// MoneyReceived records inbound settlement value.
	MoneyReceived(amount uint64)
	// RegisterDataHandler installs the sole inbound data handler.
	RegisterDataHandler(handler transport.DataHandler)
	// DeregisterDataHandler removes it.
	DeregisterDataHandler()
	// Close releases resources held for the life of the wrapper, such
	// as registered metric collectors.
	Close()
}

// PacketHandler handles a Prepare addressed to the uplink itself and
// returns the Reply to relay upstream.
type PacketHandler func(ctx context.Context, prepare *ilp.Prepare) (ilp.Reply, error)

// ReadyUplink is a connected, fully wired uplink.
type ReadyUplink struct {
	base    BaseUplink
	settler settler.Settler

	// ClientAddress is the ILP address the connector assigned this
	// client during the handshake.
	ClientAddress ilp.Address
	// MaxInFlight bounds both the wrapper's balance ceiling and any
	// single packet, in base units. Fixed at connection time.
	MaxInFlight uint64

	// Balance is outgoingCapacity + totalReceived, recomputed on every
	// emission of either source.
	Balance *observable.Property[uint64]
	// AvailableToSend mirrors outgoingCapacity.
	AvailableToSend *observable.Property[uint64]
	// AvailableToReceive mirrors incomingCapacity.
	AvailableToReceive *observable.Property[uint64]

	wrapper Wrapper
	server  *receiver.Server
	logger  *slog.Logger
	metrics *uplinkMetrics

	handlerMu     sync.RWMutex
	clientHandler PacketHandler
	serverHandler transport.DataHandler

	// sendMu serializes the payable-balance read and settlement push of
	// concurrent SendPacket calls. Packet transmission itself happens
	// outside the lock so sends still overlap on the wire.
	sendMu sync.Mutex

	subscriptions []*observable.Subscription

	stateMu      sync.Mutex
	disconnected bool
}

// Settler returns the asset metadata this uplink settles in.
func (u *ReadyUplink) Settler() settler.Settler {
	return u.settler
}

// CredentialID returns the engine credential identity.
func (u *ReadyUplink) CredentialID() string {
	return u.base.CredentialID
}

// SettlementType returns the settlement mechanism tag.
func (u *ReadyUplink) SettlementType() settler.SettlementType {
	return u.base.SettlementType
}

// PaymentServer returns the embedded payment-receiving server.
func (u *ReadyUplink) PaymentServer() *receiver.Server {
	return u.server
}
