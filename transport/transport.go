// Package transport defines the contract a settlement engine's transport
// must satisfy to back an uplink.
//
// The transport moves raw binary ILP packet payloads (SendData) and
// settlement value (SendMoney) between this client and its upstream
// connector. Settlement engines supply their own implementations; the
// wsrpc subpackage is the reference websocket implementation.
package transport

import "context"

// DataHandler handles one inbound packet payload and returns the raw
// reply payload. Multiple deliveries may be in flight concurrently;
// implementations must be reentrant.
type DataHandler func(ctx context.Context, payload []byte) ([]byte, error)

// Transport is the settlement-engine supplied pipe an uplink runs over.
type Transport interface {
	// Connect establishes the underlying connection. Fatal on failure:
	// an uplink whose transport failed to connect is unusable.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. In-flight operations may still
	// complete or fail afterward.
	Disconnect(ctx context.Context) error

	// SendData exchanges one raw ILP packet payload for its reply payload.
	SendData(ctx context.Context, payload []byte) ([]byte, error)

	// SendMoney transfers amount base units of settlement value upstream.
	SendMoney(ctx context.Context, amount uint64) error

	// RegisterDataHandler installs the handler invoked for each inbound
	// payload, replacing any previous handler.
	RegisterDataHandler(handler DataHandler)

	// DeregisterDataHandler removes the installed handler. Inbound
	// payloads arriving with no handler installed are delivery errors.
	DeregisterDataHandler()
}
