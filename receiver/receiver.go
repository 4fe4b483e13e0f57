// Package receiver is the embedded server accepting anonymous incoming
// payments on an uplink.
//
// Payment destinations live below the uplink's own ILP address: the
// connector issues "g.kava.abc123.~<token>" style addresses, and the
// packet router forwards any inbound packet carrying such a connection
// tag here. The per-destination shared secret is derived from a
// deterministic seed, so destinations issued before a restart remain
// payable after it.
package receiver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Kava-Labs/switch-api/errors"
	"github.com/Kava-Labs/switch-api/ilp"
	"github.com/Kava-Labs/switch-api/transport"
)

// tagPrefix marks a destination segment as a receiver connection tag.
const tagPrefix = "~"

// Config configures the embedded server.
type Config struct {
	// Secret is the deterministic seed destination secrets derive from.
	Secret [32]byte
	// OwnAddress is the uplink's resolved ILP address.
	OwnAddress ilp.Address
	// RegisterHandler installs the server's handler for anonymous
	// inbound traffic; the orchestrator wires it to the packet router's
	// server-handler slot.
	RegisterHandler func(transport.DataHandler)
	// DeregisterHandler removes the handler again at Stop.
	DeregisterHandler func()
	// Logger receives payment events. Nil disables logging.
	Logger *slog.Logger
}

// Server accepts incoming payments for issued destinations.
type Server struct {
	secret            [32]byte
	ownAddress        ilp.Address
	deregisterHandler func()
	logger            *slog.Logger

	totalReceived atomic.Uint64

	mu      sync.Mutex
	stopped bool
}

// Start validates config and installs the server's packet handler.
func Start(config Config) (*Server, error) {
	if config.RegisterHandler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "Start", "handler registration validation")
	}
	if config.OwnAddress == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "Start", "address validation")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		secret:            config.Secret,
		ownAddress:        config.OwnAddress,
		deregisterHandler: config.DeregisterHandler,
		logger:            logger.With("component", "receiver"),
	}

	config.RegisterHandler(s.handle)
	return s, nil
}

// Stop deregisters the server's handler. Safe to call more than once.
func (s *Server) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	if s.deregisterHandler != nil {
		s.deregisterHandler()
	}
	s.logger.Info("embedded server stopped", "total_received", s.totalReceived.Load())
	return nil
}

// TotalReceived returns the base units fulfilled since Start.
func (s *Server) TotalReceived() uint64 {
	return s.totalReceived.Load()
}

// NewDestination issues a fresh payment destination below the uplink's
// address. The returned shared secret is handed to the payer; packets to
// the destination must carry data whose keyed digest matches their
// execution condition.
func (s *Server) NewDestination() (ilp.Address, [32]byte) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return s.ownAddress.Child(tagPrefix + token), s.destinationSecret(token)
}

// destinationSecret derives the shared secret for a connection tag token.
// Deterministic in the seed, so issued destinations survive restarts.
func (s *Server) destinationSecret(token string) [32]byte {
	mac := hmac.New(sha256.New, s.secret[:])
	mac.Write([]byte(token))
	var secret [32]byte
	copy(secret[:], mac.Sum(nil))
	return secret
}

// handle processes one anonymous inbound packet.
func (s *Server) handle(_ context.Context, payload []byte) ([]byte, error) {
	prepare, err := ilp.DecodePrepare(payload)
	if err != nil {
		return nil, err
	}

	tag, ok := prepare.Destination.SegmentsAfter(s.ownAddress)
	if !ok || !strings.HasPrefix(tag, tagPrefix) {
		return (&ilp.Reject{
			Code:        ilp.CodeUnexpectedPayment,
			TriggeredBy: s.ownAddress,
			Message:     "destination is not an issued payment address",
		}).Encode(), nil
	}

	secret := s.destinationSecret(strings.TrimPrefix(tag, tagPrefix))
	fulfillment := fulfillmentFor(secret, prepare.Data)
	condition := sha256.Sum256(fulfillment[:])

	if !hmac.Equal(condition[:], prepare.ExecutionCondition[:]) {
		s.logger.Debug("rejecting payment with unmatched condition",
			"destination", prepare.Destination, "amount", prepare.Amount)
		return (&ilp.Reject{
			Code:        ilp.CodeWrongCondition,
			TriggeredBy: s.ownAddress,
			Message:     "execution condition does not match destination secret",
		}).Encode(), nil
	}

	s.totalReceived.Add(prepare.Amount)
	s.logger.Info("payment received",
		"destination", prepare.Destination, "amount", prepare.Amount)

	return (&ilp.Fulfill{Fulfillment: fulfillment}).Encode(), nil
}

// fulfillmentFor computes the keyed digest of the packet data that
// fulfills a payment to a destination with the given shared secret.
func fulfillmentFor(secret [32]byte, data []byte) [32]byte {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(data)
	var fulfillment [32]byte
	copy(fulfillment[:], mac.Sum(nil))
	return fulfillment
}

// ConditionFor computes the execution condition a payer locks a packet
// with, given the destination shared secret and packet data.
func ConditionFor(secret [32]byte, data []byte) ([32]byte, [32]byte) {
	fulfillment := fulfillmentFor(secret, data)
	return sha256.Sum256(fulfillment[:]), fulfillment
}
