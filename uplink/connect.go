package uplink

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Kava-Labs/switch-api/accounting"
	"github.com/Kava-Labs/switch-api/errors"
	"github.com/Kava-Labs/switch-api/ilp"
	"github.com/Kava-Labs/switch-api/metric"
	"github.com/Kava-Labs/switch-api/pkg/observable"
	"github.com/Kava-Labs/switch-api/rate"
	"github.com/Kava-Labs/switch-api/receiver"
	"github.com/Kava-Labs/switch-api/settler"
	"github.com/Kava-Labs/switch-api/storage"
)

var _ Wrapper = (*accounting.Wrapper)(nil)

// Client is the shared context uplinks are connected under.
type Client struct {
	// MaxInFlightUSD caps unsettled value per uplink, in US dollars.
	// Connect converts it to base units at the current rate.
	MaxInFlightUSD decimal.Decimal
	// Rates prices assets in USD for the conversion.
	Rates rate.Source
	// Settlers resolves settlement types to asset metadata.
	Settlers *settler.Registry
	// Store persists per-uplink payable balances. Nil falls back to
	// in-memory storage.
	Store storage.Store
	// Logger receives uplink events. Nil disables logging.
	Logger *slog.Logger
	// Metrics enables per-uplink metrics when non-nil.
	Metrics *metric.Registry
}

// Config is the per-uplink configuration.
type Config struct {
	// ServerSecret deterministically seeds the payment server so
	// destinations issued before a restart stay payable after it.
	ServerSecret [32]byte
}

// Connect promotes a BaseUplink to a ReadyUplink.
//
// It resolves the settler, connects the transport, runs the
// asset-details handshake, and verifies the peer settles in the same
// asset at the same scale. A mismatched peer is disconnected before the
// error is returned. It then derives the balance properties, sizes the
// in-flight ceiling from the USD cap, builds the accounting wrapper,
// installs the packet router, and starts the payment server. A
// server-start failure propagates with the transport still connected;
// the caller is expected to disconnect it.
func Connect(ctx context.Context, client Client, base BaseUplink, config Config) (*ReadyUplink, error) {
	if err := validateBase(base); err != nil {
		return nil, err
	}
	if client.Settlers == nil || client.Rates == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "uplink", "Connect", "client validation")
	}

	logger := client.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "uplink", "credentialId", base.CredentialID)

	assetSettler, err := client.Settlers.Resolve(base.SettlementType)
	if err != nil {
		return nil, errors.Wrap(err, "uplink", "Connect", "resolve settler")
	}

	if err := base.Transport.Connect(ctx); err != nil {
		return nil, errors.WrapFatal(err, "uplink", "Connect", "connect transport")
	}

	details, err := ilp.RequestAssetDetails(ctx, base.Transport.SendData)
	if err != nil {
		return nil, errors.Wrap(err, "uplink", "Connect", "asset details handshake")
	}

	if details.AssetCode != assetSettler.AssetCode || details.AssetScale != assetSettler.AssetScale {
		if dErr := base.Transport.Disconnect(ctx); dErr != nil {
			logger.Warn("disconnect after asset mismatch failed", "error", dErr)
		}
		return nil, errors.WrapFatal(
			errors.ErrIncompatiblePeer, "uplink", "Connect", "verify peer asset")
	}

	maxInFlight, err := rate.ConvertUSDToBaseUnits(client.Rates, assetSettler, client.MaxInFlightUSD)
	if err != nil {
		return nil, errors.Wrap(err, "uplink", "Connect", "size in-flight ceiling")
	}

	wrapper, err := accounting.New(ctx, accounting.Config{
		Transport:       base.Transport,
		MaxBalance:      maxInFlight,
		MaxPacketAmount: maxInFlight,
		AssetCode:       assetSettler.AssetCode,
		AssetScale:      assetSettler.AssetScale,
		Store:           client.Store,
		StoreKey:        "payable." + base.CredentialID,
		Logger:          client.Logger,
		Metrics:         client.Metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "uplink", "Connect", "build accounting wrapper")
	}

	balance, balanceSub := observable.Combine(base.OutgoingCapacity, base.TotalReceived,
		func(capacity, received uint64) uint64 { return capacity + received })
	availableToSend, sendSub := observable.Map(base.OutgoingCapacity, func(v uint64) uint64 { return v })
	availableToReceive, receiveSub := observable.Map(base.IncomingCapacity, func(v uint64) uint64 { return v })

	ready := &ReadyUplink{
		base:               base,
		settler:            assetSettler,
		ClientAddress:      details.ClientAddress,
		MaxInFlight:        maxInFlight,
		Balance:            balance,
		AvailableToSend:    availableToSend,
		AvailableToReceive: availableToReceive,
		wrapper:            wrapper,
		logger:             logger,
		metrics:            newUplinkMetrics(client.Metrics, base.CredentialID, assetSettler.AssetCode),
	}
	ready.clientHandler = rejectingClientHandler(ready.ClientAddress)
	ready.serverHandler = rejectingServerHandler(ready.ClientAddress)

	wrapper.RegisterDataHandler(ready.route)

	received, _ := base.TotalReceived.Get()
	ready.subscriptions = append(ready.subscriptions,
		balanceSub, sendSub, receiveSub,
		ready.Balance.Subscribe(ready.metrics.setBalance),
		base.TotalReceived.Subscribe(settlementForwarder(wrapper, received)))

	server, err := receiver.Start(receiver.Config{
		Secret:            config.ServerSecret,
		OwnAddress:        ready.ClientAddress,
		RegisterHandler:   ready.setServerHandler,
		DeregisterHandler: ready.resetServerHandler,
		Logger:            client.Logger,
	})
	if err != nil {
		ready.cancelSubscriptions()
		ready.metrics.unregister()
		wrapper.DeregisterDataHandler()
		wrapper.Close()
		return nil, errors.WrapFatal(err, "uplink", "Connect", "start payment server")
	}
	ready.server = server

	logger.Info("uplink connected",
		"address", ready.ClientAddress,
		"asset", assetSettler.AssetCode,
		"maxInFlight", maxInFlight)
	return ready, nil
}

// settlementForwarder turns the engine's monotonic totalReceived figure
// into incremental MoneyReceived calls on the wrapper. Value present at
// connect time is history, not new money, so the walk starts at
// initial.
func settlementForwarder(wrapper Wrapper, initial uint64) func(uint64) {
	var mu sync.Mutex
	last := initial
	return func(total uint64) {
		mu.Lock()
		defer mu.Unlock()
		if total > last {
			wrapper.MoneyReceived(total - last)
			last = total
		}
	}
}

// Disconnect tears the uplink down: the payment server stops first so
// no callback fires against a closing transport, then the transport
// disconnect is awaited. A server-stop failure is logged and teardown
// proceeds; a transport-disconnect failure propagates. Safe to call
// more than once.
func (u *ReadyUplink) Disconnect(ctx context.Context) error {
	u.stateMu.Lock()
	if u.disconnected {
		u.stateMu.Unlock()
		return nil
	}
	u.disconnected = true
	u.stateMu.Unlock()

	if u.server != nil {
		if err := u.server.Stop(ctx); err != nil {
			u.logger.Warn("payment server stop failed", "error", err)
		}
	}

	u.cancelSubscriptions()
	u.metrics.unregister()
	u.wrapper.DeregisterDataHandler()
	u.wrapper.Close()

	if err := u.base.Transport.Disconnect(ctx); err != nil {
		return errors.Wrap(err, "uplink", "Disconnect", "disconnect transport")
	}
	u.logger.Info("uplink disconnected")
	return nil
}

func (u *ReadyUplink) cancelSubscriptions() {
	for _, sub := range u.subscriptions {
		sub.Cancel()
	}
	u.subscriptions = nil
}

func validateBase(base BaseUplink) error {
	if base.Transport == nil ||
		base.OutgoingCapacity == nil || base.IncomingCapacity == nil ||
		base.TotalReceived == nil || base.TotalSent == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "uplink", "Connect", "base uplink validation")
	}
	return nil
}
