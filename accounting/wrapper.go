// Package accounting enforces balance and packet-size ceilings around a
// settlement-engine transport.
//
// The wrapper is the money-safety layer between an uplink and its
// transport. It keeps a synchronously readable payable balance (what this
// client currently owes the counterparty for fulfilled packets), bounds
// single packets to maxPacketAmount in both directions, bounds unsettled
// inbound value to maxBalance, and persists the payable balance so a
// restart cannot forget a debt.
package accounting

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/Kava-Labs/switch-api/errors"
	"github.com/Kava-Labs/switch-api/ilp"
	"github.com/Kava-Labs/switch-api/metric"
	"github.com/Kava-Labs/switch-api/storage"
	"github.com/Kava-Labs/switch-api/transport"
)

// Config configures a Wrapper.
type Config struct {
	// Transport is the settlement-engine supplied pipe being wrapped.
	Transport transport.Transport
	// MaxBalance bounds unsettled inbound value, in base units.
	MaxBalance uint64
	// MaxPacketAmount bounds any single packet, in base units.
	MaxPacketAmount uint64
	// AssetCode and AssetScale name the asset accounted in, for logs
	// and metrics.
	AssetCode  string
	AssetScale uint8
	// Store persists the payable balance across restarts.
	Store storage.Store
	// StoreKey is the key the payable balance is persisted under,
	// typically derived from the uplink's credential id.
	StoreKey string
	// Logger receives accounting events. Nil disables logging.
	Logger *slog.Logger
	// Metrics enables wrapper metrics when non-nil.
	Metrics *metric.Registry
	// InboundPerSecond rate-limits inbound packets; zero applies a
	// generous default.
	InboundPerSecond rate.Limit
	// InboundBurst is the limiter burst; zero applies a default.
	InboundBurst int
}

// Wrapper wraps a transport with balance accounting.
type Wrapper struct {
	transport       transport.Transport
	maxBalance      uint64
	maxPacketAmount uint64
	assetCode       string
	store           storage.Store
	storeKey        string
	logger          *slog.Logger
	limiter         *rate.Limiter

	mu         sync.Mutex
	payable    int64  // base units this client owes the peer
	receivable uint64 // unsettled inbound value the peer owes for

	metrics *wrapperMetrics
}

type wrapperMetrics struct {
	registry  *metric.Registry
	component string

	payableBalance  prometheus.Gauge
	packetsRejected *prometheus.CounterVec
	settlementsSent prometheus.Counter
	settledValue    prometheus.Counter
}

// unregister releases the collectors so a replacement wrapper for the
// same account can register fresh ones.
func (m *wrapperMetrics) unregister() {
	for _, name := range []string{"payable_balance", "packets_rejected", "settlements_sent", "settled_value"} {
		m.registry.Unregister(m.component, name)
	}
}

// New constructs a Wrapper and restores its persisted payable balance.
func New(ctx context.Context, config Config) (*Wrapper, error) {
	if config.Transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Wrapper", "New", "transport validation")
	}
	if config.Store == nil {
		config.Store = storage.NewMemoryStore()
	}
	if config.StoreKey == "" {
		config.StoreKey = "payable." + config.AssetCode
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	perSecond := config.InboundPerSecond
	if perSecond == 0 {
		perSecond = 200
	}
	burst := config.InboundBurst
	if burst == 0 {
		burst = 1000
	}

	w := &Wrapper{
		transport:       config.Transport,
		maxBalance:      config.MaxBalance,
		maxPacketAmount: config.MaxPacketAmount,
		assetCode:       config.AssetCode,
		store:           config.Store,
		storeKey:        config.StoreKey,
		logger:          logger.With("component", "accounting", "asset", config.AssetCode),
		limiter:         rate.NewLimiter(perSecond, burst),
	}

	if err := w.restoreBalance(ctx); err != nil {
		return nil, err
	}
	w.initMetrics(config.Metrics)

	return w, nil
}

func (w *Wrapper) restoreBalance(ctx context.Context) error {
	raw, err := w.store.Get(ctx, w.storeKey)
	if err != nil {
		if err == errors.ErrKeyNotFound {
			return nil
		}
		return errors.Wrap(err, "Wrapper", "restoreBalance", "balance read")
	}

	payable, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("persisted balance %q: %w", raw, errors.ErrAmountMalformed),
			"Wrapper", "restoreBalance", "balance decoding")
	}

	w.payable = payable
	return nil
}

// initMetrics registers wrapper metrics; nil registry disables them.
func (w *Wrapper) initMetrics(registry *metric.Registry) {
	if registry == nil {
		return
	}

	// Keyed by store key so two uplinks in the same asset register
	// distinct collectors.
	labels := prometheus.Labels{"asset": w.assetCode, "account": w.storeKey}
	m := &wrapperMetrics{
		registry:  registry,
		component: "accounting_" + w.storeKey,
		payableBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "switch",
			Subsystem:   "accounting",
			Name:        "payable_balance_base_units",
			Help:        "Base units currently owed to the counterparty",
			ConstLabels: labels,
		}),
		packetsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "switch",
			Subsystem:   "accounting",
			Name:        "packets_rejected_total",
			Help:        "Packets rejected by the wrapper before delivery",
			ConstLabels: labels,
		}, []string{"reason"}),
		settlementsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "switch",
			Subsystem:   "accounting",
			Name:        "settlements_sent_total",
			Help:        "Settlement transfers pushed to the counterparty",
			ConstLabels: labels,
		}),
		settledValue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "switch",
			Subsystem:   "accounting",
			Name:        "settled_value_base_units_total",
			Help:        "Total base units settled to the counterparty",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(m.component, map[string]prometheus.Collector{
		"payable_balance":  m.payableBalance,
		"packets_rejected": m.packetsRejected,
		"settlements_sent": m.settlementsSent,
		"settled_value":    m.settledValue,
	})
	m.payableBalance.Set(float64(w.payable))
	w.metrics = m
}

// PayableBalance returns the base units currently owed to the peer.
// Negative values mean the peer has been prefunded ahead of usage.
func (w *Wrapper) PayableBalance() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.payable
}

// SendData transmits one outbound packet payload and applies accounting
// to its reply: a fulfilled Prepare increases the payable balance by the
// packet amount.
func (w *Wrapper) SendData(ctx context.Context, payload []byte) ([]byte, error) {
	prepare, err := ilp.DecodePrepare(payload)
	if err != nil {
		return nil, errors.Wrap(err, "Wrapper", "SendData", "outbound packet decoding")
	}

	if w.maxPacketAmount > 0 && prepare.Amount > w.maxPacketAmount {
		w.countRejection("amount_too_large")
		reject := &ilp.Reject{
			Code:    ilp.CodeAmountTooLarge,
			Message: fmt.Sprintf("packet amount %d exceeds maximum %d", prepare.Amount, w.maxPacketAmount),
		}
		return reject.Encode(), nil
	}

	rawReply, err := w.transport.SendData(ctx, payload)
	if err != nil {
		return nil, err
	}

	if reply, decodeErr := ilp.DecodeReply(rawReply); decodeErr == nil {
		if _, fulfilled := reply.(*ilp.Fulfill); fulfilled {
			w.adjustPayable(ctx, int64(prepare.Amount))
		}
	}

	return rawReply, nil
}

// SendMoney settles amount base units to the peer, reducing the payable
// balance on success. A zero amount is a no-op.
func (w *Wrapper) SendMoney(ctx context.Context, amount uint64) error {
	if amount == 0 {
		return nil
	}

	if err := w.transport.SendMoney(ctx, amount); err != nil {
		return errors.Wrap(
			fmt.Errorf("%s: %w", err.Error(), errors.ErrSettlementFailed),
			"Wrapper", "SendMoney", "settlement transfer")
	}

	w.adjustPayable(ctx, -int64(amount))
	if w.metrics != nil {
		w.metrics.settlementsSent.Inc()
		w.metrics.settledValue.Add(float64(amount))
	}
	w.logger.Debug("settlement sent", "amount", amount)
	return nil
}

// MoneyReceived records settlement value arriving from the peer, freeing
// inbound capacity bounded by maxBalance. The orchestrator calls this as
// the engine's totalReceived figure rises.
func (w *Wrapper) MoneyReceived(amount uint64) {
	w.mu.Lock()
	if amount > w.receivable {
		w.receivable = 0
	} else {
		w.receivable -= amount
	}
	w.mu.Unlock()
}

// RegisterDataHandler installs handler behind the wrapper's inbound
// ceilings: packets over maxPacketAmount, past the rate limiter, or that
// would push unsettled inbound value over maxBalance are rejected without
// reaching the handler.
func (w *Wrapper) RegisterDataHandler(handler transport.DataHandler) {
	w.transport.RegisterDataHandler(func(ctx context.Context, payload []byte) ([]byte, error) {
		return w.handleInbound(ctx, payload, handler)
	})
}

// DeregisterDataHandler removes the installed handler.
func (w *Wrapper) DeregisterDataHandler() {
	w.transport.DeregisterDataHandler()
}

// Close releases the wrapper's metric collectors. A wrapper built later
// for the same account would otherwise fail to register its own.
func (w *Wrapper) Close() {
	// The collectors stay usable for any settlement still in flight;
	// they just stop being exported.
	if w.metrics != nil {
		w.metrics.unregister()
	}
}

func (w *Wrapper) handleInbound(ctx context.Context, payload []byte, handler transport.DataHandler) ([]byte, error) {
	if len(payload) == 0 {
		w.countRejection("empty_payload")
		return nil, errors.WrapInvalid(errors.ErrEmptyPayload, "Wrapper", "handleInbound", "payload check")
	}

	if !w.limiter.Allow() {
		w.countRejection("rate_limited")
		return (&ilp.Reject{Code: ilp.CodeRateLimited, Message: "inbound rate exceeded"}).Encode(), nil
	}

	prepare, err := ilp.DecodePrepare(payload)
	if err != nil {
		return nil, err
	}

	if w.maxPacketAmount > 0 && prepare.Amount > w.maxPacketAmount {
		w.countRejection("amount_too_large")
		reject := &ilp.Reject{
			Code:    ilp.CodeAmountTooLarge,
			Message: fmt.Sprintf("packet amount %d exceeds maximum %d", prepare.Amount, w.maxPacketAmount),
		}
		return reject.Encode(), nil
	}

	w.mu.Lock()
	overCeiling := w.maxBalance > 0 && w.receivable+prepare.Amount > w.maxBalance
	w.mu.Unlock()
	if overCeiling {
		w.countRejection("balance_exceeded")
		reject := &ilp.Reject{
			Code:    ilp.CodeInsufficientLiquidity,
			Message: "unsettled balance would exceed maximum",
		}
		return reject.Encode(), nil
	}

	rawReply, err := handler(ctx, payload)
	if err != nil {
		return nil, err
	}

	if reply, decodeErr := ilp.DecodeReply(rawReply); decodeErr == nil {
		if _, fulfilled := reply.(*ilp.Fulfill); fulfilled {
			w.mu.Lock()
			w.receivable += prepare.Amount
			w.mu.Unlock()
		}
	}

	return rawReply, nil
}

// adjustPayable applies a signed delta and persists the result.
// Persistence failures are logged; the in-memory figure stays
// authoritative for the life of the process.
func (w *Wrapper) adjustPayable(ctx context.Context, delta int64) {
	w.mu.Lock()
	w.payable += delta
	payable := w.payable
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.payableBalance.Set(float64(payable))
	}

	if err := w.store.Put(ctx, w.storeKey, []byte(strconv.FormatInt(payable, 10))); err != nil {
		w.logger.Warn("payable balance persistence failed", "error", err, "payable", payable)
	}
}

func (w *Wrapper) countRejection(reason string) {
	if w.metrics != nil {
		w.metrics.packetsRejected.WithLabelValues(reason).Inc()
	}
}
