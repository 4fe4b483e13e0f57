package uplink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kava-Labs/switch-api/errors"
	"github.com/Kava-Labs/switch-api/ilp"
	"github.com/Kava-Labs/switch-api/metric"
	"github.com/Kava-Labs/switch-api/pkg/observable"
	"github.com/Kava-Labs/switch-api/rate"
	"github.com/Kava-Labs/switch-api/receiver"
	"github.com/Kava-Labs/switch-api/settler"
	"github.com/Kava-Labs/switch-api/storage"
	"github.com/Kava-Labs/switch-api/transport"
)

// fakeTransport speaks the transport contract in memory. It answers the
// asset-details handshake itself and delegates every other outbound
// packet to the scripted respond function.
type fakeTransport struct {
	details    ilp.AssetDetails
	connectErr error

	mu              sync.Mutex
	connected       bool
	connectCalls    int
	disconnectCalls int
	handler         transport.DataHandler
	moneySent       []uint64
	moneyErr        error
	respond         func(prepare *ilp.Prepare) (ilp.Reply, error)
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport(details ilp.AssetDetails) *fakeTransport {
	return &fakeTransport{details: details}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	f.connectCalls++
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnectCalls++
	return nil
}

func (f *fakeTransport) SendData(ctx context.Context, payload []byte) ([]byte, error) {
	prepare, err := ilp.DecodePrepare(payload)
	if err != nil {
		return nil, err
	}
	if prepare.Destination == ilp.PeerConfigAddress {
		return ilp.EncodeAssetDetailsReply(f.details).Encode(), nil
	}

	f.mu.Lock()
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return (&ilp.Reject{Code: ilp.CodeUnreachable, Message: "no route"}).Encode(), nil
	}
	reply, err := respond(prepare)
	if err != nil {
		return nil, err
	}
	return ilp.EncodeReply(reply), nil
}

func (f *fakeTransport) SendMoney(ctx context.Context, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moneyErr != nil {
		return f.moneyErr
	}
	f.moneySent = append(f.moneySent, amount)
	return nil
}

func (f *fakeTransport) RegisterDataHandler(handler transport.DataHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) DeregisterDataHandler() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
}

// deliver pushes an inbound packet through whatever handler the uplink
// registered, as the remote peer would.
func (f *fakeTransport) deliver(ctx context.Context, payload []byte) ([]byte, error) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return nil, errors.ErrNotConnected
	}
	return handler(ctx, payload)
}

func (f *fakeTransport) settledAmounts() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.moneySent))
	copy(out, f.moneySent)
	return out
}

func xrpDetails() ilp.AssetDetails {
	return ilp.AssetDetails{
		ClientAddress: "test.switch.alice",
		AssetCode:     "XRP",
		AssetScale:    9,
	}
}

func testBase(ft *fakeTransport) BaseUplink {
	return BaseUplink{
		Transport:        ft,
		SettlementType:   settler.XRPPaychan,
		CredentialID:     "cred-1",
		OutgoingCapacity: observable.New(uint64(0)),
		IncomingCapacity: observable.New(uint64(0)),
		TotalReceived:    observable.New(uint64(0)),
		TotalSent:        observable.New(uint64(0)),
	}
}

func testClient(store storage.Store) Client {
	return Client{
		MaxInFlightUSD: decimal.NewFromInt(1000),
		Rates:          rate.NewStatic(map[string]decimal.Decimal{"XRP": decimal.NewFromInt(2)}),
		Settlers:       settler.NewRegistry(),
		Store:          store,
	}
}

func testPrepare(destination ilp.Address, amount uint64) *ilp.Prepare {
	return &ilp.Prepare{
		Destination: destination,
		Amount:      amount,
		ExpiresAt:   time.Now().Add(time.Minute),
	}
}

func TestConnectWiresUplink(t *testing.T) {
	ft := newFakeTransport(xrpDetails())

	ready, err := Connect(context.Background(), testClient(nil), testBase(ft), Config{})
	require.NoError(t, err)

	assert.Equal(t, ilp.Address("test.switch.alice"), ready.ClientAddress)
	// 1000 USD at 2 USD/XRP is 500 XRP, scale 9.
	assert.Equal(t, uint64(500_000_000_000), ready.MaxInFlight)
	assert.Equal(t, "XRP", ready.Settler().AssetCode)
	assert.Equal(t, 1, ft.connectCalls)
	assert.NotNil(t, ft.handler, "inbound handler should be registered")
	assert.NotNil(t, ready.PaymentServer())

	balance, ok := ready.Balance.Get()
	require.True(t, ok)
	assert.Equal(t, uint64(0), balance)
}

func TestConnectRejectsIncompatiblePeer(t *testing.T) {
	details := xrpDetails()
	details.AssetCode = "ETH"
	ft := newFakeTransport(details)

	ready, err := Connect(context.Background(), testClient(nil), testBase(ft), Config{})
	require.Error(t, err)
	assert.Nil(t, ready)
	assert.ErrorIs(t, err, errors.ErrIncompatiblePeer)
	assert.Equal(t, 1, ft.disconnectCalls, "mismatch must disconnect exactly once")
}

func TestConnectPropagatesTransportFailure(t *testing.T) {
	ft := newFakeTransport(xrpDetails())
	ft.connectErr = errors.ErrConnectFailed

	_, err := Connect(context.Background(), testClient(nil), testBase(ft), Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectFailed)
	assert.Equal(t, 0, ft.disconnectCalls)
}

func TestBalanceTracksCapacityAndReceived(t *testing.T) {
	ft := newFakeTransport(xrpDetails())
	base := testBase(ft)
	base.OutgoingCapacity = observable.New(uint64(10))
	base.TotalReceived = observable.New(uint64(5))

	ready, err := Connect(context.Background(), testClient(nil), base, Config{})
	require.NoError(t, err)

	var got []uint64
	var mu sync.Mutex
	ready.Balance.Subscribe(func(v uint64) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	base.OutgoingCapacity.Set(7)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{15, 12}, got)
	assert.Equal(t, uint64(7), ready.AvailableToSend.Value())
}

func TestRoutesPaymentsToServer(t *testing.T) {
	ft := newFakeTransport(xrpDetails())

	ready, err := Connect(context.Background(), testClient(nil), testBase(ft), Config{})
	require.NoError(t, err)

	destination, secret := ready.PaymentServer().NewDestination()
	data := []byte("invoice-7")
	condition, fulfillment := receiver.ConditionFor(secret, data)

	prepare := testPrepare(destination, 3)
	prepare.ExecutionCondition = condition
	prepare.Data = data

	raw, err := ft.deliver(context.Background(), prepare.Encode())
	require.NoError(t, err)

	reply, err := ilp.DecodeReply(raw)
	require.NoError(t, err)
	fulfill, ok := reply.(*ilp.Fulfill)
	require.True(t, ok, "payment should fulfill, got %T", reply)
	assert.Equal(t, fulfillment, fulfill.Fulfillment)
	assert.Equal(t, uint64(3), ready.PaymentServer().TotalReceived())
}

func TestRoutesAddressedPacketsToClientHandler(t *testing.T) {
	ft := newFakeTransport(xrpDetails())

	ready, err := Connect(context.Background(), testClient(nil), testBase(ft), Config{})
	require.NoError(t, err)

	var seen *ilp.Prepare
	ready.RegisterPacketHandler(func(ctx context.Context, prepare *ilp.Prepare) (ilp.Reply, error) {
		seen = prepare
		return &ilp.Fulfill{Data: []byte("ok")}, nil
	})

	raw, err := ft.deliver(context.Background(), testPrepare(ready.ClientAddress, 4).Encode())
	require.NoError(t, err)
	reply, err := ilp.DecodeReply(raw)
	require.NoError(t, err)
	require.IsType(t, &ilp.Fulfill{}, reply)
	require.NotNil(t, seen)
	assert.Equal(t, uint64(4), seen.Amount)

	ready.DeregisterPacketHandler()

	raw, err = ft.deliver(context.Background(), testPrepare(ready.ClientAddress, 4).Encode())
	require.NoError(t, err)
	reply, err = ilp.DecodeReply(raw)
	require.NoError(t, err)
	reject, ok := reply.(*ilp.Reject)
	require.True(t, ok, "deregistered handler should reject, got %T", reply)
	assert.Equal(t, ilp.CodeUnreachable, reject.Code)
}

func TestSendPacketSkipsSettlementWhenDebtBelowAmount(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "payable.cred-1", []byte("30")))

	ft := newFakeTransport(xrpDetails())
	ft.respond = func(prepare *ilp.Prepare) (ilp.Reply, error) {
		return &ilp.Fulfill{}, nil
	}

	ready, err := Connect(context.Background(), testClient(store), testBase(ft), Config{})
	require.NoError(t, err)

	reply, err := ready.SendPacket(context.Background(), testPrepare("test.peer.bob", 100))
	require.NoError(t, err)
	assert.IsType(t, &ilp.Fulfill{}, reply)
	assert.Empty(t, ft.settledAmounts(), "30 owed minus 100 in flight leaves nothing to push")
}

func TestSendPacketPushesSurplusDebt(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "payable.cred-1", []byte("30")))

	ft := newFakeTransport(xrpDetails())
	ft.respond = func(prepare *ilp.Prepare) (ilp.Reply, error) {
		return &ilp.Fulfill{}, nil
	}

	ready, err := Connect(context.Background(), testClient(store), testBase(ft), Config{})
	require.NoError(t, err)

	reply, err := ready.SendPacket(context.Background(), testPrepare("test.peer.bob", 10))
	require.NoError(t, err)
	assert.IsType(t, &ilp.Fulfill{}, reply)

	require.Eventually(t, func() bool {
		amounts := ft.settledAmounts()
		return len(amounts) == 1 && amounts[0] == 20
	}, time.Second, 10*time.Millisecond, "surplus over the packet amount should settle")
}

func TestSendPacketSurvivesSettlementFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "payable.cred-1", []byte("50")))

	ft := newFakeTransport(xrpDetails())
	ft.moneyErr = errors.ErrSettlementFailed
	ft.respond = func(prepare *ilp.Prepare) (ilp.Reply, error) {
		return &ilp.Fulfill{}, nil
	}

	ready, err := Connect(context.Background(), testClient(store), testBase(ft), Config{})
	require.NoError(t, err)

	reply, err := ready.SendPacket(context.Background(), testPrepare("test.peer.bob", 10))
	require.NoError(t, err, "settlement failure must not fail the send")
	assert.IsType(t, &ilp.Fulfill{}, reply)
}

func TestSendPacketPropagatesReject(t *testing.T) {
	ft := newFakeTransport(xrpDetails())
	ft.respond = func(prepare *ilp.Prepare) (ilp.Reply, error) {
		return &ilp.Reject{Code: ilp.CodeInsufficientLiquidity, Message: "dry"}, nil
	}

	ready, err := Connect(context.Background(), testClient(nil), testBase(ft), Config{})
	require.NoError(t, err)

	reply, err := ready.SendPacket(context.Background(), testPrepare("test.peer.bob", 10))
	require.NoError(t, err)
	reject, ok := reply.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeInsufficientLiquidity, reject.Code)
}

func TestDisconnectStopsServerThenTransport(t *testing.T) {
	ft := newFakeTransport(xrpDetails())

	ready, err := Connect(context.Background(), testClient(nil), testBase(ft), Config{})
	require.NoError(t, err)

	require.NoError(t, ready.Disconnect(context.Background()))
	assert.Equal(t, 1, ft.disconnectCalls)
	assert.Nil(t, ft.handler, "inbound handler should be deregistered")

	require.NoError(t, ready.Disconnect(context.Background()))
	assert.Equal(t, 1, ft.disconnectCalls, "second disconnect is a no-op")
}

func TestDisconnectFreesCredentialMetrics(t *testing.T) {
	client := testClient(nil)
	client.Metrics = metric.NewRegistry()

	ready, err := Connect(context.Background(), client, testBase(newFakeTransport(xrpDetails())), Config{})
	require.NoError(t, err)
	require.NoError(t, ready.Disconnect(context.Background()))

	// The same credential must be able to come back on the same registry.
	again, err := Connect(context.Background(), client, testBase(newFakeTransport(xrpDetails())), Config{})
	require.NoError(t, err)
	require.NoError(t, again.Disconnect(context.Background()))
}

func TestDisconnectDetachesBalanceDerivations(t *testing.T) {
	ft := newFakeTransport(xrpDetails())
	base := testBase(ft)
	base.OutgoingCapacity = observable.New(uint64(10))

	ready, err := Connect(context.Background(), testClient(nil), base, Config{})
	require.NoError(t, err)
	require.NoError(t, ready.Disconnect(context.Background()))

	base.OutgoingCapacity.Set(25)

	assert.Equal(t, uint64(10), ready.Balance.Value(), "capacity emissions after disconnect must not move the balance")
	assert.Equal(t, uint64(10), ready.AvailableToSend.Value())
}

type recordingWrapper struct {
	Wrapper
	mu       sync.Mutex
	received []uint64
}

func (r *recordingWrapper) MoneyReceived(amount uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, amount)
}

func TestSettlementForwarderEmitsDeltas(t *testing.T) {
	wrapper := &recordingWrapper{}
	forward := settlementForwarder(wrapper, 5)

	forward(5) // replayed starting value
	forward(8)
	forward(8) // duplicate emission
	forward(6) // regression, ignored
	forward(9)

	assert.Equal(t, []uint64{3, 1}, wrapper.received)
}
