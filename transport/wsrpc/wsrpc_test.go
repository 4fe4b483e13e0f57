package wsrpc

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPeer is an in-process upstream speaking the wsrpc framing.
type testPeer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	// onData produces the response payload for each data request.
	onData func(payload []byte) []byte

	moneyReceived chan uint64
}

func newTestPeer(t *testing.T, onData func([]byte) []byte) *testPeer {
	p := &testPeer{
		t:             t,
		onData:        onData,
		moneyReceived: make(chan uint64, 16),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.server.Close)
	return p
}

func (p *testPeer) url() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http")
}

func (p *testPeer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(message) < headerLen {
			continue
		}
		kind, id, payload := message[0], message[1:headerLen], message[headerLen:]

		switch kind {
		case kindDataRequest:
			response := append([]byte{kindDataResponse}, id...)
			_ = conn.WriteMessage(websocket.BinaryMessage, append(response, p.onData(payload)...))
		case kindMoney:
			p.moneyReceived <- binary.BigEndian.Uint64(payload)
			ack := append([]byte{kindMoneyAck}, id...)
			_ = conn.WriteMessage(websocket.BinaryMessage, ack)
		}
	}
}

// push sends an unsolicited data request to the connected client.
func (p *testPeer) push(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	message := append([]byte{kindDataRequest}, make([]byte, 16)...)
	_ = p.conn.WriteMessage(websocket.BinaryMessage, append(message, payload...))
}

func TestSendDataRoundTrip(t *testing.T) {
	peer := newTestPeer(t, func(payload []byte) []byte {
		return append([]byte("echo:"), payload...)
	})

	client := New(Config{URL: peer.url()})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect(context.Background())

	reply, err := client.SendData(context.Background(), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:ping"), reply)
}

func TestSendMoney(t *testing.T) {
	peer := newTestPeer(t, func([]byte) []byte { return nil })

	client := New(Config{URL: peer.url()})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect(context.Background())

	require.NoError(t, client.SendMoney(context.Background(), 12345))

	select {
	case amount := <-peer.moneyReceived:
		assert.Equal(t, uint64(12345), amount)
	case <-time.After(time.Second):
		t.Fatal("peer never received the transfer")
	}
}

func TestInboundDispatchToHandler(t *testing.T) {
	peer := newTestPeer(t, func([]byte) []byte { return nil })

	client := New(Config{URL: peer.url()})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect(context.Background())

	received := make(chan []byte, 1)
	client.RegisterDataHandler(func(_ context.Context, payload []byte) ([]byte, error) {
		received <- payload
		return []byte("ok"), nil
	})

	peer.push([]byte("incoming"))

	select {
	case payload := <-received:
		assert.Equal(t, []byte("incoming"), payload)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestSendDataAfterDisconnect(t *testing.T) {
	peer := newTestPeer(t, func([]byte) []byte { return nil })

	client := New(Config{URL: peer.url()})
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Disconnect(context.Background()))

	_, err := client.SendData(context.Background(), []byte("late"))
	assert.Error(t, err)
}

func TestConnectFailure(t *testing.T) {
	client := New(Config{URL: "ws://127.0.0.1:1"})
	err := client.Connect(context.Background())
	assert.Error(t, err)
}

func TestDoubleConnect(t *testing.T) {
	peer := newTestPeer(t, func([]byte) []byte { return nil })

	client := New(Config{URL: peer.url()})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect(context.Background())

	assert.Error(t, client.Connect(context.Background()))
}
