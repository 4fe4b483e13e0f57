// Package wsrpc is the reference websocket transport.
//
// Each frame is a binary websocket message: a one-byte kind, a 16-byte
// correlation id, and the payload. Data exchanges are request/response
// pairs matched on the correlation id; money transfers carry an 8-byte
// big-endian amount and are acknowledged the same way. Settlement engines
// with richer link protocols supply their own transport.Transport.
package wsrpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Kava-Labs/switch-api/errors"
	"github.com/Kava-Labs/switch-api/transport"
)

// Frame kinds on the wire.
const (
	kindDataRequest  byte = 0
	kindDataResponse byte = 1
	kindMoney        byte = 2
	kindMoneyAck     byte = 3
	kindError        byte = 4
)

const (
	headerLen    = 1 + 16 // kind + correlation id
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = 25 * time.Second
)

// Config configures a websocket transport.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the upstream connector.
	URL string
	// AuthToken is sent as a bearer token on the upgrade request.
	AuthToken string
	// Logger receives connection lifecycle and delivery errors.
	// A nil logger disables logging.
	Logger *slog.Logger
}

// Client is a transport.Transport over a single websocket connection.
type Client struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uuid.UUID]chan frame
	closed  bool

	handlerMu sync.RWMutex
	handler   transport.DataHandler

	writeMu sync.Mutex // serializes websocket writes

	done chan struct{}
}

type frame struct {
	kind    byte
	id      uuid.UUID
	payload []byte
}

var _ transport.Transport = (*Client)(nil)

// New creates a websocket transport from config. The connection is not
// established until Connect.
func New(config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		config:  config,
		logger:  logger.With("component", "wsrpc"),
		pending: make(map[uuid.UUID]chan frame),
	}
}

// Connect dials the endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.ErrAlreadyConnected
	}

	header := http.Header{}
	if c.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%s: %w", err.Error(), errors.ErrConnectFailed),
			"Client", "Connect", "websocket dial")
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	c.conn = conn
	c.closed = false
	c.done = make(chan struct{})

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.logger.Info("transport connected", "url", c.config.URL)
	return nil
}

// Disconnect closes the connection. Pending exchanges fail with
// ErrTransportClosed.
func (c *Client) Disconnect(_ context.Context) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	done := c.done
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()

	err := conn.Close()

	// Wait for the read loop to drain and fail the pending exchanges.
	select {
	case <-done:
	case <-time.After(writeTimeout):
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	c.logger.Info("transport disconnected", "url", c.config.URL)
	return err
}

// SendData sends a data request and waits for the correlated response.
func (c *Client) SendData(ctx context.Context, payload []byte) ([]byte, error) {
	reply, err := c.exchange(ctx, kindDataRequest, payload)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// SendMoney sends a settlement transfer and waits for its acknowledgement.
func (c *Client) SendMoney(ctx context.Context, amount uint64) error {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], amount)
	_, err := c.exchange(ctx, kindMoney, payload[:])
	return err
}

// RegisterDataHandler implements transport.Transport.
func (c *Client) RegisterDataHandler(handler transport.DataHandler) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// DeregisterDataHandler implements transport.Transport.
func (c *Client) DeregisterDataHandler() {
	c.handlerMu.Lock()
	c.handler = nil
	c.handlerMu.Unlock()
}

func (c *Client) exchange(ctx context.Context, kind byte, payload []byte) ([]byte, error) {
	id := uuid.New()
	reply := make(chan frame, 1)

	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, errors.ErrTransportClosed
	}
	conn := c.conn
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(conn, frame{kind: kind, id: id, payload: payload}); err != nil {
		return nil, errors.WrapTransient(err, "Client", "exchange", "frame write")
	}

	select {
	case f := <-reply:
		if f.kind == kindError {
			return nil, errors.WrapTransient(
				fmt.Errorf("peer delivery error: %s", f.payload), "Client", "exchange", "peer response")
		}
		return f.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errors.ErrTransportClosed
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	buf := make([]byte, headerLen+len(f.payload))
	buf[0] = f.kind
	copy(buf[1:headerLen], f.id[:])
	copy(buf[headerLen:], f.payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warn("read loop terminated", "error", err)
			}
			return
		}

		if len(message) < headerLen {
			c.logger.Warn("dropping short frame", "bytes", len(message))
			continue
		}

		f := frame{kind: message[0], payload: message[headerLen:]}
		copy(f.id[:], message[1:headerLen])

		switch f.kind {
		case kindDataResponse, kindMoneyAck, kindError:
			c.mu.Lock()
			reply, ok := c.pending[f.id]
			c.mu.Unlock()
			if ok {
				reply <- f
			}
		case kindDataRequest:
			// Each delivery is handled independently; order across
			// concurrent deliveries is unconstrained.
			go c.dispatch(conn, f)
		default:
			c.logger.Warn("dropping frame of unknown kind", "kind", f.kind)
		}
	}
}

func (c *Client) dispatch(conn *websocket.Conn, f frame) {
	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()

	if handler == nil {
		c.writeError(conn, f.id, "no data handler registered")
		return
	}

	reply, err := handler(context.Background(), f.payload)
	if err != nil {
		c.writeError(conn, f.id, err.Error())
		return
	}

	if err := c.writeFrame(conn, frame{kind: kindDataResponse, id: f.id, payload: reply}); err != nil {
		c.logger.Warn("response write failed", "error", err)
	}
}

func (c *Client) writeError(conn *websocket.Conn, id uuid.UUID, message string) {
	if err := c.writeFrame(conn, frame{kind: kindError, id: id, payload: []byte(message)}); err != nil {
		c.logger.Warn("error frame write failed", "error", err)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
