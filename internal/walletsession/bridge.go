package walletsession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omnidepin/marketplace/internal/metrics"
)

// ErrBridgeClosed is returned for requests on a bridge whose socket is gone.
var ErrBridgeClosed = errors.New("walletsession: wallet bridge closed")

// ErrMalformedReply is returned when the wallet answers a request with a
// frame that cannot be decoded.
var ErrMalformedReply = errors.New("walletsession: malformed wallet reply")

// Bridge notifications. The browser sends the first four; the service sends
// openConnectDialog.
const (
	methodWalletConnected    = "wallet_connected"
	methodWalletDisconnected = "wallet_disconnected"
	methodChainChanged       = "chainChanged"
	methodAccountsChanged    = "accountsChanged"
	methodOpenConnectDialog  = "wallet_openConnectDialog"
)

const (
	bridgeWriteWait   = 10 * time.Second
	bridgePongWait    = 60 * time.Second
	bridgePingPeriod  = 30 * time.Second
	bridgeMaxMessage  = 512 * 1024
	bridgeSendBacklog = 64
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// RPCError is a JSON-RPC error relayed from the browser wallet. Code holds
// a numeric EIP-1193 code (4001 user rejected, 4902 unknown chain). Wallet
// libraries that report string codes such as "ACTION_REJECTED" leave Code
// zero and set Reason.
type RPCError struct {
	Code    int             `json:"code"`
	Reason  string          `json:"-"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string          { return e.Message }
func (e *RPCError) ErrorCode() int         { return e.Code }
func (e *RPCError) ErrorData() interface{} { return e.Data }

// UnmarshalJSON accepts a numeric or string code.
func (e *RPCError) UnmarshalJSON(data []byte) error {
	var raw struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = RPCError{Message: raw.Message, Data: raw.Data}

	code := bytes.TrimSpace(raw.Code)
	switch {
	case len(code) == 0 || bytes.Equal(code, []byte("null")):
	case code[0] == '"':
		var s string
		if err := json.Unmarshal(code, &s); err != nil {
			return err
		}
		if n, err := strconv.Atoi(s); err == nil {
			e.Code = n
		} else {
			e.Reason = s
		}
	default:
		if err := json.Unmarshal(code, &e.Code); err != nil {
			e.Reason = string(code)
		}
	}
	return nil
}

// bridgeMessage is one JSON-RPC 2.0 frame in either direction.
type bridgeMessage struct {
	Version string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	decodeErr error
}

type namespaceParams struct {
	Namespace Namespace `json:"namespace"`
}

// Bridge is a Provider backed by a browser page that forwards requests to
// its injected wallet and reports connect/disconnect events.
type Bridge struct {
	conn    *websocket.Conn
	session *Session
	logger  *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *bridgeMessage
}

// NewBridge wraps an upgraded websocket connection.
func NewBridge(conn *websocket.Conn, session *Session, logger *slog.Logger) *Bridge {
	return &Bridge{
		conn:    conn,
		session: session,
		logger:  logger,
		send:    make(chan []byte, bridgeSendBacklog),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan *bridgeMessage),
	}
}

// CallContext sends a JSON-RPC request to the browser wallet and waits for
// its answer. A null result leaves result untouched apart from pointer fields.
func (b *Bridge) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if args == nil {
		args = []interface{}{}
	}
	params, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("walletsession: encode %s params: %w", method, err)
	}

	id := b.nextID.Add(1)
	reply := make(chan *bridgeMessage, 1)
	b.mu.Lock()
	b.pending[id] = reply
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	frame, err := json.Marshal(bridgeMessage{Version: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return err
	}
	if err := b.enqueue(ctx, frame); err != nil {
		return err
	}

	select {
	case msg := <-reply:
		if msg.decodeErr != nil {
			return msg.decodeErr
		}
		if msg.Error != nil {
			return msg.Error
		}
		if result == nil || len(msg.Result) == 0 {
			return nil
		}
		return json.Unmarshal(msg.Result, result)
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBridgeClosed
	}
}

func (b *Bridge) enqueue(ctx context.Context, frame []byte) error {
	select {
	case b.send <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBridgeClosed
	}
}

// openConnectDialog pushes a notification asking the page to show its connect UI.
func (b *Bridge) openConnectDialog(ctx context.Context) error {
	frame, _ := json.Marshal(bridgeMessage{Version: "2.0", Method: methodOpenConnectDialog})
	return b.enqueue(ctx, frame)
}

// Serve runs the bridge until the socket closes, ctx is cancelled or the
// session is closed. On return the bridge is detached from every namespace
// and pending requests fail with ErrBridgeClosed.
func (b *Bridge) Serve(ctx context.Context) {
	metrics.WalletBridgeConnections.Inc()
	unregister := b.session.RegisterDialog(b.openConnectDialog)

	defer func() {
		unregister()
		b.Close()
		b.session.Detach(EIP155, b)
		b.session.Detach(Solana, b)
		metrics.WalletBridgeConnections.Dec()
	}()

	go b.writePump()
	go func() {
		select {
		case <-ctx.Done():
		case <-b.session.Done():
		case <-b.done:
		}
		b.Close()
	}()

	b.readPump()
}

// Close tears down the socket. Safe to call more than once.
func (b *Bridge) Close() {
	b.once.Do(func() {
		close(b.done)
		_ = b.conn.Close()
	})
}

func (b *Bridge) readPump() {
	b.conn.SetReadLimit(bridgeMaxMessage)
	_ = b.conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	})

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
			default:
				if !websocket.IsCloseError(err, normalCloseCodes...) {
					b.logger.Warn("wallet bridge read error", "error", err)
				}
			}
			return
		}

		var msg bridgeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.malformed(data, err)
			continue
		}

		if msg.ID != nil && msg.Method == "" {
			b.deliver(&msg)
			continue
		}
		b.handleNotification(&msg)
	}
}

// malformed fails the waiting request when the undecodable frame still
// carries a response id. Other frames are dropped.
func (b *Bridge) malformed(data []byte, err error) {
	var head struct {
		ID     *uint64 `json:"id"`
		Method string  `json:"method"`
	}
	if json.Unmarshal(data, &head) != nil || head.ID == nil || head.Method != "" {
		b.logger.Debug("wallet bridge sent malformed frame", "error", err)
		return
	}
	b.logger.Warn("wallet bridge sent malformed reply", "id", *head.ID, "error", err)
	b.deliver(&bridgeMessage{ID: head.ID, decodeErr: fmt.Errorf("%w: %v", ErrMalformedReply, err)})
}

func (b *Bridge) deliver(msg *bridgeMessage) {
	b.mu.Lock()
	reply, ok := b.pending[*msg.ID]
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("wallet bridge response for unknown request", "id", *msg.ID)
		return
	}
	select {
	case reply <- msg:
	default: // duplicate answer
	}
}

func (b *Bridge) handleNotification(msg *bridgeMessage) {
	switch msg.Method {
	case methodWalletConnected, methodWalletDisconnected:
		params := namespaceParams{Namespace: EIP155}
		if len(msg.Params) > 0 {
			_ = json.Unmarshal(msg.Params, &params)
		}
		if params.Namespace == "" {
			params.Namespace = EIP155
		}
		if msg.Method == methodWalletConnected {
			b.session.Attach(params.Namespace, b)
		} else {
			b.session.Detach(params.Namespace, b)
		}
	case methodChainChanged, methodAccountsChanged:
		b.session.Notify()
	default:
		b.logger.Debug("wallet bridge ignored notification", "method", msg.Method)
	}
}

func (b *Bridge) writePump() {
	ticker := time.NewTicker(bridgePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-b.send:
			_ = b.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			if err := b.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				b.logger.Warn("wallet bridge write error", "error", err)
				b.Close()
				return
			}
		case <-ticker.C:
			_ = b.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.logger.Debug("wallet bridge ping failed", "error", err)
				b.Close()
				return
			}
		case <-b.done:
			return
		}
	}
}
