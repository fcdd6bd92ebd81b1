package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canwork/jobescrow/internal/logging"
	"github.com/canwork/jobescrow/internal/util"
)

// Relay protocol methods
const (
	methodSessionPending = "session_pending"
	methodSessionUpdate  = "session_update"
	methodDisconnect     = "disconnect"
	methodSessionRequest = "session_request"
	methodSignTx         = "sign_transaction"
	methodKillSession    = "kill_session"
)

// codeUserRejected is the relay error code for a request declined in the remote wallet
const codeUserRejected = 4001

const bridgeWriteTimeout = 5 * time.Second

// bridgeMessage is one frame on the relay socket. Requests and notifications
// carry Method; responses carry Result or Error under the request's ID.
type bridgeMessage struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *bridgeError    `json:"error,omitempty"`
}

type bridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *bridgeError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Code, e.Message)
}

type sessionPendingParams struct {
	URI string `json:"uri"`
}

type sessionParams struct {
	Address string `json:"address"`
}

type signTxParams struct {
	Tx Tx `json:"tx"`
}

type signTxResult struct {
	Signature string `json:"signature"`
	PubKey    string `json:"pub_key"`
}

// Bridge signs through a remote wallet paired over a WebSocket relay
type Bridge struct {
	account
	relay string
	hooks Hooks

	conn    *websocket.Conn
	writeMu sync.Mutex

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan bridgeMessage

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func openBridge(ctx context.Context, cfg accountConfig, dialer *websocket.Dialer, relay string, hooks Hooks) (*Bridge, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, relay, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", relay, err)
	}

	b := &Bridge{
		account: cfg.newAccount(""),
		relay:   relay,
		hooks:   hooks,
		conn:    conn,
		pending: make(map[uint64]chan bridgeMessage),
		done:    make(chan struct{}),
	}
	util.SafeGo("wallet-bridge-read", b.readLoop)

	// Blocks until the user approves the pairing in the remote wallet.
	var sess sessionParams
	if err := b.call(ctx, methodSessionRequest, nil, &sess); err != nil {
		b.Close(context.Background())
		return nil, fmt.Errorf("bridge: session request: %w", err)
	}
	if err := ValidateAddress(cfg.prefix, sess.Address); err != nil {
		b.Close(context.Background())
		return nil, fmt.Errorf("bridge: %w", err)
	}

	b.setAddress(sess.Address)
	b.connected.Store(true)
	logging.Info("bridge session established",
		logging.Address(sess.Address),
		"relay", relay)
	return b, nil
}

func (b *Bridge) Kind() Kind { return KindBridge }

// RelayURL returns the relay the session runs through
func (b *Bridge) RelayURL() string { return b.relay }

func (b *Bridge) Sign(ctx context.Context, req SignRequest) (SignedTx, error) {
	if !b.IsConnected() {
		return SignedTx{}, ErrNotConnected
	}

	tx := req.tx(b.Address())
	req.beforeSign()

	var res signTxResult
	if err := b.call(ctx, methodSignTx, signTxParams{Tx: tx}, &res); err != nil {
		var be *bridgeError
		if errors.As(err, &be) && be.Code == codeUserRejected {
			return SignedTx{}, fmt.Errorf("%w: %s", ErrSigningRejected, be.Message)
		}
		return SignedTx{}, fmt.Errorf("bridge: sign: %w", err)
	}

	sig, err := hex.DecodeString(res.Signature)
	if err != nil {
		return SignedTx{}, fmt.Errorf("bridge: malformed signature: %w", err)
	}
	pub, err := hex.DecodeString(res.PubKey)
	if err != nil {
		return SignedTx{}, fmt.Errorf("bridge: malformed public key: %w", err)
	}
	if pub, err = compressPubKey(pub); err != nil {
		return SignedTx{}, fmt.Errorf("bridge: %w", err)
	}

	signed := SignedTx{Tx: tx, Signature: sig, PubKey: pub}
	if err := signed.Verify(b.prefix); err != nil {
		return SignedTx{}, fmt.Errorf("bridge: %w", err)
	}
	return signed, nil
}

// Close ends the remote session and waits for the reader to exit
func (b *Bridge) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.closing.Store(true)
		b.connected.Store(false)

		if werr := b.write(bridgeMessage{Method: methodKillSession}); werr != nil {
			logging.Debug("bridge kill_session failed", logging.Err(werr))
		}
		err = b.conn.Close()

		select {
		case <-b.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (b *Bridge) backend() {}

// call sends a request and waits for its response
func (b *Bridge) call(ctx context.Context, method string, params any, out any) error {
	msg := bridgeMessage{ID: b.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		msg.Params = raw
	}

	ch := make(chan bridgeMessage, 1)
	b.mu.Lock()
	if b.pending == nil {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.pending[msg.ID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.pending != nil {
			delete(b.pending, msg.ID)
		}
		b.mu.Unlock()
	}()

	if err := b.write(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) write(msg bridgeMessage) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	return b.conn.WriteJSON(msg)
}

func (b *Bridge) readLoop() {
	defer close(b.done)
	defer b.failPending()

	for {
		var msg bridgeMessage
		if err := b.conn.ReadJSON(&msg); err != nil {
			if !b.closing.Load() {
				logging.Warn("bridge session lost", logging.Err(err), "relay", b.relay)
				b.remoteDisconnect()
			}
			return
		}

		if msg.Method == "" {
			b.deliver(msg)
			continue
		}
		b.handleNotification(msg)
	}
}

func (b *Bridge) deliver(msg bridgeMessage) {
	b.mu.Lock()
	ch, ok := b.pending[msg.ID]
	b.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (b *Bridge) handleNotification(msg bridgeMessage) {
	switch msg.Method {
	case methodSessionPending:
		var p sessionPendingParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			logging.Warn("bridge: bad session_pending", logging.Err(err))
			return
		}
		if b.hooks.OnInit != nil {
			b.hooks.OnInit(p.URI)
		}

	case methodSessionUpdate:
		var p sessionParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			logging.Warn("bridge: bad session_update", logging.Err(err))
			return
		}
		if err := ValidateAddress(b.prefix, p.Address); err != nil {
			logging.Warn("bridge: rejected session_update", logging.Err(err))
			return
		}
		if !b.IsConnected() || p.Address == b.Address() {
			return
		}
		b.setAddress(p.Address)
		if b.hooks.OnUpdate != nil {
			b.hooks.OnUpdate(p.Address)
		}

	case methodDisconnect:
		b.remoteDisconnect()

	default:
		logging.Debug("bridge: ignoring notification", "method", msg.Method)
	}
}

func (b *Bridge) remoteDisconnect() {
	if !b.connected.Swap(false) {
		return
	}
	if b.hooks.OnDisconnect != nil {
		b.hooks.OnDisconnect()
	}
}

// failPending closes every outstanding call channel and refuses new ones
func (b *Bridge) failPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.pending = nil
}
