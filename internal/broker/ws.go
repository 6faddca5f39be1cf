// ws.go implements the single duplex WebSocket connection to the KIS
// realtime gateway.
//
// One connection carries every channel: trade ticks (H0STCNT0), book
// depth (H0STASP0), execution notices (H0STCNI0/9), and index ticks
// (H0UPCNT0). The connection:
//
//   - authenticates with an approval key (renewed at the 23-hour mark of
//     its 24-hour validity),
//   - subscribes/unsubscribes with tr_type "1"/"2" JSON frames,
//   - echoes PINGPONG system frames to keep the session alive,
//   - learns AES key/iv from execution-channel subscribe acks and
//     decrypts encrypted payloads,
//   - auto-reconnects with delay min(2·attempt, 10)s and re-subscribes
//     the full tracked set; after three straight failures it reports
//     degraded so the pipeline falls back to REST-only.
//
// Parsed events are fanned out on typed channels with non-blocking
// sends; a slow consumer drops events rather than stalling the reader.
package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stockbot/pkg/types"
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateStreaming
	StateClosing
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	}
	return "disconnected"
}

const (
	wsWriteTimeout     = 10 * time.Second
	wsReadTimeout      = 70 * time.Second // one missed 60s server ping plus margin
	wsMaxReconnectWait = 10 * time.Second
	wsDegradedAfter    = 3 // straight failures before reporting degraded
	approvalRenewAfter = 23 * time.Hour

	quoteBufferSize = 256
	bookBufferSize  = 128
	execBufferSize  = 64
)

// aesMaterial is the per-channel decryption key learned from the
// subscribe acknowledgement.
type aesMaterial struct {
	key []byte
	iv  []byte
}

// WSConn manages the realtime connection: lifecycle, subscription
// tracking, frame routing, and reconnection.
type WSConn struct {
	url      string
	htsID    string // tr_key for the EXECUTION channel
	paper    bool
	approval func(ctx context.Context) (string, error)

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes

	stateMu sync.RWMutex
	state   ConnState

	approvalKey      string
	approvalIssuedAt time.Time

	subscribedMu sync.RWMutex
	subscribed   map[types.SlotKey]bool

	cryptoMu sync.Mutex
	aesKeys  map[string]aesMaterial // tr_id -> key material

	healthMu    sync.RWMutex
	lastInbound time.Time
	lastPong    time.Time

	quoteCh chan types.Quote
	bookCh  chan types.Orderbook
	execCh  chan ExecutionNotice

	// onDegraded fires once per outage after wsDegradedAfter straight
	// reconnect failures. May be nil.
	onDegraded func()

	logger   *slog.Logger
	now      func() time.Time
	delayFor func(attempt int) time.Duration
}

// NewWSConn creates the realtime connection. approval fetches a fresh
// approval key; htsID keys the execution channel subscription.
func NewWSConn(url, htsID string, paper bool, approval func(ctx context.Context) (string, error), logger *slog.Logger) *WSConn {
	return &WSConn{
		url:        url,
		htsID:      htsID,
		paper:      paper,
		approval:   approval,
		subscribed: make(map[types.SlotKey]bool),
		aesKeys:    make(map[string]aesMaterial),
		quoteCh:    make(chan types.Quote, quoteBufferSize),
		bookCh:     make(chan types.Orderbook, bookBufferSize),
		execCh:     make(chan ExecutionNotice, execBufferSize),
		logger:     logger.With("component", "ws"),
		now:        time.Now,
		delayFor: func(attempt int) time.Duration {
			d := time.Duration(2*attempt) * time.Second
			if d > wsMaxReconnectWait {
				d = wsMaxReconnectWait
			}
			return d
		},
	}
}

// Quotes returns the trade/index tick channel.
func (w *WSConn) Quotes() <-chan types.Quote { return w.quoteCh }

// Books returns the depth snapshot channel.
func (w *WSConn) Books() <-chan types.Orderbook { return w.bookCh }

// Executions returns the execution notice channel.
func (w *WSConn) Executions() <-chan ExecutionNotice { return w.execCh }

// SetDegradedCallback registers the REST-fallback notifier.
func (w *WSConn) SetDegradedCallback(fn func()) { w.onDegraded = fn }

// State returns the current lifecycle state.
func (w *WSConn) State() ConnState {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state
}

func (w *WSConn) setState(s ConnState) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
}

// Healthy reports whether the stream can be trusted for price marks:
// streaming, recent inbound traffic (<5 min), and a recent pong (<10 min).
func (w *WSConn) Healthy() bool {
	if w.State() != StateStreaming {
		return false
	}
	w.healthMu.RLock()
	defer w.healthMu.RUnlock()
	now := w.now()
	if w.lastInbound.IsZero() || now.Sub(w.lastInbound) > 5*time.Minute {
		return false
	}
	if !w.lastPong.IsZero() && now.Sub(w.lastPong) > 10*time.Minute {
		return false
	}
	return true
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (w *WSConn) Run(ctx context.Context) error {
	attempt := 0
	for {
		streamed, err := w.connectAndRead(ctx)
		if ctx.Err() != nil {
			w.setState(StateDisconnected)
			return ctx.Err()
		}

		// A session that reached streaming breaks the failure streak;
		// degradation counts consecutive failed attempts only.
		if streamed {
			attempt = 0
		}
		attempt++
		delay := w.delayFor(attempt)
		w.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"delay", delay,
		)
		if attempt == wsDegradedAfter && w.onDegraded != nil {
			w.setState(StateFailed)
			w.onDegraded()
		}

		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectAndRead dials, re-subscribes, and reads until the connection
// drops. streamed reports whether the session reached STREAMING.
func (w *WSConn) connectAndRead(ctx context.Context) (streamed bool, err error) {
	w.setState(StateConnecting)

	if err := w.ensureApprovalKey(ctx); err != nil {
		return false, fmt.Errorf("approval key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	w.setState(StateConnected)

	defer func() {
		w.connMu.Lock()
		conn.Close()
		w.conn = nil
		w.connMu.Unlock()
		if w.State() != StateFailed {
			w.setState(StateDisconnected)
		}
	}()

	// Re-subscribe everything we are supposed to be watching.
	w.setState(StateSubscribing)
	if err := w.resubscribeAll(); err != nil {
		return false, fmt.Errorf("resubscribe: %w", err)
	}
	w.setState(StateStreaming)
	w.logger.Info("websocket streaming", "subscriptions", w.subscriptionCount())

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(w.now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		w.healthMu.Lock()
		w.lastInbound = w.now()
		w.healthMu.Unlock()

		w.dispatchMessage(msg)
	}
}

func (w *WSConn) ensureApprovalKey(ctx context.Context) error {
	if w.approvalKey != "" && w.now().Sub(w.approvalIssuedAt) < approvalRenewAfter {
		return nil
	}
	key, err := w.approval(ctx)
	if err != nil {
		return err
	}
	w.approvalKey = key
	w.approvalIssuedAt = w.now()
	return nil
}

func (w *WSConn) subscriptionCount() int {
	w.subscribedMu.RLock()
	defer w.subscribedMu.RUnlock()
	return len(w.subscribed)
}

// Subscribe registers and sends a subscription for the slot key.
// Idempotent on the broker side: subscriptions are keyed by (tr_id, tr_key).
func (w *WSConn) Subscribe(key types.SlotKey) error {
	w.subscribedMu.Lock()
	w.subscribed[key] = true
	w.subscribedMu.Unlock()
	return w.sendSubscribe(key, "1")
}

// Unsubscribe removes and tears down the subscription for the slot key.
func (w *WSConn) Unsubscribe(key types.SlotKey) error {
	w.subscribedMu.Lock()
	delete(w.subscribed, key)
	w.subscribedMu.Unlock()
	return w.sendSubscribe(key, "2")
}

func (w *WSConn) resubscribeAll() error {
	w.subscribedMu.RLock()
	keys := make([]types.SlotKey, 0, len(w.subscribed))
	for k := range w.subscribed {
		keys = append(keys, k)
	}
	w.subscribedMu.RUnlock()

	for _, k := range keys {
		if err := w.sendSubscribe(k, "1"); err != nil {
			return err
		}
	}
	return nil
}

// subscribeMsg is the wire layout for subscribe/unsubscribe requests.
type subscribeMsg struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

func (w *WSConn) sendSubscribe(key types.SlotKey, trType string) error {
	trKey := key.Symbol
	if key.Channel == types.ChannelExecution {
		trKey = w.htsID
	}

	var msg subscribeMsg
	msg.Header.ApprovalKey = w.approvalKey
	msg.Header.CustType = "P"
	msg.Header.TrType = trType
	msg.Header.ContentType = "utf-8"
	msg.Body.Input.TrID = key.Channel.TrID(w.paper)
	msg.Body.Input.TrKey = trKey

	return w.writeJSON(msg)
}

func (w *WSConn) writeJSON(v any) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	w.conn.SetWriteDeadline(w.now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *WSConn) writeRaw(data []byte) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	w.conn.SetWriteDeadline(w.now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// systemMsg is the JSON shape of non-realtime messages: subscribe acks
// and PINGPONG keepalives.
type systemMsg struct {
	Header struct {
		TrID  string `json:"tr_id"`
		TrKey string `json:"tr_key"`
	} `json:"header"`
	Body struct {
		RtCd   string `json:"rt_cd"`
		MsgCd  string `json:"msg_cd"`
		Msg1   string `json:"msg1"`
		Output struct {
			Key string `json:"key"`
			IV  string `json:"iv"`
		} `json:"output"`
	} `json:"body"`
}

func (w *WSConn) dispatchMessage(msg []byte) {
	if len(msg) == 0 {
		return
	}

	// Realtime frames start with the plaintext/encrypted flag.
	if msg[0] == '0' || msg[0] == '1' {
		w.handleRealtime(string(msg))
		return
	}

	var sys systemMsg
	if err := json.Unmarshal(msg, &sys); err != nil {
		w.logger.Debug("ignoring unparseable ws message", "data", snippet(msg))
		return
	}

	switch sys.Header.TrID {
	case "PINGPONG":
		// Echo within the same connection.
		if err := w.writeRaw(msg); err != nil {
			w.logger.Warn("pingpong echo failed", "error", err)
			return
		}
		w.healthMu.Lock()
		w.lastPong = w.now()
		w.healthMu.Unlock()

	default:
		// Subscribe acknowledgement: capture AES key material when present.
		if sys.Body.Output.Key != "" {
			w.storeAESMaterial(sys.Header.TrID, sys.Body.Output.Key, sys.Body.Output.IV)
		}
		if sys.Body.RtCd != "" && sys.Body.RtCd != "0" {
			w.logger.Warn("subscription nack",
				"tr_id", sys.Header.TrID,
				"tr_key", sys.Header.TrKey,
				"msg", sys.Body.Msg1,
			)
			return
		}
		w.logger.Debug("system message", "tr_id", sys.Header.TrID, "msg", sys.Body.Msg1)
	}
}

func (w *WSConn) storeAESMaterial(trID, key, iv string) {
	w.cryptoMu.Lock()
	defer w.cryptoMu.Unlock()

	// Keys arrive either raw or base64 encoded; prefer base64 when it
	// decodes to a valid AES key length.
	decode := func(s string) []byte {
		if b, err := base64.StdEncoding.DecodeString(s); err == nil && (len(b) == 16 || len(b) == 24 || len(b) == 32) {
			return b
		}
		return []byte(s)
	}
	w.aesKeys[trID] = aesMaterial{key: decode(key), iv: decode(iv)}
	w.logger.Info("aes key material received", "tr_id", trID)
}

func (w *WSConn) handleRealtime(raw string) {
	frame, err := ParseRealtimeFrame(raw)
	if err != nil {
		w.logger.Debug("bad realtime frame", "error", err)
		return
	}

	fields := frame.Fields
	if frame.Encrypted {
		w.cryptoMu.Lock()
		material, ok := w.aesKeys[frame.TrID]
		w.cryptoMu.Unlock()
		if !ok {
			// Key not observed yet; drop rather than guess.
			w.logger.Warn("encrypted frame before key material, dropping", "tr_id", frame.TrID)
			return
		}
		// The encrypted payload is the entire fourth pipe segment.
		payload := strings.SplitN(raw, "|", 4)[3]
		plain, err := DecryptPayload(payload, material.key, material.iv)
		if err != nil {
			w.logger.Warn("payload decrypt failed", "tr_id", frame.TrID, "error", err)
			return
		}
		fields = strings.Split(plain, "^")
	}

	now := w.now()
	switch frame.TrID {
	case "H0STCNT0", "H0UPCNT0":
		quote, err := ParseTradeTick(fields, now)
		if err != nil {
			w.logger.Debug("bad trade tick", "error", err)
			return
		}
		select {
		case w.quoteCh <- *quote:
		default:
			w.logger.Warn("quote channel full, dropping tick", "symbol", quote.Symbol)
		}

	case "H0STASP0":
		book, err := ParseBookFrame(fields, now)
		if err != nil {
			w.logger.Debug("bad book frame", "error", err)
			return
		}
		select {
		case w.bookCh <- *book:
		default:
			w.logger.Warn("book channel full, dropping frame", "symbol", book.Symbol)
		}

	case "H0STCNI0", "H0STCNI9":
		notice, err := ParseExecutionNotice(fields)
		if err != nil {
			w.logger.Warn("bad execution frame", "error", err)
			return
		}
		select {
		case w.execCh <- *notice:
		default:
			// Execution notices must not be silently lost; log loudly.
			w.logger.Error("execution channel full, dropping notice", "order_id", notice.OrderID)
		}

	default:
		w.logger.Debug("unknown realtime tr_id", "tr_id", frame.TrID)
	}
}

// Bounce drops the current connection so the run loop re-dials
// immediately. No-op when disconnected.
func (w *WSConn) Bounce() {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		w.conn.Close()
	}
}

// Close tears down the connection.
func (w *WSConn) Close() error {
	w.setState(StateClosing)
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

