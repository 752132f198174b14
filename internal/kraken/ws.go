// ws.go implements the WebSocket v2 manager.
//
// Two logical sockets are maintained:
//
//   - Public (wss://ws.kraken.com/v2): ohlc and book channels.
//   - Private (wss://ws-auth.kraken.com/v2): executions channel,
//     authenticated with a short-lived token fetched over signed REST.
//
// Each socket connects lazily on first subscription, keeps a registry of
// active subscriptions, and on close reconnects after one second and
// re-sends every registered subscription. Handlers stay attached across
// reconnects. Heartbeat and status frames are ignored; handler panics are
// caught and logged, never propagated into the read loop.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"krakenbot/internal/config"
)

const (
	reconnectDelay = 1 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// Handler signatures for the three consumed channels.
type (
	OHLCHandler func(OHLCEvent)
	BookHandler func(BookUpdate)
	ExecHandler func(Execution)
)

// subKey identifies a subscription: (channel, symbol, interval) for ohlc,
// (channel, symbol) for book, and a singleton key for executions.
type subKey struct {
	Channel  string
	Symbol   string // canonical
	Interval int
}

// subEntry is one registry slot: the wire parameters plus the attached
// handlers, which survive reconnects.
type subEntry struct {
	params     wsParams
	subscribed bool
	ohlc       map[int]OHLCHandler
	book       map[int]BookHandler
	exec       map[int]ExecHandler
}

func (e *subEntry) handlerCount() int {
	return len(e.ohlc) + len(e.book) + len(e.exec)
}

// Subscription is an opaque handle with an unsubscribe capability. Its
// lifetime is bound to whoever holds it; dropping the handle without
// calling Unsubscribe leaves the stream active.
type Subscription struct {
	sock *socket
	key  subKey
	id   int
}

// Unsubscribe detaches this handler. When the last handler for the key
// is removed, an unsubscribe request is sent (best-effort).
func (s *Subscription) Unsubscribe() {
	if s.sock != nil {
		s.sock.unsubscribe(s.key, s.id)
	}
}

// socket is one WS connection (public or private) with its registry.
type socket struct {
	url     string
	name    string
	private bool

	connMu sync.Mutex
	conn   *websocket.Conn

	regMu    sync.Mutex
	registry map[subKey]*subEntry
	nextID   int

	autoReconnect bool
	closed        bool

	tokenFn    func(context.Context) (string, error) // nil on public socket
	invalidate func()

	logger *slog.Logger
}

// WSManager owns the public and private sockets.
type WSManager struct {
	pub  *socket
	priv *socket
}

// NewWSManager wires the two sockets. The private socket borrows the REST
// client's token cache for authentication.
func NewWSManager(cfg config.APIConfig, client *Client, logger *slog.Logger) *WSManager {
	return &WSManager{
		pub: &socket{
			url:           cfg.WSPublicURL,
			name:          "public",
			registry:      make(map[subKey]*subEntry),
			autoReconnect: true,
			logger:        logger.With("component", "ws_public"),
		},
		priv: &socket{
			url:           cfg.WSPrivateURL,
			name:          "private",
			private:       true,
			registry:      make(map[subKey]*subEntry),
			autoReconnect: true,
			tokenFn:       client.WebSocketToken,
			invalidate:    client.InvalidateToken,
			logger:        logger.With("component", "ws_private"),
		},
	}
}

// SubscribeOHLC subscribes to candles for a WS symbol ("DOGE/USD") at the
// given interval in minutes. The handler receives every matching update.
func (m *WSManager) SubscribeOHLC(ctx context.Context, wsSymbol string, interval int, h OHLCHandler) (*Subscription, error) {
	key := subKey{Channel: "ohlc", Symbol: CanonicalSymbol(wsSymbol), Interval: interval}
	params := wsParams{Channel: "ohlc", Symbol: []string{wsSymbol}, Interval: interval}
	return m.pub.subscribe(ctx, key, params, func(e *subEntry, id int) {
		if e.ohlc == nil {
			e.ohlc = make(map[int]OHLCHandler)
		}
		e.ohlc[id] = h
	})
}

// SubscribeBook subscribes to L2 book updates at the given depth.
func (m *WSManager) SubscribeBook(ctx context.Context, wsSymbol string, depth int, h BookHandler) (*Subscription, error) {
	snapshot := true
	key := subKey{Channel: "book", Symbol: CanonicalSymbol(wsSymbol)}
	params := wsParams{Channel: "book", Symbol: []string{wsSymbol}, Depth: depth, Snapshot: &snapshot}
	return m.pub.subscribe(ctx, key, params, func(e *subEntry, id int) {
		if e.book == nil {
			e.book = make(map[int]BookHandler)
		}
		e.book[id] = h
	})
}

// SubscribeExecutions subscribes to the private executions channel. Only
// exec_type == "trade" entries reach the handler.
func (m *WSManager) SubscribeExecutions(ctx context.Context, h ExecHandler) (*Subscription, error) {
	key := subKey{Channel: "executions"}
	snapshot := false
	params := wsParams{Channel: "executions", Snapshot: &snapshot}
	return m.priv.subscribe(ctx, key, params, func(e *subEntry, id int) {
		if e.exec == nil {
			e.exec = make(map[int]ExecHandler)
		}
		e.exec[id] = h
	})
}

// Close shuts both sockets down and disables reconnection.
func (m *WSManager) Close() {
	m.pub.close()
	m.priv.close()
}

// ————————————————————————————————————————————————————————————————————————
// socket internals
// ————————————————————————————————————————————————————————————————————————

func (s *socket) subscribe(ctx context.Context, key subKey, params wsParams, attach func(*subEntry, int)) (*Subscription, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	s.regMu.Lock()
	entry, exists := s.registry[key]
	if !exists {
		entry = &subEntry{params: params}
		s.registry[key] = entry
	}
	s.nextID++
	id := s.nextID
	attach(entry, id)
	needSend := !exists || !entry.subscribed
	s.regMu.Unlock()

	if needSend {
		if err := s.sendSubscribe(ctx, entry.params); err != nil {
			// Marked dirty; the reconnect path re-sends it.
			s.logger.Warn("subscribe send failed", "channel", key.Channel, "symbol", key.Symbol, "error", err)
			return &Subscription{sock: s, key: key, id: id}, err
		}
	}
	return &Subscription{sock: s, key: key, id: id}, nil
}

func (s *socket) unsubscribe(key subKey, id int) {
	s.regMu.Lock()
	entry, ok := s.registry[key]
	if !ok {
		s.regMu.Unlock()
		return
	}
	delete(entry.ohlc, id)
	delete(entry.book, id)
	delete(entry.exec, id)
	last := entry.handlerCount() == 0
	if last {
		delete(s.registry, key)
	}
	params := entry.params
	s.regMu.Unlock()

	if last {
		if err := s.send(wsRequest{Method: "unsubscribe", Params: &params}); err != nil {
			s.logger.Debug("unsubscribe send failed", "channel", key.Channel, "error", err)
		}
	}
}

// sendSubscribe transmits a subscribe request, attaching the private
// token where required.
func (s *socket) sendSubscribe(ctx context.Context, params wsParams) error {
	if s.private {
		token, err := s.tokenFn(ctx)
		if err != nil {
			return fmt.Errorf("ws token: %w", err)
		}
		params.Token = token
	}
	return s.send(wsRequest{Method: "subscribe", Params: &params})
}

// ensureConnected dials lazily and starts the read loop.
func (s *socket) ensureConnected(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.name, err)
	}
	s.conn = conn
	s.logger.Info("websocket connected", "url", s.url)

	go s.readLoop(conn)
	return nil
}

// readLoop consumes frames until the socket dies, then hands off to the
// reconnect path.
func (s *socket) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.onDisconnect(err)
			return
		}
		s.dispatch(msg)
	}
}

func (s *socket) onDisconnect(cause error) {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	closed := s.closed
	s.connMu.Unlock()

	s.regMu.Lock()
	for _, e := range s.registry {
		e.subscribed = false
	}
	empty := len(s.registry) == 0
	s.regMu.Unlock()

	if closed || !s.autoReconnect || empty {
		if !closed {
			s.logger.Info("websocket closed", "cause", cause)
		}
		return
	}

	s.logger.Warn("websocket disconnected, reconnecting", "error", cause, "delay", reconnectDelay)
	// The cached token may be stale after a long-lived connection dies;
	// drop it so resubscription fetches a fresh one when needed.
	if s.private && s.invalidate != nil {
		s.invalidate()
	}

	time.Sleep(reconnectDelay)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.ensureConnected(ctx); err != nil {
		s.logger.Error("reconnect failed, retrying", "error", err)
		go s.onDisconnect(err)
		return
	}
	s.resubscribeAll(ctx)
}

// resubscribeAll re-sends every registered subscription with identical
// parameters. Handler maps are untouched.
func (s *socket) resubscribeAll(ctx context.Context) {
	s.regMu.Lock()
	pending := make([]wsParams, 0, len(s.registry))
	for _, e := range s.registry {
		pending = append(pending, e.params)
	}
	s.regMu.Unlock()

	for _, p := range pending {
		if err := s.sendSubscribe(ctx, p); err != nil {
			s.logger.Warn("resubscribe failed", "channel", p.Channel, "error", err)
		}
	}
	s.logger.Info("resubscribed", "count", len(pending))
}

func (s *socket) close() {
	s.connMu.Lock()
	s.closed = true
	s.autoReconnect = false
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (s *socket) send(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

// ————————————————————————————————————————————————————————————————————————
// frame dispatch
// ————————————————————————————————————————————————————————————————————————

func (s *socket) dispatch(msg []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.logger.Debug("ignoring non-json ws frame", "data", string(msg))
		return
	}

	if env.Method != "" {
		s.handleAck(env)
		return
	}

	switch env.Channel {
	case "ohlc":
		events, err := decodeOHLC(env.Data)
		if err != nil {
			s.logger.Error("decode ohlc", "error", err)
			return
		}
		for _, evt := range events {
			s.fanoutOHLC(evt)
		}
	case "book":
		updates, err := decodeBook(env.Data, env.Type == "snapshot")
		if err != nil {
			s.logger.Error("decode book", "error", err)
			return
		}
		for _, u := range updates {
			s.fanoutBook(u)
		}
	case "executions":
		execs, err := decodeExecutions(env.Data)
		if err != nil {
			s.logger.Error("decode executions", "error", err)
			return
		}
		for _, ex := range execs {
			s.fanoutExec(ex)
		}
	case "heartbeat", "status":
		// Keep-alive noise.
	default:
		s.logger.Debug("unknown ws channel", "channel", env.Channel)
	}
}

// handleAck reconciles subscribe/unsubscribe acks against the registry.
func (s *socket) handleAck(env wsEnvelope) {
	if env.Method != "subscribe" && env.Method != "unsubscribe" {
		s.logger.Debug("ignoring ws ack", "method", env.Method)
		return
	}

	var res ackResult
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &res); err != nil {
			s.logger.Debug("unparseable ack result", "error", err)
		}
	}
	key := subKey{Channel: res.Channel, Symbol: CanonicalSymbol(res.Symbol), Interval: res.Interval}

	ok := env.Success != nil && *env.Success
	s.regMu.Lock()
	entry, found := s.registry[key]
	if !found && res.Channel == "executions" {
		entry, found = s.registry[subKey{Channel: "executions"}]
	}
	if found && env.Method == "subscribe" {
		entry.subscribed = ok
	}
	s.regMu.Unlock()

	if env.Method == "subscribe" && !ok {
		s.logger.Error("subscribe rejected", "channel", res.Channel, "symbol", res.Symbol, "error", env.Error)
	}
}

// fanout helpers copy the handler set under the lock, then invoke outside
// it so a slow handler cannot stall registry operations. Panics inside
// handlers are contained.

func (s *socket) fanoutOHLC(evt OHLCEvent) {
	key := subKey{Channel: "ohlc", Symbol: evt.Symbol, Interval: evt.Interval}
	s.regMu.Lock()
	var handlers []OHLCHandler
	if e, ok := s.registry[key]; ok {
		for _, h := range e.ohlc {
			handlers = append(handlers, h)
		}
	}
	s.regMu.Unlock()
	for _, h := range handlers {
		s.safely(func() { h(evt) })
	}
}

func (s *socket) fanoutBook(u BookUpdate) {
	key := subKey{Channel: "book", Symbol: u.Symbol}
	s.regMu.Lock()
	var handlers []BookHandler
	if e, ok := s.registry[key]; ok {
		for _, h := range e.book {
			handlers = append(handlers, h)
		}
	}
	s.regMu.Unlock()
	for _, h := range handlers {
		s.safely(func() { h(u) })
	}
}

func (s *socket) fanoutExec(ex Execution) {
	s.regMu.Lock()
	var handlers []ExecHandler
	if e, ok := s.registry[subKey{Channel: "executions"}]; ok {
		for _, h := range e.exec {
			handlers = append(handlers, h)
		}
	}
	s.regMu.Unlock()
	for _, h := range handlers {
		s.safely(func() { h(ex) })
	}
}

func (s *socket) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "recovered", r)
		}
	}()
	fn()
}
