package algolab

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"galata/internal/config"
	"galata/internal/logger"
)

const (
	wsEndpoint      = "/ws"
	wsReadLimit     = 1 << 20
	wsPongWait      = 90 * time.Second
	wsPingInterval  = 30 * time.Second
	wsWriteDeadline = 10 * time.Second

	subscribeTick  = "T"
	subscribeDepth = "D"
	subscribeOrder = "O"
)

// StreamStats counts stream health for the health endpoint.
type StreamStats struct {
	Connected  bool   `json:"connected"`
	Reconnects int64  `json:"reconnects"`
	Messages   int64  `json:"messages"`
	LastError  string `json:"last_error,omitempty"`
}

// Stream is the advisory push feed. Ticks become mark-to-market hints and
// order updates nudge the reconciler to poll early; nothing from the
// socket mutates order state directly, the poll stays the source of truth.
type Stream struct {
	wsURL    string
	hostname string
	apiKey   string
	userID   string
	creds    CredentialSource

	// symbolsFn names the symbols worth ticking, typically the open
	// positions. Empty means subscribe to everything.
	symbolsFn func() []string
	onTick    func(symbol string, price decimal.Decimal, at time.Time)
	onOrder   func(reason string)

	statsMu sync.Mutex
	stats   StreamStats
}

// StreamParams wires a stream for one authenticated user.
type StreamParams struct {
	Config    config.BrokerConfig
	UserID    string
	Creds     CredentialSource
	SymbolsFn func() []string
	OnTick    func(symbol string, price decimal.Decimal, at time.Time)
	OnOrder   func(reason string)
}

// NewStream validates the socket URL and builds the stream. Run starts it.
func NewStream(p StreamParams) (*Stream, error) {
	wsURL := strings.TrimSpace(p.Config.WSURL)
	if wsURL == "" {
		return nil, fmt.Errorf("broker.ws_url is required when the stream is enabled")
	}
	host := wsURL
	host = strings.TrimPrefix(host, "wss://")
	host = strings.TrimPrefix(host, "ws://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return nil, fmt.Errorf("broker.ws_url %q has no host", wsURL)
	}
	return &Stream{
		wsURL:     wsURL,
		hostname:  host,
		apiKey:    strings.TrimSpace(p.Config.APIKey),
		userID:    p.UserID,
		creds:     p.Creds,
		symbolsFn: p.SymbolsFn,
		onTick:    p.OnTick,
		onOrder:   p.OnOrder,
	}, nil
}

// Run keeps one connection alive until the context ends. Backoff doubles up
// to 30s and resets after a healthy session.
func (s *Stream) Run(ctx context.Context) error {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		hash, ok := s.snapshotHash()
		if !ok {
			// No live session yet; come back after the backoff.
			if !sleepWithContext(ctx, delay) {
				return ctx.Err()
			}
			delay = nextDelay(delay)
			continue
		}

		err := s.runOnce(ctx, hash)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.recordDisconnect(err)
		if err != nil {
			logger.Warnf("[stream] %s disconnected: %v", s.userID, err)
		}
		if !sleepWithContext(ctx, delay) {
			return ctx.Err()
		}
		delay = nextDelay(delay)
	}
}

func (s *Stream) snapshotHash() (string, bool) {
	if s.creds == nil {
		return "", false
	}
	snap, ok := s.creds.Snapshot(s.userID)
	if !ok || snap.Hash == "" {
		return "", false
	}
	return snap.Hash, true
}

func (s *Stream) runOnce(ctx context.Context, hash string) error {
	header := http.Header{}
	header.Set("APIKEY", s.apiKey)
	header.Set("Authorization", hash)
	header.Set("Checker", makeChecker(s.apiKey, s.hostname, wsEndpoint, nil))

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", s.wsURL, err)
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	if err := s.subscribe(conn, hash); err != nil {
		return err
	}
	s.setConnected(true)
	defer s.setConnected(false)
	logger.Infof("[stream] %s connected to %s", s.userID, s.wsURL)

	// The dialer has no context on reads, so a watcher closes the socket
	// when the context ends and a ticker keeps the connection probed.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		s.bumpMessages()
		s.dispatch(payload)
	}
}

type subscribeRequest struct {
	Token   string   `json:"token"`
	Type    string   `json:"Type"`
	Symbols []string `json:"Symbols"`
}

func (s *Stream) subscribe(conn *websocket.Conn, hash string) error {
	symbols := []string{"ALL"}
	if s.symbolsFn != nil {
		if named := s.symbolsFn(); len(named) > 0 {
			symbols = named
		}
	}
	subs := []subscribeRequest{
		{Token: hash, Type: subscribeTick, Symbols: symbols},
		{Token: hash, Type: subscribeOrder, Symbols: []string{"ALL"}},
	}
	for _, sub := range subs {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribing %s: %w", sub.Type, err)
		}
	}
	return nil
}

// dispatch routes one frame. The feed's casing has drifted between gateway
// versions, so both the old and the new field names are accepted.
func (s *Stream) dispatch(payload []byte) {
	if !gjson.ValidBytes(payload) {
		return
	}
	msg := gjson.ParseBytes(payload)
	typ := firstString(msg, "type", "Type")
	data := firstNode(msg, "data", "Content", "content")

	switch strings.ToUpper(typ) {
	case subscribeTick, "TICK", "TRADE":
		if s.onTick == nil {
			return
		}
		symbol := strings.ToUpper(firstString(data, "symbol", "Symbol"))
		if symbol == "" {
			return
		}
		price := decFrom(data.Get("last"))
		if price.IsZero() {
			price = decFrom(data.Get("price"))
		}
		if price.IsZero() {
			return
		}
		s.onTick(symbol, price, time.Now().UTC())
	case subscribeOrder, "ORDER", "ORDER_UPDATE":
		if s.onOrder != nil {
			s.onOrder("order update pushed on stream")
		}
	}
}

// Stats reports a snapshot for health reporting.
func (s *Stream) Stats() StreamStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Stream) setConnected(v bool) {
	s.statsMu.Lock()
	s.stats.Connected = v
	s.statsMu.Unlock()
}

func (s *Stream) bumpMessages() {
	s.statsMu.Lock()
	s.stats.Messages++
	s.statsMu.Unlock()
}

func (s *Stream) recordDisconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}

func firstString(node gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := node.Get(k); v.Exists() {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}

func firstNode(node gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := node.Get(k); v.Exists() {
			return v
		}
	}
	return node
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}
