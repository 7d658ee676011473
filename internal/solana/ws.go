package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WatcherConfig tunes the WebSocket signature watcher.
type WatcherConfig struct {
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// DefaultWatcherConfig returns the standard watcher tuning.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Watcher maintains a logsSubscribe subscription for transactions
// mentioning one address and emits their signatures. It reconnects
// and resubscribes on connection loss; a lost subscription window is
// covered by the caller's periodic signature backfill.
type Watcher struct {
	endpoint string
	address  string
	config   WatcherConfig
	logger   *slog.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	sigs chan SignatureInfo
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher connects to the WebSocket endpoint and subscribes to logs
// mentioning address.
func NewWatcher(ctx context.Context, endpoint, address string, config *WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	cfg := DefaultWatcherConfig()
	if config != nil {
		cfg = *config
	}

	w := &Watcher{
		endpoint: endpoint,
		address:  address,
		config:   cfg,
		logger:   logger,
		sigs:     make(chan SignatureInfo, 1024),
		done:     make(chan struct{}),
	}

	if err := w.connect(ctx); err != nil {
		return nil, err
	}
	if err := w.subscribe(); err != nil {
		w.closeConn()
		return nil, err
	}

	w.wg.Add(2)
	go w.readLoop()
	go w.pingLoop()

	return w, nil
}

// Signatures returns the stream of observed signatures. The channel is
// closed when the watcher shuts down.
func (w *Watcher) Signatures() <-chan SignatureInfo {
	return w.sigs
}

// Close shuts the watcher down and closes the signature channel.
func (w *Watcher) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	close(w.done)
	w.closeConn()
	w.wg.Wait()
	close(w.sigs)
	return nil
}

func (w *Watcher) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	return nil
}

func (w *Watcher) closeConn() {
	w.connMu.Lock()
	if w.conn != nil {
		w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.conn.Close()
		w.conn = nil
	}
	w.connMu.Unlock()
}

func (w *Watcher) subscribe() error {
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      w.requestID.Add(1),
		Method:  "logsSubscribe",
		Params: []any{
			map[string]any{"mentions": []string{w.address}},
			map[string]string{"commitment": "confirmed"},
		},
	}

	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	if err := w.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

func (w *Watcher) readLoop() {
	defer w.wg.Done()

	delay := w.config.ReconnectDelay

	for !w.closed.Load() {
		w.connMu.Lock()
		conn := w.conn
		w.connMu.Unlock()

		if conn == nil {
			if !w.reconnect(delay) {
				return
			}
			delay = min(time.Duration(float64(delay)*2), w.config.MaxReconnectDelay)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if w.closed.Load() {
				return
			}
			w.logger.Warn("websocket read failed, reconnecting", "error", err)
			w.closeConn()
			continue
		}

		delay = w.config.ReconnectDelay
		w.handleMessage(message)
	}
}

// reconnect dials and resubscribes after waiting delay. Returns false
// when the watcher is shutting down.
func (w *Watcher) reconnect(delay time.Duration) bool {
	select {
	case <-w.done:
		return false
	case <-time.After(delay):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.connect(ctx); err != nil {
		w.logger.Warn("websocket reconnect failed", "error", err)
		return true
	}
	if err := w.subscribe(); err != nil {
		w.logger.Warn("resubscribe failed", "error", err)
		w.closeConn()
		return true
	}
	w.logger.Info("websocket resubscribed", "address", w.address)
	return true
}

func (w *Watcher) handleMessage(message []byte) {
	var notif wsNotification
	if err := json.Unmarshal(message, &notif); err != nil || notif.Method != "logsNotification" || notif.Params == nil {
		return
	}

	value := notif.Params.Result.Value
	info := SignatureInfo{
		Signature: value.Signature,
		Failed:    value.Err != nil,
	}
	if notif.Params.Result.Context != nil {
		info.Slot = notif.Params.Result.Context.Slot
	}

	select {
	case w.sigs <- info:
	case <-w.done:
	}
}

func (w *Watcher) pingLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.connMu.Lock()
			if w.conn != nil {
				w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
				w.conn.WriteMessage(websocket.PingMessage, nil)
			}
			w.connMu.Unlock()
		}
	}
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type wsNotification struct {
	Method string                `json:"method"`
	Params *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription int64 `json:"subscription"`
	Result       struct {
		Context *struct {
			Slot int64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Signature string   `json:"signature"`
			Logs      []string `json:"logs"`
			Err       any      `json:"err"`
		} `json:"value"`
	} `json:"result"`
}
