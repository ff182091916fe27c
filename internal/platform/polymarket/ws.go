package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// QuoteHandler is called with a fresh quote whenever a book snapshot arrives
// on the market channel.
type QuoteHandler func(domain.Quote)

// WSClient is a WebSocket client for the Polymarket CLOB market channel. It
// manages the connection lifecycle, per-token subscriptions, and dispatches
// book snapshots to registered handlers as quotes.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Asset IDs to restore on reconnect.
	subscribed map[string]struct{}

	handlerMu     sync.RWMutex
	quoteHandlers []QuoteHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a WebSocket client for the given market channel URL,
// e.g. "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL:      wsURL,
		subscribed: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and restores any prior
// subscriptions.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	if len(w.subscribed) > 0 {
		assets := make([]string, 0, len(w.subscribed))
		for id := range w.subscribed {
			assets = append(assets, id)
		}
		cmd := WSCommand{Type: "subscribe", Assets: assets}
		if err := w.sendCommand(cmd); err != nil {
			return fmt.Errorf("polymarket/ws: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to book updates for the given asset IDs.
func (w *WSClient) Subscribe(ctx context.Context, assetIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	cmd := WSCommand{Type: "subscribe", Assets: assetIDs}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}

	for _, id := range assetIDs {
		w.subscribed[id] = struct{}{}
	}
	return nil
}

// Unsubscribe stops book updates for the given asset IDs.
func (w *WSClient) Unsubscribe(ctx context.Context, assetIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	cmd := WSCommand{Type: "unsubscribe", Assets: assetIDs}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
	}

	for _, id := range assetIDs {
		delete(w.subscribed, id)
	}
	return nil
}

// OnQuote registers a handler called for every book snapshot received.
func (w *WSClient) OnQuote(handler QuoteHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.quoteHandlers = append(w.quoteHandlers, handler)
}

// Close shuts down the WebSocket connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd WSCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from the WebSocket and dispatches
// them to handlers. On disconnect, it attempts to reconnect with exponential
// backoff.
func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}

			w.reconnect()
			return // readLoop is restarted by reconnect -> Connect
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw market-channel frame and dispatches book
// snapshots as quotes. The market channel may deliver frames as a single
// object or a batch array.
func (w *WSClient) handleMessage(raw []byte) {
	var batch []json.RawMessage
	if err := json.Unmarshal(raw, &batch); err != nil {
		batch = []json.RawMessage{raw}
	}

	for _, frame := range batch {
		var envelope struct {
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal(frame, &envelope); err != nil {
			continue // silently drop unparseable frames
		}

		if envelope.EventType != "book" {
			continue
		}

		var book WSBookMessage
		if err := json.Unmarshal(frame, &book); err != nil {
			continue
		}
		quote := book.ToDomainQuote()

		w.handlerMu.RLock()
		handlers := w.quoteHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(quote)
		}
	}
}

// reconnect attempts to re-establish the WebSocket connection with
// exponential backoff. It blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
