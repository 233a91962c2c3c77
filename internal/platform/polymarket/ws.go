package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polymirror/copytrader/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// BookHandler receives full book snapshots from the market channel.
type BookHandler func(msg WSBookMessage)

// PriceChangeHandler receives incremental level updates.
type PriceChangeHandler func(msg WSPriceChangeMessage)

// MarketStream is one WebSocket connection to the CLOB market data feed.
// It covers a single connect-subscribe-read cycle; reconnecting and
// re-subscribing belong to the owning feed loop.
type MarketStream struct {
	wsURL string

	mu   sync.Mutex
	conn *websocket.Conn

	onBook        BookHandler
	onPriceChange PriceChangeHandler
}

// NewMarketStream creates a market-data stream client. wsURL is the
// market channel endpoint, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewMarketStream(wsURL string, onBook BookHandler, onPriceChange PriceChangeHandler) *MarketStream {
	return &MarketStream{
		wsURL:         wsURL,
		onBook:        onBook,
		onPriceChange: onPriceChange,
	}
}

// Connect establishes the WebSocket connection.
func (m *MarketStream) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}

	conn, _, err := dialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return nil
}

// Subscribe asks for market-channel updates on the given asset ids. The
// venue treats each subscribe message as additive.
func (m *MarketStream) Subscribe(assetIDs []string) error {
	if len(assetIDs) == 0 {
		return nil
	}
	return m.send(WSCommand{AssetsIDs: assetIDs, Type: "market"})
}

func (m *MarketStream) send(cmd WSCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal command: %w", err)
	}
	m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/ws: send command: %w", err)
	}
	return nil
}

// Run reads and dispatches messages until the connection drops or ctx
// ends. It always returns a non-nil error; the caller decides whether to
// reconnect.
func (m *MarketStream) Run(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	done := make(chan struct{})
	defer close(done)
	go m.pingLoop(conn, done)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("polymarket/ws: read: %w", err)
		}
		m.dispatch(data)
	}
}

// dispatch routes one frame. The feed sends both bare objects and arrays
// of events in a single frame.
func (m *MarketStream) dispatch(data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return
		}
		for _, raw := range raws {
			m.dispatchOne(raw)
		}
		return
	}
	m.dispatchOne(data)
}

func (m *MarketStream) dispatchOne(data []byte) {
	var env WSEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.EventType {
	case "book":
		var msg WSBookMessage
		if err := json.Unmarshal(data, &msg); err == nil && m.onBook != nil {
			m.onBook(msg)
		}
	case "price_change":
		var msg WSPriceChangeMessage
		if err := json.Unmarshal(data, &msg); err == nil && m.onPriceChange != nil {
			m.onPriceChange(msg)
		}
	}
}

func (m *MarketStream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close shuts the connection down politely.
func (m *MarketStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil
	}
	_ = m.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	err := m.conn.Close()
	m.conn = nil
	return err
}
