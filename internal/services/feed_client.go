package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/observability"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 25 * time.Second
	feedReadLimit  = 512 * 1024
)

// feedSubscribeMsg is the first frame sent after connecting; the server
// scopes the stream to this filter.
type feedSubscribeMsg struct {
	Type   string              `json:"type"`
	Filter models.ChangeFilter `json:"filter"`
}

// WebSocketFeed implements the change feed over a websocket connection
// to a relay server, for deployments without direct database access.
// Satisfies repository.ChangeFeed.
type WebSocketFeed struct {
	url    string
	logger *observability.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	handler func(models.ChangeNotification)

	// onDisconnect fires when the read loop dies; the connection
	// monitor uses it to drive reconnection.
	onDisconnect func()
}

func NewWebSocketFeed(url string, logger *observability.Logger) *WebSocketFeed {
	return &WebSocketFeed{url: url, logger: logger}
}

// SetOnDisconnect wires the loss-of-stream callback
func (f *WebSocketFeed) SetOnDisconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = fn
}

// Subscribe dials the relay, sends the filter, and starts the read and
// ping loops. Idempotent while a connection is live.
func (f *WebSocketFeed) Subscribe(ctx context.Context, filter models.ChangeFilter, handler func(models.ChangeNotification)) error {
	f.mu.Lock()
	if f.conn != nil {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial feed %s: %w", f.url, err)
	}

	conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	if err := conn.WriteJSON(feedSubscribeMsg{Type: "subscribe", Filter: filter}); err != nil {
		conn.Close()
		return fmt.Errorf("send feed filter: %w", err)
	}

	done := make(chan struct{})
	f.mu.Lock()
	f.conn = conn
	f.done = done
	f.handler = handler
	f.mu.Unlock()

	go f.readPump(conn, done)
	go f.pingLoop(conn, done)
	return nil
}

// Unsubscribe tears the connection down without firing onDisconnect
func (f *WebSocketFeed) Unsubscribe() error {
	f.mu.Lock()
	conn := f.conn
	done := f.done
	f.conn = nil
	f.done = nil
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(done)
	conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (f *WebSocketFeed) readPump(conn *websocket.Conn, done chan struct{}) {
	conn.SetReadLimit(feedReadLimit)
	conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Warnf("feed connection lost: %v", err)
			}
			break
		}

		var n models.ChangeNotification
		if err := json.Unmarshal(message, &n); err != nil {
			f.logger.Debugf("dropping malformed feed frame: %v", err)
			continue
		}

		f.mu.Lock()
		handler := f.handler
		f.mu.Unlock()
		if handler != nil {
			handler(n)
		}
	}

	f.mu.Lock()
	deliberate := f.conn != conn // Unsubscribe already detached it
	if !deliberate {
		f.conn = nil
		f.done = nil
		close(done)
	}
	onDisconnect := f.onDisconnect
	f.mu.Unlock()

	conn.Close()
	if !deliberate && onDisconnect != nil {
		onDisconnect()
	}
}

func (f *WebSocketFeed) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
