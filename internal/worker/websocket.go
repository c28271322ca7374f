package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/wire"
	"github.com/gorilla/websocket"
)

var (
	errNotConnected = errors.New("not connected")
	errMalformed    = errors.New("malformed signal")
)

// WebSocketClient is one signaling connection to the host agent.
type WebSocketClient struct {
	url    string
	token  string
	logger *slog.Logger

	mu   sync.Mutex // guards conn and serialises writes
	conn *websocket.Conn
}

func NewWebSocketClient(serverURL, token string, logger *slog.Logger) *WebSocketClient {
	return &WebSocketClient{
		url:    serverURL,
		token:  token,
		logger: logger,
	}
}

func (c *WebSocketClient) Connect(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("Connecting to WebSocket", slog.String("url", u.String()))

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("WebSocket connected", slog.String("url", c.url))
	return nil
}

func (c *WebSocketClient) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// ReadSignal blocks for the next inbound message. Close unblocks it.
func (c *WebSocketClient) ReadSignal() (*wire.Message, error) {
	conn := c.current()
	if conn == nil {
		return nil, errNotConnected
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read signal: %w", err)
	}
	msg, err := wire.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformed, err)
	}

	c.logger.Debug("Received signal", slog.String("type", msg.Type), slog.String("call_id", msg.CallID))
	return msg, nil
}

func (c *WebSocketClient) WriteCommand(cmd *wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}

	c.logger.Debug("Sending command", slog.String("type", cmd.Type), slog.String("call_id", cmd.CallID))
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

func (c *WebSocketClient) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}

	c.logger.Info("Closing WebSocket connection")
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}
