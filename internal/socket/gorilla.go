package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait  = 10 * time.Second
	maxMessageBytes   = 1 << 20
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = 30 * time.Second
)

// GorillaFactory dials WebSocket connections with gorilla/websocket.
type GorillaFactory struct {
	Dialer *websocket.Dialer

	// Header supplies handshake headers, typically the bearer token.
	Header func() (http.Header, error)

	// PingInterval sends keepalive pings; zero uses 30s, negative disables.
	PingInterval time.Duration
	// PongTimeout is how long a connection may stay silent before the read fails.
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Dial implements Factory.
func (f *GorillaFactory) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	var header http.Header
	if f.Header != nil {
		h, err := f.Header()
		if err != nil {
			return nil, fmt.Errorf("build handshake header: %w", err)
		}
		header = h
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	pingInterval := f.PingInterval
	if pingInterval == 0 {
		pingInterval = defaultPingPeriod
	}
	pongWait := f.PongTimeout
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	writeWait := f.WriteTimeout
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn := &gorillaConn{
		ws:        ws,
		writeWait: writeWait,
		pongWait:  pongWait,
		done:      make(chan struct{}),
		logger:    logger,
	}
	ws.SetReadLimit(maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	if pingInterval > 0 {
		go conn.pingLoop(pingInterval)
	}
	return conn, nil
}

type gorillaConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
	pongWait  time.Duration
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, c.classify(err)
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		// any data frame proves the peer is alive
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait)) //nolint:errcheck
		return data, nil
	}
}

// classify maps a read failure onto CloseError. A close frame with any code
// other than 1006 is clean, as is a failure caused by our own Close.
func (c *gorillaConn) classify(err error) *CloseError {
	var wsClose *websocket.CloseError
	if errors.As(err, &wsClose) {
		return &CloseError{
			Code:     wsClose.Code,
			Reason:   wsClose.Text,
			WasClean: wsClose.Code != websocket.CloseAbnormalClosure,
		}
	}
	select {
	case <-c.done:
		return &CloseError{Code: CloseNormal, Reason: "closed by client", WasClean: true}
	default:
	}
	return &CloseError{Code: CloseAbnormal, Reason: err.Error(), WasClean: false}
}

func (c *gorillaConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)) //nolint:errcheck
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait)) //nolint:errcheck
		err = c.ws.Close()
	})
	return err
}

func (c *gorillaConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
