package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultMaxMessageSize bounds a single inbound frame on the persistent connection.
	DefaultMaxMessageSize int64 = 16 << 20
	// DefaultHandshakeTimeout bounds the persistent connection handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds a single outbound frame on the persistent
	// connection.
	DefaultWriteTimeout = 10 * time.Second

	websocketPath = "/take/ws"
)

// Conn is a persistent, message-oriented connection to the queue server.
// A Session reads from one goroutine and writes from another; implementations
// must allow that. Close must unblock a pending ReadMessage and WriteMessage.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc opens a new Conn. Sessions call it once per connection attempt.
type DialFunc func(ctx context.Context) (Conn, error)

// WebSocketDialer opens persistent connections over WebSocket.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint, normally derived with WebSocketURL.
	URL string
	// Header is sent with the handshake (authorization, user agent).
	Header http.Header
	// MaxMessageSize caps inbound frames. Zero uses DefaultMaxMessageSize.
	MaxMessageSize int64
	// HandshakeTimeout bounds the upgrade. Zero uses DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each outbound frame. Zero uses DefaultWriteTimeout.
	WriteTimeout time.Duration
}

// Dial implements DialFunc.
func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, errors.New("wantq: websocket url required")
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wantq: websocket handshake %s: status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("wantq: websocket dial %s: %w", d.URL, err)
	}
	limit := d.MaxMessageSize
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	ws.SetReadLimit(limit)
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &wsConn{ws: ws, writeTimeout: writeTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	// Cancellation drops the socket: a frame cut short leaves the stream
	// unusable anyway, and a peer that stopped reading must not hold the write.
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.UnderlyingConn().Close()
	})
	defer stop()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Close may run while a write is blocked; WriteControl and Close are safe to
// call concurrently with WriteMessage.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// WebSocketURL derives the persistent connection endpoint from an HTTP base URL.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("wantq: parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("wantq: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("wantq: base url %q has no host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + websocketPath
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}

func basicAuthHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
