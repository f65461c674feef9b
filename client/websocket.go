package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultHandshakeTimeout = 45 * time.Second

// wsTransport wraps a websocket connection carrying one negotiated
// subprotocol. Writes are serialized; reads belong to the single dispatch
// goroutine.
type wsTransport struct {
	conn     *websocket.Conn
	protocol Protocol
	writeMu  sync.Mutex
}

// buildWebSocketURL accepts a bare host:port, an http(s) URL, or a ws(s)
// URL and returns the subscribe endpoint for the module.
func buildWebSocketURL(host, module string) (string, error) {
	raw := host
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid host scheme %q", u.Scheme)
	}
	u.Path = fmt.Sprintf("/v1/database/%s/subscribe", module)
	return u.String(), nil
}

// dialWebSocket establishes the websocket connection and negotiates the
// subprotocol. The subprotocol travels via the dialer; extra headers come
// from the connection builder.
func dialWebSocket(ctx context.Context, host, module, token string, protocol Protocol, header http.Header, handshakeTimeout time.Duration) (*wsTransport, error) {
	wsURL, err := buildWebSocketURL(host, module)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	for k, vs := range header {
		headers[k] = append([]string(nil), vs...)
	}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{string(protocol)},
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed: status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("error connecting to websocket: %w", err)
	}
	return &wsTransport{conn: conn, protocol: protocol}, nil
}

// send writes one complete frame, text or binary per the negotiated
// protocol. Safe for concurrent callers.
func (t *wsTransport) send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	msgType := websocket.TextMessage
	if t.protocol.IsBinary() {
		msgType = websocket.BinaryMessage
	}
	return t.conn.WriteMessage(msgType, data)
}

// receive blocks for the next complete frame. Only the dispatch goroutine
// may call it.
func (t *wsTransport) receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// gracefulClose sends a normal-closure message, gives the peer a moment to
// respond, then tears the connection down.
func (t *wsTransport) gracefulClose() error {
	t.writeMu.Lock()
	err := t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		t.conn.Close()
		return fmt.Errorf("error sending close message: %w", err)
	}
	time.Sleep(100 * time.Millisecond)
	return t.conn.Close()
}

// close tears the connection down without the closing handshake.
func (t *wsTransport) close() error {
	return t.conn.Close()
}
