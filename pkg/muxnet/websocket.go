package muxnet

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a gorilla WebSocket connection to the byte-stream
// carrier contract a Runner expects. Each Write becomes one binary WebSocket
// message; Reads drain binary messages in order, preserving the byte stream.
// Not safe for concurrent Reads or concurrent Writes, matching the
// underlying websocket.Conn.
type WebSocketConn struct {
	wsConn *websocket.Conn
	rdr    io.Reader
}

// NewWebSocketConn wraps wsConn. The WebSocketConn becomes the owner of
// wsConn and is responsible for closing it.
func NewWebSocketConn(wsConn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{wsConn: wsConn}
}

// Read implements io.Reader over the sequence of binary messages.
func (c *WebSocketConn) Read(p []byte) (int, error) {
	for {
		if c.rdr == nil {
			msgType, rdr, err := c.wsConn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.rdr = rdr
		}
		n, err := c.rdr.Read(p)
		if err == io.EOF {
			c.rdr = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Write implements io.Writer; p is sent as one binary message.
func (c *WebSocketConn) Write(p []byte) (int, error) {
	if err := c.wsConn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying WebSocket.
func (c *WebSocketConn) Close() error {
	return c.wsConn.Close()
}

// DialWebSocket establishes a WebSocket carrier to a ws:// or wss:// URL.
// header may be nil.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketConn, error) {
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
	}
	wsConn, resp, err := d.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWebSocketConn(wsConn), nil
}
