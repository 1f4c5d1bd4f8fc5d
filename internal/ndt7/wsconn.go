package ndt7

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the part of *websocket.Conn the subtests use.
type wsConn interface {
	NextReader() (int, io.Reader, error)
	SetReadDeadline(time.Time) error
	SetReadLimit(int64)
	SetWriteDeadline(time.Time) error
	WritePreparedMessage(*websocket.PreparedMessage) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, rawURL string) (wsConn, error)

func (c *Client) dialWebsocket(ctx context.Context, rawURL string) (wsConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: paramHandshakeTimeout,
		ReadBufferSize:   paramMaxBufferSize,
		WriteBufferSize:  paramMaxBufferSize,
	}
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", subprotocol)
	headers.Add("User-Agent", c.UserAgent)
	c.Logger.Debug("websocket dial", "url", redactQuery(rawURL))
	conn, _, err := dialer.DialContext(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func closeConn(conn wsConn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(paramCloseGrace))
	_ = conn.Close()
}
