package channel

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a websocket connection the manager drives.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(deadline time.Time) error
	Close() error
}

// Dialer opens a push channel to the given address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

type websocketDialer struct {
	dialer websocket.Dialer
}

// NewWebsocketDialer returns a gorilla/websocket backed Dialer.
func NewWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return &websocketDialer{
		dialer: websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *websocketDialer) Dial(ctx context.Context, address string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// closeCode extracts the peer's close code. Anything that is not a close frame
// counts as an abnormal closure.
func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}

func closeNormally(conn Conn, timeout time.Duration) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(timeout),
	)
	_ = conn.Close()
}
