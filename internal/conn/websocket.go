package conn

import (
	"context"

	"github.com/coder/websocket"
	"github.com/velora-app/chatsync/internal/wire"
)

// WebsocketDialer dials the messaging gateway over websocket. Frames
// are JSON text messages.
type WebsocketDialer struct{}

// NewWebsocketDialer creates the production dialer.
func NewWebsocketDialer() WebsocketDialer {
	return WebsocketDialer{}
}

// Dial opens a websocket connection to the endpoint.
func (WebsocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	c, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: c}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) (*wire.Frame, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return wire.Decode(data)
}

func (t *wsTransport) WriteFrame(ctx context.Context, f *wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
