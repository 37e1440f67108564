package syncmgr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-relay/internal/models"
)

// Transport is one live connection to the relay.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens transports to the relay.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WSDialer dials the relay's websocket endpoint.
type WSDialer struct {
	URL         string
	DeviceID    string
	DisplayName string
	Header      http.Header
	Dialer      *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context) (Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", models.ErrTransport, err)
	}
	q := u.Query()
	q.Set("deviceId", d.DeviceID)
	if d.DisplayName != "" {
		q.Set("displayName", d.DisplayName)
	}
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", models.ErrTransport, u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", models.ErrTransport, u.Host, err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	return nil
}

func (t *wsTransport) Receive(_ context.Context) ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
