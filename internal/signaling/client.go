package signaling

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// connect dials the host's signaling endpoint, presenting pin as a query
// parameter, e.g. wss://example.devtunnels.ms/ws?pin=1234.
func connect(ctx context.Context, wsURL, pin string) (*websocket.Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket URL %q: %w", wsURL, err)
	}
	q := u.Query()
	q.Set("pin", pin)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}
