package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Client dials the relay and keeps the connection alive, reconnecting with
// capped exponential backoff. All traffic is handed to the Manager.
type Client struct {
	url       string
	authToken string
	deviceID  int
	mgr       *Manager
	log       *zap.Logger
}

func NewClient(url, authToken string, deviceID int, mgr *Manager, log *zap.Logger) *Client {
	return &Client{
		url:       url,
		authToken: authToken,
		deviceID:  deviceID,
		mgr:       mgr,
		log:       log.Named("relay.client"),
	}
}

// Run dials and re-dials the relay until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		start := time.Now()
		if err := c.runOnce(ctx); err != nil {
			c.log.Warn("relay connection lost", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		// A connection that held for a while resets the backoff.
		if time.Since(start) > maxBackoff {
			backoff = initialBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.authToken)
	header.Set("X-Device-ID", fmt.Sprintf("%d", c.deviceID))

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mgr.connected(ws)
	defer c.mgr.disconnected()

	// Close the socket when ctx ends so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()

	for {
		var env envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("read relay frame: %w", err)
			}
			return nil
		}
		c.mgr.handleEnvelope(env)
	}
}
