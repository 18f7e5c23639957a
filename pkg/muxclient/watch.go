package muxclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is a bus event streamed by the gateway.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   struct {
		ID         string `json:"id"`
		From       string `json:"from,omitempty"`
		To         string `json:"to"`
		Active     string `json:"active,omitempty"`
		Error      string `json:"error,omitempty"`
		Code       string `json:"code,omitempty"`
		DurationMs int64  `json:"duration_ms"`
	} `json:"payload"`
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Watch streams events to fn until ctx is cancelled or the connection
// drops. A cancelled ctx returns nil.
func (c *Client) Watch(ctx context.Context, fn func(Event)) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	if c.token != "" {
		u.RawQuery = url.Values{"token": {c.token}}.Encode()
	}

	ws, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	for {
		var f frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if f.Type != "event" {
			continue
		}
		var ev Event
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			c.logger.Warn("undecodable event", "error", err)
			continue
		}
		fn(ev)
	}
}
