package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging/internal/events"
	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging/internal/metrics"
)

// inbound is the superset of messages accepted from the client.  Anything
// else is ignored.
type inbound struct {
	Kind string `json:"kind"`
	Seq  int64  `json:"seq,omitempty"`
}

// frame is the envelope for non-event server messages (heartbeat, pong).
type frame struct {
	Kind string    `json:"kind"`
	TS   time.Time `json:"ts"`
}

// client is one live gateway connection.  Two goroutines per connection:
// readPump handles inbound ping/ack frames and the stale-connection
// deadline; writePump is the only writer on the socket, forwarding bus
// events, heartbeats, and pong replies.
type client struct {
	gw     *Gateway
	conn   *websocket.Conn
	sub    *events.Subscription
	pongs  chan struct{}
	logger *zap.Logger
}

func (c *client) run() {
	metrics.WSConnected()
	defer metrics.WSDisconnected()

	go c.writePump()
	c.readPump()
}

// staleAfter is the reaper deadline: a connection that sends nothing (no
// ack, no ping) for twice the heartbeat interval is considered dead.
func (c *client) staleAfter() time.Duration { return 2 * c.gw.heartbeat }

func (c *client) readPump() {
	defer func() {
		c.gw.bus.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.staleAfter())); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.staleAfter()))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Debug("ws closed", zap.Error(err))
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.staleAfter())); err != nil {
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Kind {
		case "ping":
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		case "ack":
			c.sub.Ack(msg.Seq)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.gw.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C():
			if !ok {
				c.closeFrame()
				return
			}
			if err := c.writeJSON(ev); err != nil {
				c.logger.Debug("ws write", zap.Error(err))
				return
			}
			if ev.Kind == jobstore.KindTerminal {
				// The subscription closes itself right after the terminal
				// event; drain the closure and finish with a normal close.
				<-c.sub.C()
				c.closeFrame()
				return
			}

		case <-c.pongs:
			if err := c.writeJSON(frame{Kind: "pong", TS: time.Now().UTC()}); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.writeJSON(frame{Kind: string(jobstore.KindHeartbeat), TS: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

func (c *client) writeJSON(v any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// closeFrame tells the peer why the stream ended: a normal close after the
// terminal event or an unsubscribe, a try-again-later close on eviction.
func (c *client) closeFrame() {
	code := websocket.CloseNormalClosure
	reason := ""
	if err := c.sub.Err(); err != nil && fault.CodeOf(err) == fault.SlowConsumer {
		code = websocket.CloseTryAgainLater
		reason = string(fault.SlowConsumer)
	}
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
