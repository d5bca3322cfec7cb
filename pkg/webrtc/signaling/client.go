package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"meetsync/pkg/metrics"
	"meetsync/pkg/webrtc/protocol"
)

type client struct {
	id             string
	conn           *websocket.Conn
	queue          *sendQueue
	limiter        *rate.Limiter
	externalUserID *string
	allowedRoom    string
	ctx            context.Context
	cancel         context.CancelFunc
	kickOnce       sync.Once
}

// kick cancels pending sends and closes the socket, which ends readPump and
// runs the hub's disconnect path.
func (c *client) kick() {
	c.kickOnce.Do(func() {
		c.queue.Close()
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.kick()
	}()

	c.conn.SetReadLimit(h.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) && c.ctx.Err() == nil {
				h.logger.Printf("read error from %s: %v", c.id, err)
			}
			return
		}

		// Over the rate the loop stops reading; the message still goes through
		// in order once a token is free.
		if !c.limiter.Allow() {
			h.metrics.Throttled()
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
		}

		var msg protocol.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Printf("bad payload from %s: %v", c.id, err)
			h.metrics.Dropped(metrics.DropBadPayload)
			continue
		}
		h.handleInbound(c, msg)
	}
}

func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.kick()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeTimeout))
			return
		case <-c.queue.Ready():
			for _, msg := range c.queue.Drain() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.logger.Printf("write error to %s: %v", c.id, err)
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
