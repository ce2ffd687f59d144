package signal

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/core"
)

const writeWait = 5 * time.Second

// serve runs the pumps of one connection and returns once it is gone.
func (c *Channel) serve(conn *websocket.Conn) {
	lost := make(chan struct{})
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump(conn, lost)
	}()
	c.readPump(conn)
	close(lost)
	<-written
	_ = conn.Close()
}

func (c *Channel) writePump(conn *websocket.Conn, lost <-chan struct{}) {
	if c.carry != nil {
		if err := c.write(conn, c.carry); err != nil {
			_ = conn.Close()
			return
		}
		c.carry = nil
	}
	for {
		select {
		case <-c.ctx.Done():
			c.flush(conn)
			return
		case <-lost:
			return
		case f := <-c.send:
			if err := c.write(conn, f); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("session", string(c.sid)).Msg("writePump write error")
				c.carry = f
				_ = conn.Close()
				return
			}
		}
	}
}

// flush writes whatever is still queued, then says goodbye to the hub.
func (c *Channel) flush(conn *websocket.Conn) {
	defer func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}()
	for {
		select {
		case f := <-c.send:
			if err := c.write(conn, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, f core.Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, f)
}

func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(c.a.opts.ReadLimit)
	timeout := c.a.opts.ReadTimeout
	extend := func() {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
	}
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "signal").Str("session", string(c.sid)).Msg("readPump read error")
			}
			return
		}
		extend()
		msg, err := core.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("session", string(c.sid)).Msg("bad frame")
			continue
		}
		c.deliver(msg)
	}
}
