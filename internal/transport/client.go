package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/routerstream/internal/broker"
	"github.com/rickgao/routerstream/internal/queue"
)

// ErrClientGone is returned by Send after the browser channel closed.
var ErrClientGone = errors.New("client disconnected")

// client is one browser channel. It implements broker.Sink.
type client struct {
	h      *Handler
	conn   *websocket.Conn
	out    *queue.Queue[[]byte]
	logger *slog.Logger

	session *broker.Session

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Handler, conn *websocket.Conn) *client {
	return &client{
		h:      h,
		conn:   conn,
		out:    queue.New[[]byte](64, h.cfg.SendQueueLimit),
		logger: h.logger,
		done:   make(chan struct{}),
	}
}

// Send implements broker.Sink. It never blocks; a full queue is a failed
// delivery.
func (c *client) Send(n broker.Notice) error {
	data, err := encodeNotice(n)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *client) enqueue(data []byte) error {
	if err := c.out.Send(data); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return ErrClientGone
		}
		return err
	}
	return nil
}

// run serves the channel until the browser goes away.
func (c *client) run() {
	sess, err := c.h.broker.Open(c)
	if err != nil {
		c.logger.Warn("rejecting client", "error", err)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
		return
	}
	c.session = sess
	c.logger = c.logger.With("session", sess.ID)
	c.logger.Info("client connected", "remote", c.conn.RemoteAddr().String())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.pingLoop()
	}()

	c.readLoop()

	c.close()
	c.h.broker.Close(sess.ID)
	wg.Wait()
	c.logger.Info("client disconnected")
}

// close stops the writer and drops the socket. Safe to call more than once.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.out.Close()
		c.conn.Close()
	})
}

func (c *client) readLoop() {
	cfg := c.h.cfg
	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(cfg.MaxMessageSize)
	}
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("client read error", "error", err)
			}
			return
		}
		c.extendDeadline()
		c.handle(data)
	}
}

func (c *client) extendDeadline() {
	if c.h.cfg.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.h.cfg.ReadTimeout))
	}
}

// writeLoop is the only writer of data frames.
func (c *client) writeLoop() {
	for {
		data, ok := c.out.Receive()
		if !ok {
			return
		}
		if c.h.cfg.WriteTimeout > 0 {
			c.conn.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteTimeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("client write failed", "error", err)
			c.close()
			return
		}
	}
}

func (c *client) pingLoop() {
	if c.h.cfg.PingInterval <= 0 {
		<-c.done
		return
	}
	ticker := time.NewTicker(c.h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.h.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("client ping failed", "error", err)
				c.close()
				return
			}
		}
	}
}

// handle dispatches one inbound frame.
func (c *client) handle(data []byte) {
	msg, err := decodeInbound(data)
	if err != nil {
		c.reject(msg, err)
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		req, err := msg.subscribeRequest()
		if err != nil {
			c.reject(msg, err)
			return
		}
		if _, err := c.h.broker.Subscribe(c.session.ID, req); err != nil {
			c.reject(msg, err)
		}

	case TypeUnsubscribe:
		if !c.h.broker.Unsubscribe(c.session.ID, msg.StreamID) {
			c.logger.Debug("unsubscribe for unknown stream", "stream_id", msg.StreamID)
		}

	case TypeExec:
		req, err := msg.execRequest()
		if err == nil {
			_, err = c.h.broker.Execute(c.session.ID, req)
		}
		if err != nil {
			// A malformed exec is a channel protocol error; exec:error
			// settles the client's pending call.
			if broker.KindOf(err, broker.KindProtocol) == broker.KindProtocol {
				c.reject(msg, err)
			}
			c.enqueue(execError(err, msg.ExecID))
		}

	case TypeStats:
		c.sendStats()
	}
}

// reject answers a message the broker never accepted.
func (c *client) reject(msg *inbound, err error) {
	if broker.KindOf(err, broker.KindProtocol) == broker.KindProtocol {
		c.h.metrics.ProtocolError()
	}
	var streamID, path string
	if msg != nil {
		streamID = msg.StreamID
		path = joinPaths(msg.Path)
	}
	c.logger.Debug("rejected client message", "error", err, "stream_id", streamID)
	if qerr := c.enqueue(channelError(err, streamID, path)); qerr != nil {
		c.logger.Debug("error frame not queued", "error", qerr)
	}
}

func (c *client) sendStats() {
	res := statsResult{
		Type:    TypeStatsResult,
		Stats:   c.h.broker.Stats(),
		Clients: c.h.Clients(),
		Details: c.h.broker.Streams(),
	}
	data, err := json.Marshal(res)
	if err != nil {
		c.logger.Warn("encode stats", "error", err)
		return
	}
	c.enqueue(data)
}
