package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/npezzotti/go-relay/internal/types"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	storageTimeout = 10 * time.Second
)

// Client is a single live websocket connection. A connection is anonymous
// until it authenticates; one user may hold many connections.
type Client struct {
	id   string
	conn *websocket.Conn
	cs   *Coordinator
	log  zerolog.Logger
	send *outboundQueue

	userLock sync.RWMutex
	user     types.User
	authed   bool

	calls     map[string]struct{}
	callsLock sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	stop      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, cs *Coordinator, queueSize int) *Client {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:     id,
		conn:   conn,
		cs:     cs,
		log:    cs.log.With().Str("conn_id", id).Logger(),
		send:   newOutboundQueue(queueSize),
		calls:  make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) User() (types.User, bool) {
	c.userLock.RLock()
	defer c.userLock.RUnlock()
	return c.user, c.authed
}

func (c *Client) UserId() int {
	c.userLock.RLock()
	defer c.userLock.RUnlock()
	return c.user.Id
}

func (c *Client) setUser(u types.User) {
	c.userLock.Lock()
	defer c.userLock.Unlock()
	c.user = u
	c.authed = true
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case <-c.send.ready:
			for {
				msg, ok := c.send.pop()
				if !ok {
					break
				}

				bytes, err := serializeMessage(msg)
				if err != nil {
					c.log.Error().Err(err).Msg("failed to serialize message")
					continue
				}

				if !c.sendMessage(websocket.TextMessage, bytes) {
					return
				}
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.cs.disconnect(c)
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		c.log.Debug().Str("raw", string(raw)).Msg("received message")
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}

		msg.Timestamp = Now()
		c.cs.dispatch(c, &msg)
	}
}

// queueMessage hands msg to the connection's writer. It reports false when
// the connection is gone; delivery to a dead connection is dropped.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	ok, dropped := c.send.push(msg)
	if !ok {
		c.log.Debug().Err(ErrTransport).Msg("connection closed, dropping event")
		return false
	}

	if dropped {
		c.cs.stats.Incr(stats.EventsDropped)
		c.log.Warn().Msg("outbound queue full, dropped oldest event")
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

// close stops all further delivery and tears down the socket. Safe to call
// more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.send.close()
		c.cancel()
		close(c.stop)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) addCall(id string) {
	c.callsLock.Lock()
	defer c.callsLock.Unlock()
	c.calls[id] = struct{}{}
}

func (c *Client) delCall(id string) {
	c.callsLock.Lock()
	defer c.callsLock.Unlock()
	delete(c.calls, id)
}

func (c *Client) callIds() []string {
	c.callsLock.Lock()
	defer c.callsLock.Unlock()

	ids := make([]string, 0, len(c.calls))
	for id := range c.calls {
		ids = append(ids, id)
	}
	return ids
}
