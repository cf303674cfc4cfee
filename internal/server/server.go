package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-relay/internal/auth"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/rs/zerolog"
)

type Options struct {
	MaxContentLength  int
	RingTimeout       time.Duration
	OutboundQueueSize int
}

type handlerFunc func(c *Client, msg *ClientMessage, ev any) error

// Coordinator owns the connection lifecycle. It authenticates connections,
// routes their events to the relay or the call broker and cleans up after
// them when they go away.
type Coordinator struct {
	log       zerolog.Logger
	registry  *Registry
	relay     *MessageRelay
	calls     *CallBroker
	verifier  auth.TokenVerifier
	stats     stats.StatsProvider
	queueSize int
	handlers  map[EventType]handlerFunc

	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	closing     bool
	wg          sync.WaitGroup
}

func NewCoordinator(logger zerolog.Logger, store database.MessageStore, verifier auth.TokenVerifier, su stats.StatsProvider, opts Options) *Coordinator {
	registry := NewRegistry(logger)
	cs := &Coordinator{
		log:       logger,
		registry:  registry,
		relay:     NewMessageRelay(logger, store, registry, su, opts.MaxContentLength),
		calls:     NewCallBroker(logger, registry, su, opts.RingTimeout),
		verifier:  verifier,
		stats:     su,
		queueSize: opts.OutboundQueueSize,
		clients:   make(map[*Client]struct{}),
	}

	cs.handlers = map[EventType]handlerFunc{
		EventAuthenticate: cs.handleAuthenticate,
		EventSendMessage:  cs.handleSendMessage,
		EventHistory:      cs.handleHistory,
		EventStartCall:    cs.handleStartCall,
		EventJoinCall:     cs.handleJoinCall,
		EventRelaySignal:  cs.handleRelaySignal,
		EventEndCall:      cs.handleEndCall,
	}

	return cs
}

func (cs *Coordinator) Registry() *Registry {
	return cs.registry
}

func (cs *Coordinator) Relay() *MessageRelay {
	return cs.relay
}

func (cs *Coordinator) Calls() *CallBroker {
	return cs.calls
}

// Accept starts serving an upgraded websocket connection. The connection
// stays anonymous until it sends an authenticate event.
func (cs *Coordinator) Accept(conn *websocket.Conn) *Client {
	c := NewClient(conn, cs, cs.queueSize)
	if !cs.addClient(c) {
		c.log.Info().Msg("rejecting connection during shutdown")
		c.close()
		return c
	}

	cs.wg.Add(1)
	go c.Write()
	go func() {
		defer cs.wg.Done()
		c.Read()
	}()

	c.log.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("accepted connection")
	return c
}

func (cs *Coordinator) addClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if cs.closing {
		return false
	}

	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.ActiveConnections)
	return true
}

func (cs *Coordinator) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(stats.ActiveConnections)
	}
}

// disconnect runs once a connection's reader has exited. Delivery to the
// connection stops before it leaves the registry, and every call it was in
// is ended.
func (cs *Coordinator) disconnect(c *Client) {
	c.close()
	cs.registry.Unregister(c)
	cs.calls.Disconnect(c)
	cs.removeClient(c)

	user, _ := c.User()
	c.log.Info().Int("user_id", user.Id).Msg("connection closed")
}

func (cs *Coordinator) dispatch(c *Client, msg *ClientMessage) {
	typ, ev, err := msg.Event()
	if err == nil {
		err = cs.handle(c, msg, typ, ev)
	}

	if err != nil {
		c.log.Debug().Err(err).Int("msg_id", msg.Id).Str("event", string(typ)).Msg("event failed")
		c.queueMessage(ErrResponse(msg.Id, err))
	}
}

func (cs *Coordinator) handle(c *Client, msg *ClientMessage, typ EventType, ev any) error {
	if _, authed := c.User(); !authed && typ != EventAuthenticate {
		return newError(KindUnauthenticated, "authenticate before sending "+string(typ), nil)
	}

	if err := validateEvent(ev); err != nil {
		return err
	}

	return cs.handlers[typ](c, msg, ev)
}

func (cs *Coordinator) handleAuthenticate(c *Client, msg *ClientMessage, ev any) error {
	req := ev.(*Authenticate)

	user, err := cs.verifier.VerifyToken(req.Token)
	if err != nil {
		return newError(KindAuth, "invalid token", err)
	}

	if current, authed := c.User(); authed && current.Id != user.Id {
		return newError(KindAuth, "connection is already authenticated", nil)
	}

	c.setUser(user)
	cs.registry.Register(c, user.Id)
	c.queueMessage(NoErrOK(msg.Id, map[string]any{"user": user}))

	return nil
}

func (cs *Coordinator) handleSendMessage(c *Client, msg *ClientMessage, ev any) error {
	req := ev.(*SendMessage)

	ctx, cancel := context.WithTimeout(c.ctx, storageTimeout)
	defer cancel()

	m, err := cs.relay.HandleSend(ctx, c.UserId(), req.ReceiverId, req.Content)
	if err != nil {
		return err
	}

	c.queueMessage(NoErrAccepted(msg.Id, map[string]any{"message_id": m.Id}))
	return nil
}

func (cs *Coordinator) handleHistory(c *Client, msg *ClientMessage, ev any) error {
	req := ev.(*History)

	ctx, cancel := context.WithTimeout(c.ctx, storageTimeout)
	defer cancel()

	msgs, err := cs.relay.HandleHistory(ctx, c.UserId(), req.ContactId)
	if err != nil {
		return err
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"messages": msgs}))
	return nil
}

func (cs *Coordinator) handleStartCall(c *Client, msg *ClientMessage, ev any) error {
	req := ev.(*StartCall)
	if req.CalleeId == c.UserId() {
		return validationError("cannot call yourself")
	}

	id := cs.calls.StartCall(c, req.CalleeId)
	c.queueMessage(NoErrOK(msg.Id, map[string]any{"session_id": id}))
	return nil
}

func (cs *Coordinator) handleJoinCall(c *Client, msg *ClientMessage, ev any) error {
	req := ev.(*JoinCall)
	if err := cs.calls.JoinCall(req.SessionId, c); err != nil {
		return err
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"session_id": req.SessionId}))
	return nil
}

func (cs *Coordinator) handleRelaySignal(c *Client, msg *ClientMessage, ev any) error {
	req := ev.(*RelaySignal)
	delivered, err := cs.calls.Relay(req.SessionId, c, req.Payload)
	if err != nil {
		return err
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"delivered": delivered}))
	return nil
}

func (cs *Coordinator) handleEndCall(c *Client, msg *ClientMessage, ev any) error {
	req := ev.(*EndCall)
	if err := cs.calls.EndCall(req.SessionId, c); err != nil {
		return err
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
	return nil
}

// Shutdown ends all calls, closes every connection and waits for their
// readers to exit.
func (cs *Coordinator) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("shutting down coordinator")

	cs.clientsLock.Lock()
	cs.closing = true
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.Unlock()

	cs.calls.Close()
	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
