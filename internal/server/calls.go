package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/teris-io/shortid"
)

type CallState int

const (
	CallIdle CallState = iota
	CallRinging
	CallActive
	CallTerminated
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallRinging:
		return "ringing"
	case CallActive:
		return "active"
	case CallTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const maxParticipants = 2

// CallSession is a signaling session between at most two connections.
// participants[0] is always the initiator.
type CallSession struct {
	id           string
	calleeId     int
	createdAt    time.Time
	mu           sync.Mutex
	state        CallState
	participants []*Client
	ringTimer    *time.Timer
}

func (s *CallSession) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) isParticipant(c *Client) bool {
	return lo.Contains(s.participants, c)
}

func (s *CallSession) peerOf(c *Client) *Client {
	for _, p := range s.participants {
		if p != c {
			return p
		}
	}
	return nil
}

// CallBroker owns all call sessions and forwards opaque signaling payloads
// between the two participants of each.
type CallBroker struct {
	log         zerolog.Logger
	registry    *Registry
	stats       stats.StatsProvider
	ringTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*CallSession
}

func NewCallBroker(logger zerolog.Logger, registry *Registry, su stats.StatsProvider, ringTimeout time.Duration) *CallBroker {
	return &CallBroker{
		log:         logger,
		registry:    registry,
		stats:       su,
		ringTimeout: ringTimeout,
		sessions:    make(map[string]*CallSession),
	}
}

func newSessionId() string {
	id, err := shortid.Generate()
	if err != nil {
		return uuid.NewString()
	}
	return id
}

func (b *CallBroker) getSession(id string) *CallSession {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[id]
}

func (b *CallBroker) removeSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
}

func (b *CallBroker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// StartCall opens a ringing session owned by initiator. When calleeId is
// set, the callee's connections are notified of the incoming call. If no
// one joins within the ring timeout the session ends on its own.
func (b *CallBroker) StartCall(initiator *Client, calleeId int) string {
	s := &CallSession{
		id:           newSessionId(),
		calleeId:     calleeId,
		createdAt:    time.Now(),
		state:        CallRinging,
		participants: []*Client{initiator},
	}

	s.mu.Lock()
	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	b.stats.Incr(stats.ActiveCalls)
	initiator.addCall(s.id)
	if b.ringTimeout > 0 {
		s.ringTimer = time.AfterFunc(b.ringTimeout, func() { b.expire(s) })
	}
	s.mu.Unlock()

	b.log.Info().
		Str("session_id", s.id).
		Int("caller_id", initiator.UserId()).
		Int("callee_id", calleeId).
		Msg("call started")

	if calleeId > 0 {
		conns := lo.Without(b.registry.ConnectionsFor(calleeId), initiator)
		deliver(conns, incomingCall(s.id, initiator.UserId()))
	}

	return s.id
}

// JoinCall binds c as the second participant and activates the session.
func (b *CallBroker) JoinCall(sessionId string, c *Client) error {
	s := b.getSession(sessionId)
	if s == nil {
		return ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == CallTerminated:
		return ErrUnknownSession
	case s.isParticipant(c):
		return validationError("already a participant of session %q", sessionId)
	case len(s.participants) >= maxParticipants:
		return validationError("session %q is full", sessionId)
	case s.calleeId > 0 && s.calleeId != c.UserId():
		return newError(KindNotAParticipant, "call was placed to another user", nil)
	}

	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.participants = append(s.participants, c)
	s.state = CallActive
	c.addCall(s.id)

	s.participants[0].queueMessage(callJoined(s.id, c.UserId()))
	b.log.Info().
		Str("session_id", s.id).
		Int("user_id", c.UserId()).
		Msg("call joined")

	return nil
}

// Relay forwards payload from one participant to the other exactly as
// received. It reports whether the payload was delivered; payloads sent
// before anyone has joined are dropped.
func (b *CallBroker) Relay(sessionId string, from *Client, payload json.RawMessage) (bool, error) {
	s := b.getSession(sessionId)
	if s == nil {
		return false, ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == CallTerminated {
		return false, ErrUnknownSession
	}
	if !s.isParticipant(from) {
		return false, ErrNotAParticipant
	}

	kind, err := checkSignal(payload)
	if err != nil {
		return false, err
	}

	peer := s.peerOf(from)
	if peer == nil {
		b.log.Warn().
			Str("session_id", s.id).
			Str("signal", kind).
			Msg("no peer in session, dropping signal")
		return false, nil
	}

	return peer.queueMessage(signal(s.id, payload)), nil
}

// EndCall terminates the session on behalf of a participant and notifies
// the other one.
func (b *CallBroker) EndCall(sessionId string, from *Client) error {
	s := b.getSession(sessionId)
	if s == nil {
		return ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == CallTerminated {
		return ErrUnknownSession
	}
	if !s.isParticipant(from) {
		return ErrNotAParticipant
	}

	b.terminate(s, ReasonHangup, from)
	return nil
}

// Disconnect ends every session c takes part in. Each remaining peer is
// told exactly once.
func (b *CallBroker) Disconnect(c *Client) {
	for _, id := range c.callIds() {
		s := b.getSession(id)
		if s == nil {
			c.delCall(id)
			continue
		}

		s.mu.Lock()
		if s.state != CallTerminated && s.isParticipant(c) {
			b.terminate(s, ReasonDisconnect, c)
		}
		s.mu.Unlock()
		c.delCall(id)
	}
}

// Close ends all sessions.
func (b *CallBroker) Close() {
	b.mu.RLock()
	sessions := lo.Values(b.sessions)
	b.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.state != CallTerminated {
			b.terminate(s, ReasonShutdown, nil)
		}
		s.mu.Unlock()
	}
}

func (b *CallBroker) expire(s *CallSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != CallRinging {
		return
	}

	b.terminate(s, ReasonTimeout, nil)
}

// terminate must be called with s.mu held. Every participant other than
// except receives a callEnded event.
func (b *CallBroker) terminate(s *CallSession, reason CallEndReason, except *Client) {
	s.state = CallTerminated
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}

	b.removeSession(s.id)
	b.stats.Decr(stats.ActiveCalls)

	ended := callEnded(s.id, reason)
	for _, p := range s.participants {
		p.delCall(s.id)
		if p != except {
			p.queueMessage(ended)
		}
	}
	b.log.Info().
		Str("session_id", s.id).
		Str("reason", string(reason)).
		Dur("duration", time.Since(s.createdAt)).
		Msg("call ended")
}
