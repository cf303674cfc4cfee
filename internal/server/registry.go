package server

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Registry maps authenticated users to their live connections. Lookups
// return snapshots so callers never deliver while holding the lock.
type Registry struct {
	log   zerolog.Logger
	mu    sync.RWMutex
	conns map[*Client]int
	users map[int][]*Client
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		log:   logger,
		conns: make(map[*Client]int),
		users: make(map[int][]*Client),
	}
}

// Register binds c to userId. Registering an already registered connection
// is a no-op.
func (r *Registry) Register(c *Client, userId int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; ok {
		return false
	}

	r.conns[c] = userId
	r.users[userId] = append(r.users[userId], c)
	r.log.Debug().
		Str("conn_id", c.id).
		Int("user_id", userId).
		Int("user_connections", len(r.users[userId])).
		Msg("registered connection")

	return true
}

func (r *Registry) Unregister(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	userId, ok := r.conns[c]
	if !ok {
		r.log.Debug().Str("conn_id", c.id).Msg("unregister of unknown connection")
		return false
	}

	delete(r.conns, c)
	remaining := lo.Without(r.users[userId], c)
	if len(remaining) == 0 {
		delete(r.users, userId)
	} else {
		r.users[userId] = remaining
	}

	r.log.Debug().Str("conn_id", c.id).Int("user_id", userId).Msg("unregistered connection")
	return true
}

// ConnectionsFor returns the live connections of userId in registration
// order.
func (r *Registry) ConnectionsFor(userId int) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.users[userId])
}

func (r *Registry) IsOnline(userId int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userId]) > 0
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendTo delivers msg to a single connection. A closed connection yields
// false and the event is dropped.
func (r *Registry) SendTo(c *Client, msg *ServerMessage) bool {
	return c.queueMessage(msg)
}

// SendToUser delivers msg to every live connection of userId and returns
// how many accepted it.
func (r *Registry) SendToUser(userId int, msg *ServerMessage) int {
	return deliver(r.ConnectionsFor(userId), msg)
}

// BroadcastAll delivers msg to every registered connection.
func (r *Registry) BroadcastAll(msg *ServerMessage) int {
	r.mu.RLock()
	conns := lo.Keys(r.conns)
	r.mu.RUnlock()

	return deliver(conns, msg)
}

func deliver(conns []*Client, msg *ServerMessage) int {
	var n int
	for _, c := range conns {
		if c.queueMessage(msg) {
			n++
		}
	}
	return n
}
