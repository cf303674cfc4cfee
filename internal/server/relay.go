package server

import (
	"context"
	"sync"
	"unicode/utf8"

	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/npezzotti/go-relay/internal/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type pairKey struct {
	sender   int
	receiver int
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// MessageRelay persists direct messages and fans them out to the live
// connections of both parties. A message is broadcast only after it has
// been stored, and messages between the same ordered pair of users are
// delivered in the order they were stored.
type MessageRelay struct {
	log              zerolog.Logger
	store            database.MessageStore
	registry         *Registry
	stats            stats.StatsProvider
	maxContentLength int

	pairsLock sync.Mutex
	pairs     map[pairKey]*pairLock
}

func NewMessageRelay(logger zerolog.Logger, store database.MessageStore, registry *Registry, su stats.StatsProvider, maxContentLength int) *MessageRelay {
	return &MessageRelay{
		log:              logger,
		store:            store,
		registry:         registry,
		stats:            su,
		maxContentLength: maxContentLength,
		pairs:            make(map[pairKey]*pairLock),
	}
}

func (r *MessageRelay) lockPair(k pairKey) func() {
	r.pairsLock.Lock()
	pl, ok := r.pairs[k]
	if !ok {
		pl = &pairLock{}
		r.pairs[k] = pl
	}
	pl.refs++
	r.pairsLock.Unlock()

	pl.mu.Lock()

	return func() {
		pl.mu.Unlock()

		r.pairsLock.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(r.pairs, k)
		}
		r.pairsLock.Unlock()
	}
}

func (r *MessageRelay) validate(senderId, receiverId int, content string) error {
	if senderId <= 0 {
		return validationError("sender is required")
	}
	if receiverId <= 0 {
		return validationError("receiver is required")
	}
	if content == "" {
		return validationError("content is required")
	}
	if n := utf8.RuneCountInString(content); n > r.maxContentLength {
		return validationError("content length %d exceeds maximum of %d", n, r.maxContentLength)
	}
	return nil
}

// HandleSend stores the message and then delivers it to every live
// connection of the sender and the receiver. Nothing is delivered if the
// write fails.
func (r *MessageRelay) HandleSend(ctx context.Context, senderId, receiverId int, content string) (types.Message, error) {
	if err := r.validate(senderId, receiverId, content); err != nil {
		return types.Message{}, err
	}

	unlock := r.lockPair(pairKey{sender: senderId, receiver: receiverId})
	defer unlock()

	id, createdAt, err := r.store.InsertMessage(ctx, senderId, receiverId, content)
	if err != nil {
		r.log.Error().Err(err).
			Int("sender_id", senderId).
			Int("receiver_id", receiverId).
			Msg("failed to persist message")
		return types.Message{}, newError(KindStorage, "failed to save message", err)
	}

	msg := types.Message{
		Id:         id,
		SenderId:   senderId,
		ReceiverId: receiverId,
		Content:    content,
		CreatedAt:  createdAt,
	}

	conns := r.registry.ConnectionsFor(senderId)
	if receiverId != senderId {
		conns = append(conns, r.registry.ConnectionsFor(receiverId)...)
	}
	conns = lo.Uniq(conns)

	delivered := deliver(conns, messageReceived(msg))
	r.stats.Incr(stats.MessagesRelayed)
	r.log.Debug().
		Int("message_id", id).
		Int("sender_id", senderId).
		Int("receiver_id", receiverId).
		Int("delivered", delivered).
		Msg("relayed message")

	return msg, nil
}

// HandleHistory returns the stored conversation between userId and
// contactId, oldest first.
func (r *MessageRelay) HandleHistory(ctx context.Context, userId, contactId int) ([]types.Message, error) {
	if userId <= 0 || contactId <= 0 {
		return nil, validationError("user and contact are required")
	}

	msgs, err := r.store.MessagesBetween(ctx, userId, contactId)
	if err != nil {
		r.log.Error().Err(err).
			Int("user_id", userId).
			Int("contact_id", contactId).
			Msg("failed to load history")
		return nil, newError(KindStorage, "failed to load messages", err)
	}

	return msgs, nil
}
