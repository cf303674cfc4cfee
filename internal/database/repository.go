package database

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/go-relay/internal/types"
)

// MessageStore is the durable storage gateway for direct messages.
type MessageStore interface {
	// InsertMessage persists a message and returns the id and creation
	// time assigned to it.
	InsertMessage(ctx context.Context, senderId, receiverId int, content string) (int, time.Time, error)
	// MessagesBetween returns every message exchanged between the two users
	// in either direction, ordered by creation time ascending.
	MessagesBetween(ctx context.Context, userA, userB int) ([]types.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the MessageStore for the named driver.
func Open(driver, dsn string) (MessageStore, error) {
	var (
		store MessageStore
		err   error
	)

	switch driver {
	case "postgres":
		store, err = NewPgMessageStore(dsn)
	case "sqlite":
		store, err = NewSqliteMessageStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	return store, nil
}

func now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
