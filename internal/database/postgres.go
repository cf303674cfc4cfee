package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/go-relay/internal/types"
)

const (
	pgSchema = `
		CREATE TABLE IF NOT EXISTS messages (
			id          SERIAL PRIMARY KEY,
			sender_id   INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			content     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, receiver_id, created_at);`

	pgInsertMessageQuery = "INSERT INTO messages (sender_id, receiver_id, content, created_at) " +
		"VALUES ($1, $2, $3, $4) RETURNING id, created_at"
	pgMessagesBetweenQuery = "SELECT id, sender_id, receiver_id, content, created_at FROM messages " +
		"WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1) " +
		"ORDER BY created_at ASC, id ASC"
)

type PgMessageStore struct {
	conn *sql.DB
}

func NewPgMessageStore(dsn string) (*PgMessageStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &PgMessageStore{conn: db}, nil
}

func (db *PgMessageStore) InsertMessage(ctx context.Context, senderId, receiverId int, content string) (int, time.Time, error) {
	row := db.conn.QueryRowContext(ctx, pgInsertMessageQuery,
		senderId,
		receiverId,
		content,
		now(),
	)

	var (
		id        int
		createdAt time.Time
	)
	if err := row.Scan(&id, &createdAt); err != nil {
		return 0, time.Time{}, fmt.Errorf("insert message: %w", err)
	}

	return id, createdAt.UTC(), nil
}

func (db *PgMessageStore) MessagesBetween(ctx context.Context, userA, userB int) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx, pgMessagesBetweenQuery, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]types.Message, 0)
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.Id, &m.SenderId, &m.ReceiverId, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func (db *PgMessageStore) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgMessageStore) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
