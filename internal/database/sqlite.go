package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/npezzotti/go-relay/internal/types"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"
)

// created_at is stored as unix nanoseconds so ordering and round trips do not
// depend on the driver's time formatting.
const (
	sqliteSchema = `
		CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id   INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			content     TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, receiver_id, created_at);`

	sqliteInsertMessageQuery = "INSERT INTO messages (sender_id, receiver_id, content, created_at) " +
		"VALUES (?, ?, ?, ?)"
	sqliteMessagesBetweenQuery = "SELECT id, sender_id, receiver_id, content, created_at FROM messages " +
		"WHERE (sender_id = ?1 AND receiver_id = ?2) OR (sender_id = ?2 AND receiver_id = ?1) " +
		"ORDER BY created_at ASC, id ASC"
)

type SqliteMessageStore struct {
	conn *sql.DB
}

type sqliteRow struct {
	id         int
	senderId   int
	receiverId int
	content    string
	createdAt  int64
}

func NewSqliteMessageStore(dsn string) (*SqliteMessageStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// a single connection keeps in-memory databases shared and serializes
	// writers, which SQLite requires anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SqliteMessageStore{conn: db}, nil
}

func (db *SqliteMessageStore) InsertMessage(ctx context.Context, senderId, receiverId int, content string) (int, time.Time, error) {
	createdAt := now()
	res, err := db.conn.ExecContext(ctx, sqliteInsertMessageQuery,
		senderId,
		receiverId,
		content,
		createdAt.UnixNano(),
	)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("last insert id: %w", err)
	}

	return int(id), createdAt, nil
}

func (db *SqliteMessageStore) MessagesBetween(ctx context.Context, userA, userB int) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx, sqliteMessagesBetweenQuery, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var scanned []sqliteRow
	for rows.Next() {
		var r sqliteRow
		if err := rows.Scan(&r.id, &r.senderId, &r.receiverId, &r.content, &r.createdAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		scanned = append(scanned, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lo.Map(scanned, func(r sqliteRow, _ int) types.Message {
		return types.Message{
			Id:         r.id,
			SenderId:   r.senderId,
			ReceiverId: r.receiverId,
			Content:    r.content,
			CreatedAt:  time.Unix(0, r.createdAt).UTC(),
		}
	}), nil
}

func (db *SqliteMessageStore) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *SqliteMessageStore) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
