package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-relay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) InsertMessage(ctx context.Context, senderId, receiverId int, content string) (int, time.Time, error) {
	args := m.Called(ctx, senderId, receiverId, content)
	return args.Int(0), args.Get(1).(time.Time), args.Error(2)
}

func (m *MockMessageStore) MessagesBetween(ctx context.Context, userA, userB int) ([]types.Message, error) {
	args := m.Called(ctx, userA, userB)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMessageStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockMessageStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
