package auth

import (
	"github.com/npezzotti/go-relay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockTokenVerifier struct {
	mock.Mock
}

func (m *MockTokenVerifier) VerifyToken(token string) (types.User, error) {
	args := m.Called(token)
	return args.Get(0).(types.User), args.Error(1)
}
