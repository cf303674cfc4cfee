package server

import (
	"testing"
	"time"

	"github.com/npezzotti/go-relay/internal/auth"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/npezzotti/go-relay/internal/testutil"
	"github.com/npezzotti/go-relay/internal/types"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// newTestCoordinator creates a Coordinator whose connections are driven
// directly through dispatch instead of websocket pumps.
func newTestCoordinator(t *testing.T, store database.MessageStore, verifier auth.TokenVerifier, opts Options) *Coordinator {
	if opts.MaxContentLength == 0 {
		opts.MaxContentLength = 64
	}
	if opts.RingTimeout == 0 {
		opts.RingTimeout = time.Minute
	}
	if opts.OutboundQueueSize == 0 {
		opts.OutboundQueueSize = 256
	}

	cs := NewCoordinator(testutil.TestLogger(t), store, verifier, stats.NewStatsUpdater(nil), opts)
	t.Cleanup(cs.calls.Close)
	return cs
}

func newTestSqliteStore(t *testing.T) database.MessageStore {
	store, err := database.NewSqliteMessageStore(":memory:")
	require.NoError(t, err, "expected in-memory store to open")
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// newTestClient adds a connection without a socket. A non-zero user is
// authenticated and registered.
func newTestClient(t *testing.T, cs *Coordinator, user types.User) *Client {
	c := NewClient(nil, cs, cs.queueSize)
	require.True(t, cs.addClient(c), "expected client to be added")
	if user.Id > 0 {
		c.setUser(user)
		cs.registry.Register(c, user.Id)
	}
	return c
}

func drain(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		msg, ok := c.send.pop()
		if !ok {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func offerPayload(t *testing.T) []byte {
	return mustMarshal(t, map[string]string{"type": "offer", "sdp": testSDP})
}
