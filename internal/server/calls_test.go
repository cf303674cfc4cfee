package server

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/npezzotti/go-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func callEvents(msgs []*ServerMessage) (incoming []*IncomingCall, joined []*CallJoined, signals []*Signal, ended []*CallEnded) {
	for _, m := range msgs {
		switch {
		case m.IncomingCall != nil:
			incoming = append(incoming, m.IncomingCall)
		case m.CallJoined != nil:
			joined = append(joined, m.CallJoined)
		case m.Signal != nil:
			signals = append(signals, m.Signal)
		case m.CallEnded != nil:
			ended = append(ended, m.CallEnded)
		}
	}
	return
}

// startActiveCall returns an active session between a caller of alice and a
// callee of bob.
func startActiveCall(t *testing.T, cs *Coordinator) (string, *Client, *Client) {
	a1 := newTestClient(t, cs, alice)
	b1 := newTestClient(t, cs, bob)

	id := cs.calls.StartCall(a1, bob.Id)
	require.NoError(t, cs.calls.JoinCall(id, b1))
	drain(a1)
	drain(b1)

	return id, a1, b1
}

func TestCallBroker_StartCall(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	a1 := newTestClient(t, cs, alice)
	a2 := newTestClient(t, cs, alice)
	b1 := newTestClient(t, cs, bob)
	b2 := newTestClient(t, cs, bob)

	id := cs.calls.StartCall(a1, bob.Id)
	assert.NotEmpty(t, id, "expected session id")

	s := cs.calls.getSession(id)
	require.NotNil(t, s, "expected session to be stored")
	assert.Equal(t, CallRinging, s.State())
	assert.Equal(t, []*Client{a1}, s.participants)
	assert.Contains(t, a1.callIds(), id)

	for _, c := range []*Client{b1, b2} {
		incoming, _, _, _ := callEvents(drain(c))
		if assert.Len(t, incoming, 1, "expected every callee connection to ring") {
			assert.Equal(t, IncomingCall{SessionId: id, CallerId: alice.Id}, *incoming[0])
		}
	}
	assert.Empty(t, drain(a1), "expected caller not to ring")
	assert.Empty(t, drain(a2), "expected caller's other connections not to ring")
}

func TestCallBroker_StartCallUnaddressed(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	a1 := newTestClient(t, cs, alice)
	b1 := newTestClient(t, cs, bob)

	id := cs.calls.StartCall(a1, 0)
	assert.Empty(t, drain(b1), "expected no one to ring")

	assert.NoError(t, cs.calls.JoinCall(id, b1), "expected anyone with the id to join")
}

func TestCallBroker_StartCallUniqueIds(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	a1 := newTestClient(t, cs, alice)

	ids := make(map[string]struct{})
	for range 20 {
		ids[cs.calls.StartCall(a1, 0)] = struct{}{}
	}
	assert.Len(t, ids, 20, "expected session ids to be unique")
	assert.Equal(t, 20, cs.calls.Len())
}

func TestCallBroker_JoinCall(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	a1 := newTestClient(t, cs, alice)
	b1 := newTestClient(t, cs, bob)

	id := cs.calls.StartCall(a1, bob.Id)
	drain(b1)

	require.NoError(t, cs.calls.JoinCall(id, b1))
	assert.Equal(t, CallActive, cs.calls.getSession(id).State())
	assert.Contains(t, b1.callIds(), id)

	_, joined, _, _ := callEvents(drain(a1))
	if assert.Len(t, joined, 1, "expected initiator to be told of the join") {
		assert.Equal(t, CallJoined{SessionId: id, UserId: bob.Id}, *joined[0])
	}
	assert.Empty(t, drain(b1), "expected joiner not to receive callJoined")
}

func TestCallBroker_JoinCallErrors(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	a1 := newTestClient(t, cs, alice)
	b1 := newTestClient(t, cs, bob)
	b2 := newTestClient(t, cs, bob)
	c1 := newTestClient(t, cs, carol)

	id := cs.calls.StartCall(a1, bob.Id)

	assert.ErrorIs(t, cs.calls.JoinCall("missing", b1), ErrUnknownSession)
	assert.ErrorIs(t, cs.calls.JoinCall(id, a1), ErrValidation, "expected initiator not to join twice")
	assert.ErrorIs(t, cs.calls.JoinCall(id, c1), ErrNotAParticipant, "expected only the callee to join")

	require.NoError(t, cs.calls.JoinCall(id, b1))
	assert.ErrorIs(t, cs.calls.JoinCall(id, b2), ErrValidation, "expected session to be limited to two participants")
}

func TestCallBroker_Relay(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	id, a1, b1 := startActiveCall(t, cs)
	payload := offerPayload(t)

	delivered, err := cs.calls.Relay(id, a1, payload)
	require.NoError(t, err)
	assert.True(t, delivered)

	_, _, signals, _ := callEvents(drain(b1))
	if assert.Len(t, signals, 1) {
		assert.Equal(t, id, signals[0].SessionId)
		assert.Equal(t, json.RawMessage(payload), signals[0].Payload, "expected payload to be forwarded byte for byte")
	}
	assert.Empty(t, drain(a1), "expected sender not to receive its own signal")

	answer := mustMarshal(t, map[string]string{"type": "answer", "sdp": testSDP})
	_, err = cs.calls.Relay(id, b1, answer)
	require.NoError(t, err)
	_, _, signals, _ = callEvents(drain(a1))
	assert.Len(t, signals, 1, "expected signals to flow both ways")
}

func TestCallBroker_RelayOrdering(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	id, a1, b1 := startActiveCall(t, cs)

	var sent []json.RawMessage
	for i := range 10 {
		p := mustMarshal(t, map[string]any{
			"type":      "candidate",
			"candidate": map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host", "sdpMLineIndex": i},
		})
		sent = append(sent, p)
		_, err := cs.calls.Relay(id, a1, p)
		require.NoError(t, err)
	}

	_, _, signals, _ := callEvents(drain(b1))
	require.Len(t, signals, len(sent))
	for i := range sent {
		assert.Equal(t, sent[i], signals[i].Payload, "expected signals in send order")
	}
}

func TestCallBroker_RelayErrors(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	id, a1, b1 := startActiveCall(t, cs)
	c1 := newTestClient(t, cs, carol)

	_, err := cs.calls.Relay("missing", a1, offerPayload(t))
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = cs.calls.Relay(id, c1, offerPayload(t))
	assert.ErrorIs(t, err, ErrNotAParticipant)

	_, err = cs.calls.Relay(id, a1, []byte(`{"type":"offer","sdp":"garbage"}`))
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, drain(b1), "expected nothing to reach the peer")
}

func TestCallBroker_RelayWhileRinging(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	a1 := newTestClient(t, cs, alice)
	b1 := newTestClient(t, cs, bob)

	id := cs.calls.StartCall(a1, bob.Id)
	drain(b1)

	delivered, err := cs.calls.Relay(id, a1, offerPayload(t))
	assert.NoError(t, err, "expected early signal to be dropped without error")
	assert.False(t, delivered)
	assert.Empty(t, drain(b1))
	assert.Equal(t, CallRinging, cs.calls.getSession(id).State())
}

func TestCallBroker_EndCall(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	id, a1, b1 := startActiveCall(t, cs)
	c1 := newTestClient(t, cs, carol)

	assert.ErrorIs(t, cs.calls.EndCall(id, c1), ErrNotAParticipant)
	assert.ErrorIs(t, cs.calls.EndCall("missing", a1), ErrUnknownSession)

	require.NoError(t, cs.calls.EndCall(id, a1))

	_, _, _, ended := callEvents(drain(b1))
	if assert.Len(t, ended, 1) {
		assert.Equal(t, CallEnded{SessionId: id, Reason: ReasonHangup}, *ended[0])
	}
	assert.Empty(t, drain(a1), "expected the participant who hung up not to be notified")
	assert.Nil(t, cs.calls.getSession(id), "expected session to be removed")
	assert.Empty(t, a1.callIds())
	assert.Empty(t, b1.callIds())

	_, err := cs.calls.Relay(id, b1, offerPayload(t))
	assert.ErrorIs(t, err, ErrUnknownSession, "expected relay on ended session to fail")
	assert.ErrorIs(t, cs.calls.EndCall(id, b1), ErrUnknownSession)
	assert.ErrorIs(t, cs.calls.JoinCall(id, c1), ErrUnknownSession, "expected ended session not to accept participants")
	assert.Nil(t, cs.calls.getSession(id), "expected ended session to stay gone")
}

func TestCallBroker_EndCallWhileRinging(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	a1 := newTestClient(t, cs, alice)

	id := cs.calls.StartCall(a1, bob.Id)
	require.NoError(t, cs.calls.EndCall(id, a1))
	assert.Equal(t, 0, cs.calls.Len())
}

func TestCallBroker_Disconnect(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{})
	id, a1, b1 := startActiveCall(t, cs)

	a1.close()
	cs.calls.Disconnect(a1)
	cs.calls.Disconnect(a1)

	_, _, _, ended := callEvents(drain(b1))
	if assert.Len(t, ended, 1, "expected exactly one callEnded for the peer") {
		assert.Equal(t, CallEnded{SessionId: id, Reason: ReasonDisconnect}, *ended[0])
	}
	assert.Nil(t, cs.calls.getSession(id))
	assert.Empty(t, a1.callIds())
	assert.Empty(t, b1.callIds())
}

func TestCallBroker_RingTimeout(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{RingTimeout: 20 * time.Millisecond})
	a1 := newTestClient(t, cs, alice)

	id := cs.calls.StartCall(a1, bob.Id)

	assert.Eventually(t, func() bool {
		return a1.send.len() > 0
	}, time.Second, 5*time.Millisecond, "expected unanswered call to expire")
	assert.Nil(t, cs.calls.getSession(id), "expected expired session to be removed")

	_, _, _, ended := callEvents(drain(a1))
	if assert.Len(t, ended, 1) {
		assert.Equal(t, CallEnded{SessionId: id, Reason: ReasonTimeout}, *ended[0])
	}
}

func TestCallBroker_RingTimeoutGauge(t *testing.T) {
	var (
		mu          sync.Mutex
		active, low int
	)
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.ActiveCalls).Run(func(mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		active++
	})
	su.On("Decr", stats.ActiveCalls).Run(func(mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		active--
		low = min(low, active)
	})

	cs := newTestCoordinator(t, nil, nil, Options{})
	b := NewCallBroker(testutil.TestLogger(t), cs.registry, su, time.Nanosecond)
	a1 := newTestClient(t, cs, alice)

	for range 50 {
		b.StartCall(a1, bob.Id)
	}

	assert.Eventually(t, func() bool {
		return b.Len() == 0
	}, time.Second, 5*time.Millisecond, "expected every call to expire")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, low, "expected active calls never to go negative")
}

func TestCallBroker_JoinStopsRingTimeout(t *testing.T) {
	cs := newTestCoordinator(t, nil, nil, Options{RingTimeout: 20 * time.Millisecond})
	a1 := newTestClient(t, cs, alice)
	b1 := newTestClient(t, cs, bob)

	id := cs.calls.StartCall(a1, bob.Id)
	require.NoError(t, cs.calls.JoinCall(id, b1))

	time.Sleep(60 * time.Millisecond)
	s := cs.calls.getSession(id)
	require.NotNil(t, s, "expected joined call to survive the ring timeout")
	assert.Equal(t, CallActive, s.State())
}

func TestCallBroker_Close(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("Incr", stats.ActiveCalls).Twice()
	su.On("Decr", stats.ActiveCalls).Twice()

	cs := newTestCoordinator(t, nil, nil, Options{})
	b := NewCallBroker(testutil.TestLogger(t), cs.registry, su, time.Minute)

	a1 := newTestClient(t, cs, alice)
	b1 := newTestClient(t, cs, bob)
	b.StartCall(a1, 0)
	id := b.StartCall(b1, 0)

	b.Close()
	assert.Equal(t, 0, b.Len())

	_, _, _, ended := callEvents(drain(b1))
	if assert.Len(t, ended, 1) {
		assert.Equal(t, CallEnded{SessionId: id, Reason: ReasonShutdown}, *ended[0])
	}
}

func TestCallState_String(t *testing.T) {
	assert.Equal(t, "ringing", CallRinging.String())
	assert.Equal(t, "active", CallActive.String())
	assert.Equal(t, "terminated", CallTerminated.String())
	assert.Equal(t, "idle", CallIdle.String())
	assert.Equal(t, "unknown", CallState(42).String())
}

