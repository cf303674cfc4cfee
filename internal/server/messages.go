package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-relay/internal/types"
)

type EventType string

const (
	EventAuthenticate EventType = "authenticate"
	EventSendMessage  EventType = "send_message"
	EventHistory      EventType = "history"
	EventStartCall    EventType = "start_call"
	EventJoinCall     EventType = "join_call"
	EventRelaySignal  EventType = "relay_signal"
	EventEndCall      EventType = "end_call"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is an inbound event. Exactly one of the event fields must be
// set.
type ClientMessage struct {
	BaseMessage
	Authenticate *Authenticate `json:"authenticate,omitempty"`
	SendMessage  *SendMessage  `json:"send_message,omitempty"`
	History      *History      `json:"history,omitempty"`
	StartCall    *StartCall    `json:"start_call,omitempty"`
	JoinCall     *JoinCall     `json:"join_call,omitempty"`
	RelaySignal  *RelaySignal  `json:"relay_signal,omitempty"`
	EndCall      *EndCall      `json:"end_call,omitempty"`
}

type Authenticate struct {
	Token string `json:"token" validate:"required"`
}

type SendMessage struct {
	ReceiverId int    `json:"receiver_id" validate:"required,gt=0"`
	Content    string `json:"content"`
}

type History struct {
	ContactId int `json:"contact_id" validate:"required,gt=0"`
}

type StartCall struct {
	CalleeId int `json:"callee_id,omitempty" validate:"gte=0"`
}

type JoinCall struct {
	SessionId string `json:"session_id" validate:"required"`
}

type RelaySignal struct {
	SessionId string          `json:"session_id" validate:"required"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
}

type EndCall struct {
	SessionId string `json:"session_id" validate:"required"`
}

// Event returns the type and payload of the single event carried by the
// message.
func (m *ClientMessage) Event() (EventType, any, error) {
	var (
		set     int
		typ     EventType
		payload any
	)

	pick := func(ok bool, t EventType, p any) {
		if ok {
			set++
			typ, payload = t, p
		}
	}

	pick(m.Authenticate != nil, EventAuthenticate, m.Authenticate)
	pick(m.SendMessage != nil, EventSendMessage, m.SendMessage)
	pick(m.History != nil, EventHistory, m.History)
	pick(m.StartCall != nil, EventStartCall, m.StartCall)
	pick(m.JoinCall != nil, EventJoinCall, m.JoinCall)
	pick(m.RelaySignal != nil, EventRelaySignal, m.RelaySignal)
	pick(m.EndCall != nil, EventEndCall, m.EndCall)

	if set != 1 {
		return "", nil, validationError("invalid message format")
	}

	return typ, payload, nil
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	IncomingCall *IncomingCall  `json:"incoming_call,omitempty"`
	CallJoined   *CallJoined    `json:"call_joined,omitempty"`
	Signal       *Signal        `json:"signal,omitempty"`
	CallEnded    *CallEnded     `json:"call_ended,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Detail       string `json:"detail,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type IncomingCall struct {
	SessionId string `json:"session_id"`
	CallerId  int    `json:"caller_id"`
}

type CallJoined struct {
	SessionId string `json:"session_id"`
	UserId    int    `json:"user_id"`
}

// Signal carries the sending peer's signaling payload. Its content is passed
// through untouched; only insignificant whitespace is dropped on the wire.
type Signal struct {
	SessionId string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

type CallEndReason string

const (
	ReasonHangup     CallEndReason = "hangup"
	ReasonDisconnect CallEndReason = "disconnect"
	ReasonTimeout    CallEndReason = "timeout"
	ReasonShutdown   CallEndReason = "shutdown"
)

type CallEnded struct {
	SessionId string        `json:"session_id"`
	Reason    CallEndReason `json:"reason"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
			Data:         data,
		},
	}
}

// ErrResponse converts err into the error event sent back to the connection
// that triggered it.
func ErrResponse(id int, err error) *ServerMessage {
	re := asRelayError(err)
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: re.ResponseCode(),
			Error:        string(re.Kind),
			Detail:       re.Detail,
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	return ErrResponse(id, validationError("invalid message format"))
}

func messageReceived(msg types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Message:     &msg,
	}
}

func incomingCall(sessionId string, callerId int) *ServerMessage {
	return &ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		IncomingCall: &IncomingCall{SessionId: sessionId, CallerId: callerId},
	}
}

func callJoined(sessionId string, userId int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		CallJoined:  &CallJoined{SessionId: sessionId, UserId: userId},
	}
}

func signal(sessionId string, payload json.RawMessage) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Signal:      &Signal{SessionId: sessionId, Payload: payload},
	}
}

func callEnded(sessionId string, reason CallEndReason) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		CallEnded:   &CallEnded{SessionId: sessionId, Reason: reason},
	}
}

// serializeMessage encodes msg without HTML escaping so relayed SDP and
// candidate strings reach the peer as sent.
func serializeMessage(msg *ServerMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
