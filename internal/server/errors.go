package server

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindValidation      ErrorKind = "validation_error"
	KindStorage         ErrorKind = "storage_error"
	KindAuth            ErrorKind = "auth_error"
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindUnknownSession  ErrorKind = "unknown_session"
	KindNotAParticipant ErrorKind = "not_a_participant"
	KindTransport       ErrorKind = "transport_error"
)

// RelayError is returned by every core operation. Errors never outlive the
// request that produced them.
type RelayError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

var (
	ErrValidation      = &RelayError{Kind: KindValidation}
	ErrStorage         = &RelayError{Kind: KindStorage}
	ErrAuth            = &RelayError{Kind: KindAuth}
	ErrUnauthenticated = &RelayError{Kind: KindUnauthenticated}
	ErrUnknownSession  = &RelayError{Kind: KindUnknownSession}
	ErrNotAParticipant = &RelayError{Kind: KindNotAParticipant}
	ErrTransport       = &RelayError{Kind: KindTransport}
)

func newError(kind ErrorKind, detail string, err error) *RelayError {
	return &RelayError{Kind: kind, Detail: detail, Err: err}
}

func validationError(format string, args ...any) *RelayError {
	return newError(KindValidation, fmt.Sprintf(format, args...), nil)
}

func (e *RelayError) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Is matches any RelayError of the same kind, so the package sentinels can
// be used with errors.Is.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	return ok && t.Kind == e.Kind
}

func (e *RelayError) ResponseCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth, KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotAParticipant:
		return http.StatusForbidden
	case KindUnknownSession:
		return http.StatusNotFound
	case KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func asRelayError(err error) *RelayError {
	var re *RelayError
	if errors.As(err, &re) {
		return re
	}
	return newError(KindStorage, "internal error", err)
}
