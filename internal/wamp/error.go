package wamp

import (
	"errors"
	"fmt"
)

// Router error URIs this package classifies.
const (
	ErrURINoSuchRegistration = "wamp.error.no_such_registration"
	ErrURINoSuchSubscription = "wamp.error.no_such_subscription"
	ErrURINoSuchSession      = "wamp.error.no_such_session"
	ErrURINoSuchProcedure    = "wamp.error.no_such_procedure"

	CloseNormal        = "wamp.close.normal"
	CloseGoodbyeAndOut = "wamp.close.goodbye_and_out"
)

var (
	ErrNotConnected = errors.New("wamp: not connected")
	ErrAborted      = errors.New("wamp: session aborted by router")
)

// Error is an ERROR message returned by the router in response to a request.
type Error struct {
	URI    string
	Args   List
	Kwargs Dict
}

func (e *Error) Error() string {
	if len(e.Args) > 0 {
		if s, ok := e.Args[0].(string); ok {
			return fmt.Sprintf("wamp: %s: %s", e.URI, s)
		}
	}
	return "wamp: " + e.URI
}

// AbortError carries the reason URI of an ABORT received during the handshake.
type AbortError struct {
	Reason  string
	Details Dict
}

func (e *AbortError) Error() string {
	if msg, ok := e.Details["message"].(string); ok && msg != "" {
		return fmt.Sprintf("wamp: aborted: %s: %s", e.Reason, msg)
	}
	return "wamp: aborted: " + e.Reason
}

func (e *AbortError) Unwrap() error { return ErrAborted }

// ErrorURI returns the router error URI carried by err, if any.
func ErrorURI(err error) (string, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we.URI, true
	}
	return "", false
}

// IsNoSuchEntity reports whether err is the router saying the referenced
// registration, subscription or session does not exist.
func IsNoSuchEntity(err error) bool {
	uri, ok := ErrorURI(err)
	if !ok {
		return false
	}
	switch uri {
	case ErrURINoSuchRegistration, ErrURINoSuchSubscription, ErrURINoSuchSession:
		return true
	}
	return false
}
