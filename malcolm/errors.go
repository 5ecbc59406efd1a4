package malcolm

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-malcolm/message"
)

var (
	// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
	ErrConnConfigNil = errors.New("connection config is nil")

	// ErrDialerNil indicates that a nil transport dialer was provided.
	ErrDialerNil = errors.New("transport dialer is nil")

	// ErrConnClosed indicates that the connection is closed, or was closed while a call was pending.
	ErrConnClosed = errors.New("connection closed")

	// ErrAlreadyOpened indicates that Open was called on an opened connection.
	ErrAlreadyOpened = errors.New("connection already opened")
)

var (
	// ErrTimeout indicates that no reply arrived within the timeout of a call.
	ErrTimeout = errors.New("reply timeout")

	// ErrTransport indicates that the transport failed to publish a request or was lost while
	// a call was pending.
	ErrTransport = errors.New("transport error")

	// ErrCallAbandoned indicates that the context of a call ended after its request was
	// published. The request may still take effect on the device. It wraps the context error.
	ErrCallAbandoned = errors.New("call abandoned after request was sent")

	// ErrRemote indicates that the device answered a request with an ERROR reply.
	ErrRemote = errors.New("remote error")

	// ErrDuplicateResolution marks a reply whose id matches no pending call, either because the
	// call already resolved or because it timed out. It is logged and counted, never returned.
	ErrDuplicateResolution = errors.New("duplicate or stale reply")

	// ErrUnknownSubscription indicates an Unsubscribe for an id that is not subscribed.
	ErrUnknownSubscription = errors.New("unknown subscription")
)

// RemoteError is returned together with an ERROR reply. It matches ErrRemote with errors.Is.
type RemoteError struct {
	Endpoint string
	Method   message.Method
	Text     string
}

func (e *RemoteError) Error() string {
	if e.Method != message.MethodNone {
		return fmt.Sprintf("error from malcolm device %s (%s): %s", e.Endpoint, e.Method, e.Text)
	}

	return fmt.Sprintf("error from malcolm device %s: %s", e.Endpoint, e.Text)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}
