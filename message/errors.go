package message

import "errors"

var (
	// ErrMalformedMessage indicates that a payload is not a valid message: invalid syntax,
	// a missing id, or a missing or unknown type or method token.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrNilMessage indicates that a nil message was passed to an encoder.
	ErrNilMessage = errors.New("message is nil")

	// ErrUnknownCodec indicates that no codec is registered under the requested name.
	ErrUnknownCodec = errors.New("unknown codec")
)
