// Package wsbus carries the transport contract over WebSocket connections.
//
// A relay Server accepts WebSocket clients and routes their frames through an in-process
// broker; the Dialer connects to such a server. Every WebSocket message is one JSON frame:
//
//	{"op":"sub","topic":"malcolm.status"}
//	{"op":"pub","topic":"malcolm.command","payload":"eyJpZCI6MSwi..."}
//	{"op":"unsub","topic":"malcolm.status"}
//
// The payload is base64 encoded by encoding/json, so binary codecs pass through unchanged.
// The server forwards payloads of subscribed topics to the client as "pub" frames.
package wsbus

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-malcolm/transport"
)

// Frame operations.
const (
	OpPublish     = "pub"
	OpSubscribe   = "sub"
	OpUnsubscribe = "unsub"
)

var (
	// ErrConnLost indicates that the WebSocket connection failed while open.
	ErrConnLost = errors.New("wsbus: connection lost")

	// ErrInvalidFrame indicates a frame with an unknown op or without a topic.
	ErrInvalidFrame = errors.New("wsbus: invalid frame")
)

type frame struct {
	Op      string `json:"op"`
	Topic   string `json:"topic"`
	Payload []byte `json:"payload,omitempty"`
}

func (f *frame) validate() error {
	switch f.Op {
	case OpPublish, OpSubscribe, OpUnsubscribe:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidFrame, f.Op)
	}
	if err := transport.ValidateTopic(f.Topic); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	return nil
}
