package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Codec converts messages to and from transport payloads.
// Implementations must be safe for concurrent use and free of side effects.
type Codec interface {
	// Name returns the name the codec is selected by in configuration.
	Name() string
	// Encode serialises msg. It fails only for nil or invalid messages and unserialisable values.
	Encode(msg *Message) ([]byte, error)
	// Decode parses a payload. Failures wrap ErrMalformedMessage.
	Decode(data []byte) (*Message, error)
}

// JSONCodec is the default codec producing the JSON wire format.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

// wireMessage is the JSON wire form of a Message.
type wireMessage struct {
	ID       *uint64         `json:"id"`
	Type     string          `json:"type"`
	Endpoint string          `json:"endpoint,omitempty"`
	Method   string          `json:"method,omitempty"`
	Param    string          `json:"param,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Text     string          `json:"message,omitempty"`
	ReplyTo  string          `json:"replyTo,omitempty"`
}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	if err := validateOutbound(msg); err != nil {
		return nil, err
	}

	raw, err := msg.payload()
	if err != nil {
		return nil, err
	}

	id := msg.ID
	w := wireMessage{
		ID:       &id,
		Type:     msg.Type.String(),
		Endpoint: msg.Endpoint,
		Method:   msg.Method.String(),
		Param:    msg.Param,
		Value:    raw,
		Text:     msg.Text,
		ReplyTo:  msg.ReplyTo,
	}

	return json.Marshal(&w)
}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	msg, err := fromWire(w.ID, w.Type, w.Method)
	if err != nil {
		return nil, err
	}
	msg.Endpoint = w.Endpoint
	msg.Param = w.Param
	msg.Text = w.Text
	msg.ReplyTo = w.ReplyTo

	if len(w.Value) > 0 && !bytes.Equal(w.Value, []byte("null")) {
		msg.RawValue = append(json.RawMessage(nil), w.Value...)
		if err := json.Unmarshal(w.Value, &msg.Value); err != nil {
			return nil, fmt.Errorf("%w: value: %w", ErrMalformedMessage, err)
		}
	}

	return msg, nil
}

func validateOutbound(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if !msg.Type.IsValid() {
		return fmt.Errorf("%w: invalid type %d", ErrMalformedMessage, msg.Type)
	}
	if !msg.Method.IsValid() {
		return fmt.Errorf("%w: invalid method %d", ErrMalformedMessage, msg.Method)
	}

	return nil
}

func fromWire(id *uint64, typeToken, methodToken string) (*Message, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if typeToken == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	typ, ok := ParseType(typeToken)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, typeToken)
	}

	method, ok := ParseMethod(methodToken)
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %q", ErrMalformedMessage, methodToken)
	}

	return &Message{ID: *id, Type: typ, Method: method}, nil
}

// DefaultCodec is the codec used when none is configured.
var DefaultCodec Codec = JSONCodec{}

// Encode serialises msg with the default codec.
func Encode(msg *Message) ([]byte, error) {
	return DefaultCodec.Encode(msg)
}

// Decode parses data with the default codec.
func Decode(data []byte) (*Message, error) {
	return DefaultCodec.Decode(data)
}

// CodecByName returns the codec registered under name ("json" or "cbor").
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
