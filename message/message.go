// Package message defines the envelope exchanged with Malcolm devices and its wire codecs.
//
// A message is addressed to an endpoint: a device name optionally followed by an attribute
// path, separated by dots ("BL45P-ML-SCAN-01.state"). Requests (GET, PUT, CALL, SUBSCRIBE,
// UNSUBSCRIBE) carry an id allocated by the sending connection; the device answers with a
// RETURN or ERROR carrying the same id, and pushes UPDATE messages for active subscriptions.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// EndpointSeparator separates the device name from the attribute path of an endpoint.
const EndpointSeparator = "."

// Message is a single protocol message.
//
// Value holds the decoded payload and RawValue the untouched payload bytes in JSON form.
// Either may be set when building an outbound message; when both are set Value wins.
type Message struct {
	ID       uint64
	Type     Type
	Endpoint string
	Method   Method
	Param    string
	Value    any
	RawValue json.RawMessage
	// Text is a human readable message, set by ERROR replies and some status pushes.
	Text string
	// ReplyTo is the topic the reply to a request must be published on.
	ReplyTo string
}

// NewCall creates a CALL request invoking method on endpoint.
func NewCall(endpoint string, method Method, value any) *Message {
	return &Message{Type: TypeCall, Endpoint: endpoint, Method: method, Value: value}
}

// NewGet creates a GET request for endpoint.
func NewGet(endpoint string) *Message {
	return &Message{Type: TypeGet, Endpoint: endpoint}
}

// NewPut creates a PUT request writing value to endpoint.
func NewPut(endpoint string, value any) *Message {
	return &Message{Type: TypePut, Endpoint: endpoint, Value: value}
}

// NewSubscribe creates a SUBSCRIBE request for endpoint.
func NewSubscribe(endpoint string) *Message {
	return &Message{Type: TypeSubscribe, Endpoint: endpoint}
}

// NewUnsubscribe creates an UNSUBSCRIBE request for the subscription with the given id.
func NewUnsubscribe(subscriptionID uint64) *Message {
	return &Message{ID: subscriptionID, Type: TypeUnsubscribe}
}

// NewReturn creates the RETURN reply to req.
func NewReturn(req *Message, value any) *Message {
	return &Message{ID: req.ID, Type: TypeReturn, Endpoint: req.Endpoint, Value: value}
}

// NewError creates the ERROR reply to req.
func NewError(req *Message, text string) *Message {
	return &Message{ID: req.ID, Type: TypeError, Endpoint: req.Endpoint, Text: text}
}

// NewUpdate creates an UPDATE push for the subscription with the given id.
func NewUpdate(subscriptionID uint64, endpoint string, value any) *Message {
	return &Message{ID: subscriptionID, Type: TypeUpdate, Endpoint: endpoint, Value: value}
}

// IsRequest reports whether the message expects a reply.
func (m *Message) IsRequest() bool {
	return m.Type.IsRequest()
}

// IsReply reports whether the message resolves a pending request.
func (m *Message) IsReply() bool {
	return m.Type.IsReply()
}

// IsPush reports whether the message is an unsolicited update.
func (m *Message) IsPush() bool {
	return m.Type == TypeUpdate
}

// DeviceName returns the first segment of the endpoint.
func (m *Message) DeviceName() string {
	name, _, _ := strings.Cut(m.Endpoint, EndpointSeparator)
	return name
}

// Attribute returns the endpoint without its device name, or "" for a device endpoint.
func (m *Message) Attribute() string {
	_, attr, _ := strings.Cut(m.Endpoint, EndpointSeparator)
	return attr
}

// JoinEndpoint joins the non-empty parts with the endpoint separator.
func JoinEndpoint(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}

	return strings.Join(nonEmpty, EndpointSeparator)
}

// payload returns the JSON form of the value, or nil if the message carries none.
func (m *Message) payload() (json.RawMessage, error) {
	if m.Value != nil {
		b, err := json.Marshal(m.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal value of message %d: %w", m.ID, err)
		}
		return b, nil
	}
	if len(m.RawValue) > 0 && !bytes.Equal(bytes.TrimSpace(m.RawValue), []byte("null")) {
		return m.RawValue, nil
	}

	return nil, nil
}

// DecodeValue unmarshals the payload of the message into dst.
func (m *Message) DecodeValue(dst any) error {
	raw, err := m.payload()
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("message %d carries no value", m.ID)
	}

	return json.Unmarshal(raw, dst)
}

// ValueString returns the payload as a string. A string payload is returned as is; an object
// payload with a "value" member yields that member, which is how Malcolm wraps attributes.
func (m *Message) ValueString() (string, bool) {
	var s string
	if err := m.DecodeValue(&s); err == nil {
		return s, true
	}

	var wrapped struct {
		Value *string `json:"value"`
	}
	if err := m.DecodeValue(&wrapped); err == nil && wrapped.Value != nil {
		return *wrapped.Value, true
	}

	return "", false
}

// ValueInt returns the payload as an integer, unwrapping a "value" member like ValueString.
func (m *Message) ValueInt() (int64, bool) {
	var n int64
	if err := m.DecodeValue(&n); err == nil {
		return n, true
	}

	var wrapped struct {
		Value *int64 `json:"value"`
	}
	if err := m.DecodeValue(&wrapped); err == nil && wrapped.Value != nil {
		return *wrapped.Value, true
	}

	return 0, false
}

// Equal reports whether m and other describe the same message.
// Payloads are compared by their canonical JSON form, so Value and RawValue are interchangeable.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}

	if m.ID != other.ID || m.Type != other.Type || m.Endpoint != other.Endpoint ||
		m.Method != other.Method || m.Param != other.Param ||
		m.Text != other.Text || m.ReplyTo != other.ReplyTo {
		return false
	}

	return payloadEqual(m, other)
}

func payloadEqual(a, b *Message) bool {
	pa, errA := a.payload()
	pb, errB := b.payload()
	if errA != nil || errB != nil {
		return false
	}
	if pa == nil || pb == nil {
		return pa == nil && pb == nil
	}

	var va, vb any
	if json.Unmarshal(pa, &va) != nil || json.Unmarshal(pb, &vb) != nil {
		return false
	}

	return reflect.DeepEqual(va, vb)
}

// String returns a compact description for logs.
func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s id=%d endpoint=%q", m.Type, m.ID, m.Endpoint)
	if m.Method != MethodNone {
		fmt.Fprintf(&sb, " method=%s", m.Method)
	}
	if m.Param != "" {
		fmt.Fprintf(&sb, " param=%q", m.Param)
	}
	if m.Text != "" {
		fmt.Fprintf(&sb, " message=%q", m.Text)
	}

	return sb.String()
}
