package message

import "strings"

// Type is the kind of a Message.
type Type uint8

const (
	// TypeUnknown is the zero value and never valid on the wire.
	TypeUnknown Type = iota
	// TypeGet reads an attribute of an endpoint.
	TypeGet
	// TypePut writes an attribute of an endpoint.
	TypePut
	// TypeCall invokes a method on an endpoint.
	TypeCall
	// TypeSubscribe registers for updates of an endpoint.
	TypeSubscribe
	// TypeUnsubscribe cancels a subscription; its id is the id of the subscribe request.
	TypeUnsubscribe
	// TypeReturn is the successful reply to a request.
	TypeReturn
	// TypeError is the failed reply to a request.
	TypeError
	// TypeUpdate is an unsolicited status or event push.
	TypeUpdate
)

var typeTokens = [...]string{
	TypeUnknown:     "",
	TypeGet:         "GET",
	TypePut:         "PUT",
	TypeCall:        "CALL",
	TypeSubscribe:   "SUBSCRIBE",
	TypeUnsubscribe: "UNSUBSCRIBE",
	TypeReturn:      "RETURN",
	TypeError:       "ERROR",
	TypeUpdate:      "UPDATE",
}

// String returns the wire token of the type.
func (t Type) String() string {
	if int(t) < len(typeTokens) && t != TypeUnknown {
		return typeTokens[t]
	}

	return "UNKNOWN"
}

// IsValid reports whether t is a known, non-zero type.
func (t Type) IsValid() bool {
	return t > TypeUnknown && int(t) < len(typeTokens)
}

// IsRequest reports whether t is sent by a client and expects a reply.
func (t Type) IsRequest() bool {
	switch t {
	case TypeGet, TypePut, TypeCall, TypeSubscribe, TypeUnsubscribe:
		return true
	default:
		return false
	}
}

// IsReply reports whether t resolves a pending request.
func (t Type) IsReply() bool {
	return t == TypeReturn || t == TypeError
}

// ParseType converts a wire token to a Type. Tokens are matched case-insensitively.
func ParseType(token string) (Type, bool) {
	for i, tok := range typeTokens {
		if tok != "" && strings.EqualFold(tok, token) {
			return Type(i), true
		}
	}

	return TypeUnknown, false
}

// Method is the method invoked by a CALL message.
type Method uint8

const (
	// MethodNone means the message carries no method.
	MethodNone Method = iota
	MethodValidate
	MethodConfigure
	MethodRun
	MethodPause
	MethodResume
	MethodAbort
	MethodReset
	MethodDisable
)

var methodTokens = [...]string{
	MethodNone:      "",
	MethodValidate:  "validate",
	MethodConfigure: "configure",
	MethodRun:       "run",
	MethodPause:     "pause",
	MethodResume:    "resume",
	MethodAbort:     "abort",
	MethodReset:     "reset",
	MethodDisable:   "disable",
}

// String returns the wire token of the method, or an empty string for MethodNone.
func (m Method) String() string {
	if int(m) < len(methodTokens) {
		return methodTokens[m]
	}

	return "unknown"
}

// IsValid reports whether m is MethodNone or a known method.
func (m Method) IsValid() bool {
	return int(m) < len(methodTokens)
}

// ParseMethod converts a wire token to a Method. An empty token yields MethodNone.
func ParseMethod(token string) (Method, bool) {
	if token == "" {
		return MethodNone, true
	}
	for i, tok := range methodTokens {
		if tok != "" && strings.EqualFold(tok, token) {
			return Method(i), true
		}
	}

	return MethodNone, false
}
