package message

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes messages as CBOR maps using the same field names as the JSON wire format.
//
// The payload is normalised through its JSON form, so a message carries the same value over
// either codec and RawValue is always JSON.
type CBORCodec struct{}

var _ Codec = CBORCodec{}

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	cborEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IndefLength:    cbor.IndefLengthAllowed,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	cborDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

type cborMessage struct {
	ID       *uint64         `cbor:"id"`
	Type     string          `cbor:"type"`
	Endpoint string          `cbor:"endpoint,omitempty"`
	Method   string          `cbor:"method,omitempty"`
	Param    string          `cbor:"param,omitempty"`
	Value    cbor.RawMessage `cbor:"value,omitempty"`
	Text     string          `cbor:"message,omitempty"`
	ReplyTo  string          `cbor:"replyTo,omitempty"`
}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Encode(msg *Message) ([]byte, error) {
	if err := validateOutbound(msg); err != nil {
		return nil, err
	}

	raw, err := msg.payload()
	if err != nil {
		return nil, err
	}

	id := msg.ID
	w := cborMessage{
		ID:       &id,
		Type:     msg.Type.String(),
		Endpoint: msg.Endpoint,
		Method:   msg.Method.String(),
		Param:    msg.Param,
		Text:     msg.Text,
		ReplyTo:  msg.ReplyTo,
	}

	if raw != nil {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("normalise value of message %d: %w", msg.ID, err)
		}
		w.Value, err = cborEncMode.Marshal(integralNumbers(v))
		if err != nil {
			return nil, fmt.Errorf("encode value of message %d: %w", msg.ID, err)
		}
	}

	return cborEncMode.Marshal(&w)
}

func (CBORCodec) Decode(data []byte) (*Message, error) {
	var w cborMessage
	if err := cborDecMode.Unmarshal(data, &w); err != nil {
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

	if len(w.Value) > 0 {
		var v any
		if err := cborDecMode.Unmarshal(w.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: value: %w", ErrMalformedMessage, err)
		}
		if v != nil {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%w: value: %w", ErrMalformedMessage, err)
			}
			msg.Value = v
			msg.RawValue = raw
		}
	}

	return msg, nil
}

// integralNumbers converts whole float64 values produced by encoding/json back to integers
// so they are encoded as CBOR integers.
func integralNumbers(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && val >= math.MinInt64 && val < math.MaxInt64 {
			return int64(val)
		}
		return val
	case []any:
		for i := range val {
			val[i] = integralNumbers(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = integralNumbers(val[k])
		}
		return val
	default:
		return v
	}
}
