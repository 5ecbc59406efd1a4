package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	require := require.New(t)

	for typ := TypeGet; typ <= TypeUpdate; typ++ {
		got, ok := ParseType(typ.String())
		require.True(ok, typ.String())
		require.Equal(typ, got)
	}

	got, ok := ParseType("call")
	require.True(ok)
	require.Equal(TypeCall, got)

	_, ok = ParseType("POST")
	require.False(ok)
	_, ok = ParseType("")
	require.False(ok)

	require.Equal("UNKNOWN", TypeUnknown.String())
	require.False(TypeUnknown.IsValid())
	require.False(Type(200).IsValid())
}

func TestTypeClassification(t *testing.T) {
	tests := []struct {
		typ       Type
		isRequest bool
		isReply   bool
	}{
		{TypeGet, true, false},
		{TypePut, true, false},
		{TypeCall, true, false},
		{TypeSubscribe, true, false},
		{TypeUnsubscribe, true, false},
		{TypeReturn, false, true},
		{TypeError, false, true},
		{TypeUpdate, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			require := require.New(t)
			require.Equal(tt.isRequest, tt.typ.IsRequest())
			require.Equal(tt.isReply, tt.typ.IsReply())
		})
	}
}

func TestParseMethod(t *testing.T) {
	require := require.New(t)

	for m := MethodValidate; m <= MethodDisable; m++ {
		got, ok := ParseMethod(m.String())
		require.True(ok, m.String())
		require.Equal(m, got)
	}

	got, ok := ParseMethod("")
	require.True(ok)
	require.Equal(MethodNone, got)

	got, ok = ParseMethod("Configure")
	require.True(ok)
	require.Equal(MethodConfigure, got)

	_, ok = ParseMethod("explode")
	require.False(ok)
}

func TestEndpoint(t *testing.T) {
	require := require.New(t)

	require.Equal("det.state", JoinEndpoint("det", "state"))
	require.Equal("det", JoinEndpoint("det", ""))
	require.Equal("det.layout.value", JoinEndpoint("det", "layout", "value"))

	msg := NewGet("det.layout.value")
	require.Equal("det", msg.DeviceName())
	require.Equal("layout.value", msg.Attribute())

	msg = NewCall("det", MethodRun, nil)
	require.Equal("det", msg.DeviceName())
	require.Empty(msg.Attribute())
}

func TestMessage_Equal(t *testing.T) {
	require := require.New(t)

	a := &Message{ID: 1, Type: TypeReturn, Endpoint: "det", Value: map[string]any{"a": 1, "b": []any{"x"}}}
	b := &Message{ID: 1, Type: TypeReturn, Endpoint: "det", RawValue: json.RawMessage(`{"b":["x"],"a":1.0}`)}
	require.True(a.Equal(b))
	require.True(b.Equal(a))

	c := &Message{ID: 1, Type: TypeReturn, Endpoint: "det", Value: map[string]any{"a": 2}}
	require.False(a.Equal(c))

	d := &Message{ID: 2, Type: TypeReturn, Endpoint: "det", Value: map[string]any{"a": 1, "b": []any{"x"}}}
	require.False(a.Equal(d))

	require.True((&Message{ID: 3, Type: TypeGet}).Equal(&Message{ID: 3, Type: TypeGet, RawValue: json.RawMessage("null")}))
	require.False((&Message{ID: 3, Type: TypeGet}).Equal(&Message{ID: 3, Type: TypeGet, Value: 0}))

	var nilMsg *Message
	require.True(nilMsg.Equal(nil))
	require.False(a.Equal(nil))
}

func TestMessage_Values(t *testing.T) {
	require := require.New(t)

	msg := &Message{RawValue: json.RawMessage(`"Armed"`)}
	s, ok := msg.ValueString()
	require.True(ok)
	require.Equal("Armed", s)

	msg = &Message{Value: map[string]any{"value": "Running", "alarm": nil}}
	s, ok = msg.ValueString()
	require.True(ok)
	require.Equal("Running", s)

	msg = &Message{RawValue: json.RawMessage(`{"value":42}`)}
	n, ok := msg.ValueInt()
	require.True(ok)
	require.Equal(int64(42), n)

	msg = &Message{Value: 7}
	n, ok = msg.ValueInt()
	require.True(ok)
	require.Equal(int64(7), n)

	msg = &Message{}
	_, ok = msg.ValueString()
	require.False(ok)
	require.Error(msg.DecodeValue(&s))

	var params struct {
		Steps int `json:"steps"`
	}
	msg = NewCall("det", MethodConfigure, map[string]int{"steps": 10})
	require.NoError(msg.DecodeValue(&params))
	require.Equal(10, params.Steps)
}

func TestMessage_Constructors(t *testing.T) {
	require := require.New(t)

	req := NewCall("det", MethodPause, nil)
	req.ID = 9

	ret := NewReturn(req, "ok")
	require.Equal(uint64(9), ret.ID)
	require.Equal(TypeReturn, ret.Type)
	require.True(ret.IsReply())

	errMsg := NewError(req, "device busy")
	require.Equal(TypeError, errMsg.Type)
	require.Equal("device busy", errMsg.Text)

	upd := NewUpdate(4, "det.state", "Running")
	require.True(upd.IsPush())
	require.False(upd.IsRequest())

	unsub := NewUnsubscribe(4)
	require.Equal(uint64(4), unsub.ID)
	require.True(unsub.IsRequest())

	require.Contains(req.String(), "method=pause")
	require.Contains(errMsg.String(), `message="device busy"`)
}
