package flighterrors

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	e := NewError(WithErrorCode(EInvalid), WithErrorMsg("bad request"))
	require.Equal(t, "bad request", e.Error())

	wrapped := NewError(WithErrorCode(EInternal), WithErrorMsg("outer"), WithErrorErr(e))
	require.Equal(t, "outer: bad request", wrapped.Error())

	bare := NewError(WithErrorCode(ENotFound))
	require.Equal(t, "<not found>", bare.Error())

	justErr := NewError(WithErrorErr(errors.New("boom")))
	require.Equal(t, "boom", justErr.Error())
}

func TestCodeAndOp(t *testing.T) {
	inner := NewError(WithErrorCode(EPerm), WithErrorOp("sendHeartbeat"))
	outer := NewError(WithErrorOp("Registry.SendHeartbeat"), WithErrorErr(inner))

	require.Equal(t, EPerm, Code(outer))
	require.Equal(t, "Registry.SendHeartbeat", Op(outer))

	require.Equal(t, "", Code(nil))
	require.Equal(t, EInternal, Code(errors.New("not a flight error")))
}

func TestErrorUnwrap(t *testing.T) {
	root := errors.New("root cause")
	e := NewError(WithErrorCode(EInternal), WithErrorErr(root))
	require.ErrorIs(t, e, root)
}

func TestErrorJSONRoundTrip(t *testing.T) {
	inner := NewError(WithErrorCode(ETimedOut), WithErrorMsg("rpc timed out"), WithErrorOp("sendAppendEntries"))
	outer := NewError(WithErrorCode(EInternal), WithErrorMsg("pump failed"), WithErrorOp("drain"), WithErrorErr(inner))

	b, err := json.Marshal(outer)
	require.NoError(t, err)

	var decoded Error
	require.NoError(t, json.Unmarshal(b, &decoded))

	require.Equal(t, outer.Code, decoded.Code)
	require.Equal(t, outer.Msg, decoded.Msg)
	require.Equal(t, outer.Op, decoded.Op)

	decodedInner, ok := decoded.Err.(*Error)
	require.True(t, ok)
	require.Equal(t, inner.Code, decodedInner.Code)
	require.Equal(t, inner.Msg, decodedInner.Msg)
	require.Equal(t, inner.Op, decodedInner.Op)
}

func TestErrorJSONRoundTripWithPlainWrappedError(t *testing.T) {
	e := NewError(WithErrorCode(EInternal), WithErrorErr(errors.New("plain cause")))

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded Error
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, "plain cause", decoded.Err.Error())
}
