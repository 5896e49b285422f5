package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSubscribeRequest_WireShape(t *testing.T) {
	req := NewSubscribeRequest(7, KindProofState, "sub-1", []string{"02ab", "03cd"})
	data, err := req.Bytes()
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"jsonrpc":"2.0",
		"method":"subscribe",
		"params":{"kind":"proof_state","subId":"sub-1","filters":["02ab","03cd"]},
		"id":7
	}`, string(data))

	params, err := req.SubscribeParams()
	require.NoError(t, err)
	assert.Equal(t, KindProofState, params.Kind)
	assert.Equal(t, []string{"02ab", "03cd"}, params.Filters)

	_, err = req.UnsubscribeParams()
	assert.Error(t, err)
}

func TestNewUnsubscribeRequest_WireShape(t *testing.T) {
	req := NewUnsubscribeRequest(8, "sub-1")
	data, err := req.Bytes()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"unsubscribe","params":{"subId":"sub-1"},"id":8}`, string(data))

	params, err := req.UnsubscribeParams()
	require.NoError(t, err)
	assert.Equal(t, "sub-1", params.SubID)
}

func TestParseFrame(t *testing.T) {
	t.Run("notification", func(t *testing.T) {
		f, err := ParseFrame([]byte(`{"jsonrpc":"2.0","method":"subscribe","params":{"subId":"s","payload":{"quote":"q","state":"PAID"}}}`))
		require.NoError(t, err)
		assert.True(t, f.IsNotification())
		assert.False(t, f.IsError())
		assert.JSONEq(t, `{"quote":"q","state":"PAID"}`, string(f.Params.Payload))
	})

	t.Run("ok response", func(t *testing.T) {
		data, err := NewSubscribeOK(NewIDInt(3), "s").Bytes()
		require.NoError(t, err)
		f, err := ParseFrame(data)
		require.NoError(t, err)
		assert.True(t, f.IsResult())
		id, ok := f.ID.Int64()
		require.True(t, ok)
		assert.Equal(t, int64(3), id)
		res, err := f.SubscribeResult()
		require.NoError(t, err)
		assert.Equal(t, StatusOK, res.Status)
		assert.Equal(t, "s", res.SubID)
	})

	t.Run("error response", func(t *testing.T) {
		f, err := ParseFrame([]byte(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"bad filters"},"id":4}`))
		require.NoError(t, err)
		assert.True(t, f.IsError())
		assert.Equal(t, -32602, f.Error.Code)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseFrame([]byte(`[1,2]`))
		assert.Error(t, err)
		_, err = ParseFrame([]byte(`{"jsonrpc":`))
		assert.Error(t, err)
	})
}

func TestID_Int64(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte(`12`), &id))
	n, ok := id.Int64()
	assert.True(t, ok)
	assert.Equal(t, int64(12), n)

	_, ok = NewIDString("x").Int64()
	assert.False(t, ok)
	assert.Equal(t, "null", NewIDNull().String())
}
