package cdp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageCommand(t *testing.T) {
	t.Parallel()
	msg, errFrame, err := ParseMessage([]byte(`{"id":7,"method":"Page.navigate","params":{"url":"https://example.com/"},"sessionId":"pw-tab-1"}`))
	require.NoError(t, err)
	require.Nil(t, errFrame)

	assert.Equal(t, int64(7), msg.ID)
	assert.Equal(t, "Page.navigate", msg.Method)
	assert.Equal(t, "pw-tab-1", msg.SessionID)
	assert.JSONEq(t, `{"url":"https://example.com/"}`, string(msg.Params))
	assert.False(t, msg.IsResponse())
}

func TestParseMessageMalformed(t *testing.T) {
	t.Parallel()
	msg, errFrame, err := ParseMessage([]byte(`not-json`))
	require.Error(t, err)
	require.Nil(t, msg)
	require.NotNil(t, errFrame)

	assert.Equal(t, CodeParseError, errFrame.Error.Code)
	assert.Contains(t, errFrame.Error.Message, "Error parsing message:")

	frame, encErr := errFrame.Encode()
	require.NoError(t, encErr)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.NotContains(t, decoded, "id")
	assert.NotContains(t, decoded, "method")
}

func TestParseMessageResponse(t *testing.T) {
	t.Parallel()
	msg, _, err := ParseMessage([]byte(`{"id":3,"result":{"frameId":"F1"}}`))
	require.NoError(t, err)
	assert.True(t, msg.IsResponse())
	assert.Nil(t, msg.Error)

	msg, _, err = ParseMessage([]byte(`{"id":4,"error":{"code":-32000,"message":"boom"}}`))
	require.NoError(t, err)
	assert.True(t, msg.IsResponse())
	require.NotNil(t, msg.Error)
	assert.Equal(t, "boom", msg.Error.Message)
}

func TestNewResponseEmptyResult(t *testing.T) {
	t.Parallel()
	msg, err := NewResponse(9, nil)
	require.NoError(t, err)
	frame, err := msg.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9,"result":{}}`, string(frame))
}

func TestNewCommandPreservesRawParams(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{"deeply":{"nested":[1,2,3]},"flag":true}`)
	msg, err := NewCommand(1, "forwardCDPCommand", ForwardPayload{
		SessionID: "pw-tab-2",
		Method:    "Input.dispatchKeyEvent",
		Params:    raw,
	})
	require.NoError(t, err)

	frame, err := msg.Encode()
	require.NoError(t, err)
	var round Message
	require.NoError(t, json.Unmarshal(frame, &round))
	var fp ForwardPayload
	require.NoError(t, json.Unmarshal(round.Params, &fp))
	assert.JSONEq(t, string(raw), string(fp.Params))
}

func TestRecordingChunkDataRoundTrip(t *testing.T) {
	t.Parallel()
	data := []byte{0x00, 0x01, 0xff, 0x42}
	msg, err := NewEvent(MethodRecordingChunk, RecordingChunkParams{TabID: 42, Data: data, Final: true})
	require.NoError(t, err)

	frame, err := msg.Encode()
	require.NoError(t, err)
	var round Message
	require.NoError(t, json.Unmarshal(frame, &round))
	var p RecordingChunkParams
	require.NoError(t, json.Unmarshal(round.Params, &p))
	assert.Equal(t, data, p.Data)
	assert.True(t, p.Final)
	assert.Equal(t, int64(42), p.TabID)
}
