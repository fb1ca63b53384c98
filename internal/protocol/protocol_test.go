package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeUsesCamelCaseEnvelope(t *testing.T) {
	callID := uuid.New()
	raw, err := Encode(TypeCallUserLeft, CallUserLeft{CallID: callID, UserID: callID})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "call_user_left", generic["type"])
	data := generic["data"].(map[string]any)
	assert.Equal(t, callID.String(), data["callId"])
	assert.Contains(t, data, "userId")
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"data":{}}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestSignalDataIsRelayedVerbatim(t *testing.T) {
	body := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n","extra":42}`)
	raw, err := Encode(TypeCallSignal, CallSignalIn{CallID: uuid.New(), FromUserID: uuid.New(), Data: body})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	var in CallSignalIn
	require.NoError(t, env.Bind(&in))
	assert.JSONEq(t, string(body), string(in.Data))

	var sd SignalData
	require.NoError(t, json.Unmarshal(in.Data, &sd))
	assert.Equal(t, "offer", sd.Type)
	assert.False(t, sd.IsCandidate())
}

func TestSignalDataCandidate(t *testing.T) {
	var sd SignalData
	require.NoError(t, json.Unmarshal([]byte(`{"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0"}}`), &sd))
	assert.True(t, sd.IsCandidate())

	require.NoError(t, json.Unmarshal([]byte(`{"candidate":null}`), &sd))
	assert.False(t, sd.IsCandidate())
}

func TestBindMissingData(t *testing.T) {
	env := &Envelope{Type: TypeCallAccept}
	var a CallAccept
	assert.Error(t, env.Bind(&a))
}
