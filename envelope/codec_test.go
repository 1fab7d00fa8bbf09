package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yash-Kakadiya/salesops-suite/fault"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(NewConversation("run-1"))

	req, err := NewRequest("run-1", "coordinator", "ingestor", "ingest.load", map[string]string{"path": "sales.csv"})
	require.NoError(t, err)

	data, err := codec.Encode(req)
	require.NoError(t, err)

	// The other side decodes into a fresh struct and replies.
	decoded, err := NewCodec(NewConversation("run-1")).Decode(data)
	require.NoError(t, err)
	assert.Equal(t, req.MessageID, decoded.MessageID)
	assert.Equal(t, req.Task, decoded.Task)

	resp, err := NewResponse(req, StatusSuccess, map[string]int{"rows": 10})
	require.NoError(t, err)

	respData, err := codec.Encode(resp)
	require.NoError(t, err)
	assert.Contains(t, string(respData), req.MessageID)
}

func TestCodecRejectsReplyWithoutRequest(t *testing.T) {
	codec := NewCodec(NewConversation("run-1"))

	req, err := NewRequest("run-1", "coordinator", "detector", "detect.anomalies", nil)
	require.NoError(t, err)
	// The request is never encoded, so the conversation has not seen it.

	resp, err := NewResponse(req, StatusSuccess, map[string]int{"count": 0})
	require.NoError(t, err)

	_, err = codec.Encode(resp)
	require.Error(t, err)

	var sv *fault.SchemaViolationError
	require.ErrorAs(t, err, &sv)
	assert.Equal(t, "in_reply_to", sv.Field)
}

func TestCodecRejectsDuplicateMessageID(t *testing.T) {
	codec := NewCodec(NewConversation("run-1"))

	req, err := NewRequest("run-1", "coordinator", "detector", "detect.anomalies", nil)
	require.NoError(t, err)

	_, err = codec.Encode(req)
	require.NoError(t, err)

	_, err = codec.Encode(req)
	require.Error(t, err)

	var sv *fault.SchemaViolationError
	require.ErrorAs(t, err, &sv)
	assert.Equal(t, "message_id", sv.Field)
}

func TestCodecRejectsForeignConversation(t *testing.T) {
	codec := NewCodec(NewConversation("run-1"))

	req, err := NewRequest("run-2", "coordinator", "detector", "detect.anomalies", nil)
	require.NoError(t, err)

	_, err = codec.Encode(req)
	require.Error(t, err)

	var sv *fault.SchemaViolationError
	require.ErrorAs(t, err, &sv)
	assert.Equal(t, "conversation_id", sv.Field)
}

func TestCodecDecodeMalformed(t *testing.T) {
	codec := NewCodec(NewConversation("run-1"))

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{`},
		{"unknown type value", `{"message_id":"m1","conversation_id":"run-1","sender":"a","recipient":"b","type":"NOTIFY","created_at":"2026-01-02T15:04:05Z"}`},
		{"status on request", `{"message_id":"m1","conversation_id":"run-1","sender":"a","recipient":"b","type":"REQUEST","task":"x","status":"success","created_at":"2026-01-02T15:04:05Z"}`},
		{"missing required", `{"type":"REQUEST"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode([]byte(tt.data))
			require.Error(t, err)

			var sv *fault.SchemaViolationError
			assert.ErrorAs(t, err, &sv)
		})
	}
}

func TestConversationTracksRequests(t *testing.T) {
	conv := NewConversation("run-1")
	codec := NewCodec(conv)

	req, err := NewRequest("run-1", "coordinator", "explainer", "explain.anomaly", nil)
	require.NoError(t, err)

	_, err = codec.Encode(req)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.Len())

	// A decoded reply referencing the recorded request is accepted.
	resp, err := NewResponse(req, StatusPartial, map[string]any{"done": 2, "failed": 1})
	require.NoError(t, err)

	data, err := codec.Encode(resp)
	require.NoError(t, err)
	assert.NotNil(t, data)
	assert.Equal(t, 2, conv.Len())
}
