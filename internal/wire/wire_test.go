package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_PopulatesRequiredFields(t *testing.T) {
	env, err := NewEnvelope(KindClarification, "producer-1", RoleProducer, ClarificationPayload{
		ID:        "q1",
		Question:  "deploy now?",
		Urgency:   UrgencyLow,
		Timestamp: 1000,
		Status:    StatusPending,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, KindClarification, env.Type)
	assert.Equal(t, "producer-1", env.ClientID)
	assert.Equal(t, RoleProducer, env.ClientType)
	assert.Greater(t, env.Timestamp, int64(0))
	require.NoError(t, env.Validate())

	var payload ClarificationPayload
	require.NoError(t, env.DecodeData(&payload))
	assert.Equal(t, "q1", payload.ID)
	assert.Equal(t, "deploy now?", payload.Question)
}

func TestNewEnvelope_NilPayloadBecomesEmptyObject(t *testing.T) {
	env, err := NewEnvelope(KindHeartbeat, "cli-1", RoleConsumer, nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(env.Data))
}

func TestEnvelope_ValidateRejectsMissingFields(t *testing.T) {
	base := func() *Envelope {
		env, err := NewEnvelope(KindHeartbeat, "cli-1", RoleConsumer, nil)
		require.NoError(t, err)
		return env
	}

	cases := []struct {
		name   string
		mutate func(*Envelope)
		field  string
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }, "id"},
		{"missing type", func(e *Envelope) { e.Type = "" }, "type"},
		{"unknown type", func(e *Envelope) { e.Type = "telemetry" }, "type"},
		{"missing client id", func(e *Envelope) { e.ClientID = "" }, "clientId"},
		{"unknown client type", func(e *Envelope) { e.ClientType = "observer" }, "clientType"},
		{"broker role not registerable", func(e *Envelope) { e.ClientType = RoleBroker }, "clientType"},
		{"missing timestamp", func(e *Envelope) { e.Timestamp = 0 }, "timestamp"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := base()
			tc.mutate(env)
			err := env.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestEnvelope_DataMapPreservesUnknownFields(t *testing.T) {
	raw := json.RawMessage(`{"id":"q1","question":"a?","urgency":"low","timestamp":1000,"status":"pending","x_trace":"abc123"}`)
	env, err := NewEnvelope(KindClarification, "producer-1", RoleProducer, raw)
	require.NoError(t, err)

	m, err := env.DataMap()
	require.NoError(t, err)
	m["status"] = string(StatusTimeout)

	rewritten, err := json.Marshal(m)
	require.NoError(t, err)

	var round map[string]interface{}
	require.NoError(t, json.Unmarshal(rewritten, &round))
	assert.Equal(t, "abc123", round["x_trace"])
	assert.Equal(t, "timeout", round["status"])
	assert.Equal(t, "a?", round["question"])
}

func TestResponsePayload_NullResponseOnError(t *testing.T) {
	p := ResponsePayload{RequestID: "q1", Error: "No CLI clients available"}
	buf, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestId":"q1","response":null,"error":"No CLI clients available"}`, string(buf))
}
