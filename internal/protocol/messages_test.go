package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

func TestDecodeServerMessageDispatchesOnType(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		NewPowChallenge("abc123", 4, 200),
		NewDecisionChallenge(1, 10, "debug_incident", "prompt", []string{"A: x", "B: y"}, 1500),
		NewEnvRequest([]string{"has_tty"}, 5000),
		Accept("sess", "tok", []int{1, 2, 3}),
		Reject("sess", domain.ReasonStage1Timeout),
	}
	for _, m := range msgs {
		data, err := json.Marshal(m)
		require.NoError(t, err)

		got, err := DecodeServerMessage(data)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestChallengeCarriesStageAndTimeout(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(NewPowChallenge("n", 4, 200))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(1), raw["stage"])
	assert.Equal(t, TypePowChallenge, raw["type"])
	assert.Equal(t, float64(200), raw["timeout_ms"])
}

func TestRejectOmitsToken(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Reject("s", "stage1_invalid"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "token")
	assert.Contains(t, string(data), `"reason":"stage1_invalid"`)
}

func TestDecodeServerMessageUnknownType(t *testing.T) {
	t.Parallel()

	_, err := DecodeServerMessage([]byte(`{"type":"error"}`))
	assert.Error(t, err)
	_, err = DecodeServerMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeResponse(t *testing.T) {
	t.Parallel()

	r, err := DecodeResponse([]byte(`{"answer":"B","justification":"pool","prev_answer_hash":"abcd"}`))
	require.NoError(t, err)
	require.NotNil(t, r.Answer)
	assert.Equal(t, "B", *r.Answer)
	assert.Nil(t, r.Solution)
	assert.Equal(t, "abcd", r.PrevAnswerHash)

	r, err = DecodeResponse([]byte(`{"env":{"has_tty":false,"parent_process":"node"}}`))
	require.NoError(t, err)
	require.NotNil(t, r.Env)
	require.NotNil(t, r.Env.HasTTY)
	assert.False(t, *r.Env.HasTTY)
	assert.Nil(t, r.Env.DisplaySet)

	_, err = DecodeResponse([]byte(`{"solution":`))
	assert.Error(t, err)
}

func TestDecodeResponseMistypedEnvField(t *testing.T) {
	t.Parallel()

	r, err := DecodeResponse([]byte(`{"env":{"has_tty":"no","display_set":false,"uptime_seconds":10,` +
		`"open_connections":3.5,"parent_process":7}}`))
	require.NoError(t, err)
	require.NotNil(t, r.Env)
	assert.Nil(t, r.Env.HasTTY)
	assert.Nil(t, r.Env.OpenConnections)
	assert.Empty(t, r.Env.ParentProcess)
	require.NotNil(t, r.Env.DisplaySet)
	assert.False(t, *r.Env.DisplaySet)
	require.NotNil(t, r.Env.UptimeSeconds)
	assert.InDelta(t, 10.0, *r.Env.UptimeSeconds, 1e-9)

	r, err = DecodeResponse([]byte(`{"env":{"has_tty":null,"open_connections":"3"}}`))
	require.NoError(t, err)
	assert.Nil(t, r.Env.HasTTY)
	assert.Nil(t, r.Env.OpenConnections)

	r, err = DecodeResponse([]byte(`{"env":null}`))
	require.NoError(t, err)
	assert.Nil(t, r.Env)

	_, err = DecodeResponse([]byte(`{"env":"tty"}`))
	assert.Error(t, err, "env must be an object")
}
