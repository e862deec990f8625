package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysAndCompacts(t *testing.T) {
	raw := []byte(`{
		"zeta": 1,
		"alpha": { "b": [1, 2, 3], "a": "x" }
	}`)

	canonical, err := Canonicalize(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":"x","b":[1,2,3]},"zeta":1}`, string(canonical))
}

func TestCanonicalizeIdempotent(t *testing.T) {
	raw := []byte(`{"steps":[{"type":"tool","tool":"echo","args":{"n":1.0,"s":"hi"}}],"name":"w"}`)

	once, err := Canonicalize(raw)
	require.NoError(t, err)
	twice, err := Canonicalize(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestNumberNormalization(t *testing.T) {
	h1, err := HashDefinition([]byte(`{"n": 1}`))
	require.NoError(t, err)
	h2, err := HashDefinition([]byte(`{"n": 1.0}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	neg, err := Canonicalize([]byte(`{"n": -0}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":0}`, string(neg))

	exp, err := Canonicalize([]byte(`{"n": 1e3}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":1000}`, string(exp))
}

func TestHashDefinitionCarriesAlgorithmPrefix(t *testing.T) {
	hash, err := HashDefinition([]byte(`{"steps":[{"type":"sleep"}]}`))
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, hash)

	// Key order must not change the hash
	h2, err := HashDefinition([]byte(`{ "steps" : [ { "type" : "sleep" } ] }`))
	require.NoError(t, err)
	assert.Equal(t, hash, h2)
}

func TestValidateDefinitionRules(t *testing.T) {
	_, err := ParseDefinition([]byte(`{"name":"empty","steps":[]}`))
	require.Error(t, err)

	_, err = ParseDefinition([]byte(`{"steps":[{"type":""}]}`))
	require.Error(t, err)

	_, err = ParseDefinition([]byte(`{"steps":[{"type":"agent_message"}]}`))
	require.Error(t, err, "agent_message without content must be rejected")

	_, err = ParseDefinition([]byte(`{"steps":[{"type":"agent_message","content":"go","await_response":true,"await_timeout_ms":500}]}`))
	require.Error(t, err, "sub-second await timeout must be rejected")

	_, err = ParseDefinition([]byte(`{"steps":[{"type":"branch","then":"not-a-list"}]}`))
	require.Error(t, err)

	def, err := ParseDefinition([]byte(`{"steps":[{"type":"custom_step","anything":true}]}`))
	require.NoError(t, err, "unknown step types pass structural validation")
	assert.Len(t, def.Steps, 1)
}
