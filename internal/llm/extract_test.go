package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONDirect(t *testing.T) {
	raw := `{"verdict": "Yes", "confidence": "high"}`
	got, err := ExtractJSON(raw)
	require.NoError(t, err)

	var m map[string]string
	require.NoError(t, json.Unmarshal(got, &m))
	assert.Equal(t, "Yes", m["verdict"])
}

func TestExtractJSONFencedBlock(t *testing.T) {
	raw := "Here is the answer:\n```json\n{\"verdict\": \"No\"}\n```\nHope that helps."
	got, err := ExtractJSON(raw)
	require.NoError(t, err)

	var m map[string]string
	require.NoError(t, json.Unmarshal(got, &m))
	assert.Equal(t, "No", m["verdict"])
}

func TestExtractJSONFencedBlockWithoutLanguage(t *testing.T) {
	raw := "```\n{\"a\": 1}\n```"
	got, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(got))
}

func TestExtractJSONBalancedObjectInProse(t *testing.T) {
	raw := `The model says {"verdict": "Yes, {nested} braces in string", "n": 2} and more text {"b":3}`
	got, err := ExtractJSON(raw)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(got, &m))
	assert.Equal(t, "Yes, {nested} braces in string", m["verdict"])
	assert.Equal(t, float64(2), m["n"])
}

func TestExtractJSONEscapedQuotes(t *testing.T) {
	raw := `prefix {"quote": "he said \"done\""} suffix`
	got, err := ExtractJSON(raw)
	require.NoError(t, err)

	var m map[string]string
	require.NoError(t, json.Unmarshal(got, &m))
	assert.Equal(t, `he said "done"`, m["quote"])
}

func TestExtractJSONNothingThere(t *testing.T) {
	_, err := ExtractJSON("no structured output at all")
	assert.ErrorIs(t, err, ErrNoJSON)
}
