package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysAndNests(t *testing.T) {
	data, err := Marshal(map[string]any{
		"movement": "implement",
		"attempt":  2,
		"inputs":   []string{"spec", "api"},
		"context":  map[string]any{"strategy": "summary", "blind": false},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"attempt":2,"context":{"blind":false,"strategy":"summary"},"inputs":["spec","api"],"movement":"implement"}`,
		string(data))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	data, err := Marshal("a<b>&c")
	require.NoError(t, err)
	assert.Equal(t, `"a<b>&c"`, string(data))
}

func TestMarshal_EscapesControlCharacters(t *testing.T) {
	data, err := Marshal("line\n\ttab\"q\\\x01")
	require.NoError(t, err)
	assert.Equal(t, `"line\n\ttab\"q\\\u0001"`, string(data))
}

func TestMarshal_LineSeparatorsAreLiteral(t *testing.T) {
	data, err := Marshal("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(data))
}

func TestMarshal_NFCNormalizes(t *testing.T) {
	decomposed, err := Marshal("e\u0301")
	require.NoError(t, err)
	composed, err := Marshal("\u00e9")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshal_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogate 0xD83D, which sorts before U+FB01 (0xFB01)
	// in UTF-16 but after it in UTF-8.
	data, err := Marshal(map[string]any{"\ufb01": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\ufb01\":1}", string(data))
}

func TestMarshal_RejectsFloatsAndNull(t *testing.T) {
	_, err := Marshal(map[string]any{"score": 0.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = Marshal([]any{"x", nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[1]")
}

func TestHash_DomainSeparated(t *testing.T) {
	in, err := Hash(DomainTaskInput, map[string]any{"goal": "ship"})
	require.NoError(t, err)
	out, err := Hash(DomainTaskOutput, map[string]any{"goal": "ship"})
	require.NoError(t, err)

	assert.Len(t, in, 64)
	assert.NotEqual(t, in, out)

	again, err := Hash(DomainTaskInput, map[string]any{"goal": "ship"})
	require.NoError(t, err)
	assert.Equal(t, in, again)
}
