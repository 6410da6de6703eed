package contextstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedText_Deterministic(t *testing.T) {
	a := embedText("database migration completed")
	b := embedText("database migration completed")
	assert.Equal(t, a, b, "the same text must always embed identically")

	c := embedText("deploy of api server succeeded")
	assert.NotEqual(t, a, c)
}

func TestEmbedText_UnitNorm(t *testing.T) {
	vec := embedText("some context item text with several tokens")
	require.Len(t, vec, embeddingDim)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestEmbedText_EmptyTextGetsFixedBasis(t *testing.T) {
	vec := embedText("")
	require.Len(t, vec, embeddingDim)
	assert.Equal(t, float32(1), vec[0])
	for _, v := range vec[1:] {
		assert.Equal(t, float32(0), v)
	}
}

func TestEmbedText_CaseAndPunctuationInsensitive(t *testing.T) {
	a := embedText("Database Migration, completed!")
	b := embedText("database migration completed")
	assert.Equal(t, a, b)
}

func TestTokenize(t *testing.T) {
	toks := tokenize("Deploy api-server: OK (v2)")
	assert.Equal(t, []string{"deploy", "api", "server", "ok", "v2"}, toks)
}
