package contextstore

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
)

// embeddingDim is the vector width of the local embedding.
const embeddingDim = 384

// localEmbedding returns a chromem.EmbeddingFunc backed by token hashing.
// The same text always maps to the same vector, so the index never needs a
// model download or a network call. Similarity degrades to token overlap,
// which is enough for recalling context items by their own vocabulary.
func localEmbedding() chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		return embedText(text), nil
	}
}

func embedText(text string) []float32 {
	vec := make([]float32, embeddingDim)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		// chromem rejects zero vectors, so empty text gets a fixed basis.
		vec[0] = 1
		return vec
	}
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % embeddingDim)
		// The next hash bit picks the sign, which spreads collisions in
		// expectation instead of piling them up in one direction.
		if (sum>>31)&1 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
