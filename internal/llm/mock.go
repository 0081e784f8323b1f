package llm

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// MockMarker prefixes every synthetic text so it cannot pass for a real
// model answer.
const MockMarker = "[MOCK RESPONSE]"

// MockProvider answers without network I/O. Embeddings are a hashed bag of
// words, so texts sharing words score higher than unrelated ones.
type MockProvider struct {
	dim int
}

func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 768
	}
	return &MockProvider{dim: dim}
}

func (p *MockProvider) Name() string  { return "mock" }
func (p *MockProvider) Model() string { return "mock" }

// Probe always fails: the mock is a substitute, never a real backend.
func (p *MockProvider) Probe(context.Context) error {
	return errors.New("mock provider selected")
}

func (p *MockProvider) Chat(_ context.Context, req ChatRequest) (string, error) {
	return MockReply(req.Prompt), nil
}

func (p *MockProvider) Embed(_ context.Context, text string, _ EmbedTask) ([]float32, error) {
	return HashEmbedding(text, p.dim), nil
}

// MockReply echoes the first 50 characters of prompt behind the marker.
func MockReply(prompt string) string {
	r := []rune(prompt)
	if len(r) > 50 {
		r = r[:50]
	}
	return fmt.Sprintf("%s I received your message: '%s...' (LLM provider not configured)", MockMarker, string(r))
}

// HashEmbedding maps text to a deterministic unit vector of length dim.
func HashEmbedding(text string, dim int) []float32 {
	vec := make([]float64, dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		tokens = []string{text}
	}
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dim)
	if norm == 0 {
		out[0] = 1
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
