package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client defines the standard interface for any assessor backend.
//
// Generate runs a single prompt through the model and returns the raw
// completion text. The scoring layer owns prompt construction, response
// parsing, and retry policy; implementations here only transport.
type Client interface {
	Generate(ctx context.Context, system, prompt string, params GenerationParams) (string, error)

	// Model returns the fixed model identity for the determinism contract.
	Model() string
}

// Embedder computes dense vector embeddings for text.
//
// Implementations must be safe for concurrent use. The redundancy
// analyzer and the archive writer share one Embedder so stored vectors
// and query vectors come from the same model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
