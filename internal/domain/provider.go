package domain

import (
	"context"
	"encoding/json"
)

// LanguageModel is the boundary to any completion backend.
type LanguageModel interface {
	// Complete sends prompt and returns a JSON document conforming to schema.
	// A nil schema asks for free-form JSON.
	Complete(ctx context.Context, prompt string, schema json.RawMessage) (json.RawMessage, error)
	// Name returns the backend identifier (e.g., "openai", "scripted").
	Name() string
}
