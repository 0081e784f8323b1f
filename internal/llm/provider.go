// Package llm is the language-model client: chat completion and text
// embeddings behind a single availability-gated facade.
package llm

import (
	"context"
	"strings"
)

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior turn sent to the model.
type Message struct {
	Role    Role
	Content string
}

// ChatRequest is a single completion request.
type ChatRequest struct {
	System  string
	History []Message
	Prompt  string
}

// EmbedTask distinguishes stored documents from search queries. Providers
// that support task-specific embeddings use it; others ignore it.
type EmbedTask string

const (
	TaskDocument EmbedTask = "RETRIEVAL_DOCUMENT"
	TaskQuery    EmbedTask = "RETRIEVAL_QUERY"
)

// Provider is a concrete model backend.
type Provider interface {
	Name() string
	Model() string
	Probe(ctx context.Context) error
	Chat(ctx context.Context, req ChatRequest) (string, error)
	Embed(ctx context.Context, text string, task EmbedTask) ([]float32, error)
}

// GenerationOptions apply to every chat call.
type GenerationOptions struct {
	Temperature float64
	MaxTokens   int
	// Dimensions requested from embedding endpoints.
	Dimensions int
}

func normalizeRole(r Role) Role {
	if strings.EqualFold(string(r), string(RoleUser)) {
		return RoleUser
	}
	return RoleAssistant
}
