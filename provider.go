package oasis

import "context"

// Provider abstracts the LLM backend. Tool definitions travel on
// ChatRequest.Tools rather than as a separate parameter, so a single Chat
// method serves both plain and tool-calling turns.
type Provider interface {
	// Chat sends a request and returns a complete response. If req.Tools is
	// non-empty the response may contain tool calls instead of content.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams events into ch, then returns the final response with
	// usage stats. ch is closed before ChatStream returns, by the callee.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "anthropic").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
