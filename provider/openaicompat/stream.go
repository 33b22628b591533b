package openaicompat

import (
	"context"
	"encoding/json"
	"io"

	"github.com/lumenai/gateway"
)

// StreamSSE reads an OpenAI-dialect SSE stream from body, forwards text
// deltas to ch, and returns the fully accumulated response (content + tool
// calls + usage). Decoding itself is delegated to oasis.Decode so this
// provider never re-implements dialect parsing or partial-JSON recovery.
//
// The channel is closed when streaming completes. Callers should read from
// ch in a separate goroutine.
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- oasis.StreamEvent) (oasis.ChatResponse, error) {
	defer close(ch)

	chunks, errc := oasis.Decode(ctx, oasis.DialectOpenAI, body)

	var content, lastToolName string
	var toolCalls []oasis.ToolCall
	var usage oasis.Usage

	for c := range chunks {
		switch c.Type {
		case oasis.ChunkTextDelta:
			content += c.Text
			select {
			case ch <- oasis.StreamEvent{Type: oasis.EventTextDelta, Content: c.Text}:
			case <-ctx.Done():
				return oasis.ChatResponse{}, ctx.Err()
			}
		case oasis.ChunkToolUseStart:
			lastToolName = c.ToolName
		case oasis.ChunkToolUseEnd:
			name := c.ToolName
			if name == "" {
				name = lastToolName
			}
			args := c.ParsedInput
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			toolCalls = append(toolCalls, oasis.ToolCall{ID: c.ToolCallID, Name: name, Args: args})
		case oasis.ChunkMessageStop:
			usage = c.Usage
		}
	}

	if err := <-errc; err != nil {
		return oasis.ChatResponse{}, err
	}

	return oasis.ChatResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage:     usage,
	}, nil
}
