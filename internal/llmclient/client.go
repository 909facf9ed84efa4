// File: internal/llmclient/client.go
package llmclient

import "context"

// Request is one multimodal generation call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	// Image is an optional screenshot sent alongside the prompt.
	Image     []byte
	ImageMIME string
	// Temperature overrides the configured temperature when positive.
	Temperature float32
	ForceJSON   bool
}

// Client generates text from a prompt.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	Close() error
}

func (r Request) mime() string {
	if r.ImageMIME != "" {
		return r.ImageMIME
	}
	return "image/png"
}
