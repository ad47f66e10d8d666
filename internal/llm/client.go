// Package llm is the boundary to the reasoning engine. Providers
// translate the neutral Request/Response types to their wire formats.
package llm

import (
	"context"
	"fmt"
)

// Client generates one engine response for a conversation.
type Client interface {
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Provider names the backend service, e.g. "gemini".
	Provider() string
}

// APIError is a non-success reply from the engine's API.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}
