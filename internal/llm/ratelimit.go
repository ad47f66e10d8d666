package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// limitedClient spaces Generate calls to stay under a request rate.
type limitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// WithRateLimit wraps c so that at most perMinute requests start per
// minute, with a burst of one. A non-positive rate returns c unchanged.
func WithRateLimit(c Client, perMinute float64) Client {
	if perMinute <= 0 {
		return c
	}
	return &limitedClient{
		next:    c,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
	}
}

func (c *limitedClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return c.next.Generate(ctx, req)
}

func (c *limitedClient) Provider() string { return c.next.Provider() }
