package tools

import (
	"context"

	"github.com/ashita-ai/toolgate/internal/egress"
)

type httpFetchArgs struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (a *httpFetchArgs) Defaults() { a.Method = "GET" }

func httpFetch(g *egress.Guard) func(context.Context, httpFetchArgs) (any, error) {
	return func(ctx context.Context, in httpFetchArgs) (any, error) {
		t, err := g.Validate(ctx, in.URL)
		if err != nil {
			return nil, err
		}
		return g.Fetch(ctx, t, in.Method, in.Headers, in.Body)
	}
}
