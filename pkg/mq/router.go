package mq

import (
	"context"
	"encoding/json"
	"fmt"
)

// Router dispatches jobs that share a queue by their "type" field.
type Router struct {
	routes map[string]MessageHandler
}

func NewRouter() *Router {
	return &Router{
		routes: make(map[string]MessageHandler),
	}
}

func (r *Router) Register(jobType string, h MessageHandler) {
	r.routes[jobType] = h
}

// Handle satisfies MessageHandler. Unknown or undecodable jobs are permanent
// failures so they land in the dead-letter queue instead of looping.
func (r *Router) Handle(ctx context.Context, data json.RawMessage) error {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Permanent(fmt.Errorf("bad_payload: %w", err))
	}

	h, ok := r.routes[envelope.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler for job type %q", envelope.Type))
	}
	return h(ctx, data)
}
