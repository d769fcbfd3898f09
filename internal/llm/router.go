package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownVendor is returned when a model id names no registered vendor.
var ErrUnknownVendor = errors.New("llm: unknown vendor")

// Router dispatches "vendor/model" ids to the vendor's StreamClient.
type Router struct {
	mu      sync.RWMutex
	clients map[string]StreamClient
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{clients: make(map[string]StreamClient)}
}

// Register adds or replaces the client for vendor.
func (r *Router) Register(vendor string, client StreamClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[vendor] = client
}

// Vendors returns the registered vendor names, sorted.
func (r *Router) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for v := range r.clients {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// StreamChat implements StreamClient by routing on the model id prefix.
func (r *Router) StreamChat(ctx context.Context, modelID string, messages []ChatMessage, opts StreamOpts, onUpdate func(Update)) error {
	vendor, model, ok := SplitModelID(modelID)
	if !ok {
		return fmt.Errorf("llm: model id %q: want vendor/model", modelID)
	}
	r.mu.RLock()
	client, found := r.clients[vendor]
	r.mu.RUnlock()
	if !found {
		return fmt.Errorf("%w %q", ErrUnknownVendor, vendor)
	}
	return client.StreamChat(ctx, model, messages, opts, onUpdate)
}

// SplitModelID splits "vendor/model". Model names may themselves contain
// slashes (e.g. "openrouter/meta-llama/llama-3-70b").
func SplitModelID(id string) (vendor, model string, ok bool) {
	vendor, model, ok = strings.Cut(id, "/")
	if !ok || vendor == "" || model == "" {
		return "", "", false
	}
	return vendor, model, true
}
