// Package tools implements the tool system: specifications, the XML
// call convention embedded in assistant text, and execution dispatch to
// local or MCP-hosted handlers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ResultImage is an image produced by a tool.
type ResultImage struct {
	// Data is base64-encoded image bytes.
	Data     string
	MimeType string
}

// Result is a tool's outcome. Failures are values, not errors: the
// error text is injected back into the assistant's continuation.
type Result struct {
	// Output is the textual result. JSON outputs are serialized here.
	Output string
	Images []ResultImage
	// Error is non-empty when the tool failed.
	Error string
}

// Text returns the output, or the error text for failed executions.
func (r *Result) Text() string {
	if r.Error != "" {
		return "Error: " + r.Error
	}
	return r.Output
}

// Call is one parsed tool invocation.
type Call struct {
	// ID is assigned at parse time for cache correlation.
	ID    string
	Name  string
	Input map[string]string
}

// InputJSON serializes the call input for persistence.
func (c *Call) InputJSON() json.RawMessage {
	data, err := json.Marshal(c.Input)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// Spec describes one tool offered to the model.
type Spec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	// Server groups tools for display: "local" or an MCP server name.
	Server string
}

// Handler executes one tool call.
type Handler interface {
	Spec() Spec
	Execute(ctx context.Context, input map[string]string) Result
}

// Registry holds the available tools.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces a handler under its spec name.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Spec().Name] = h
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Specs returns all specs sorted by (server, name) for stable display
// and prompt construction.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.handlers))
	for _, h := range r.handlers {
		specs = append(specs, h.Spec())
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Server != specs[j].Server {
			return specs[i].Server < specs[j].Server
		}
		return specs[i].Name < specs[j].Name
	})
	return specs
}

// FuncHandler adapts a function to Handler.
type FuncHandler struct {
	SpecValue Spec
	Fn        func(ctx context.Context, input map[string]string) Result
}

// Spec returns the handler's specification.
func (f *FuncHandler) Spec() Spec { return f.SpecValue }

// Execute runs the wrapped function.
func (f *FuncHandler) Execute(ctx context.Context, input map[string]string) Result {
	return f.Fn(ctx, input)
}

// ErrorResult builds a failed Result from an error.
func ErrorResult(err error) Result {
	return Result{Error: err.Error()}
}

// Errorf builds a failed Result from a format string.
func Errorf(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}
