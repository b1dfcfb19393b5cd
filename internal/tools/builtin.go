package tools

import (
	"context"
	"encoding/json"
	"time"
)

// RegisterBuiltins adds the always-available local tools.
func RegisterBuiltins(registry *Registry) {
	registry.Register(&FuncHandler{
		SpecValue: Spec{
			Name:        "current_time",
			Description: "Returns the current UTC time in RFC 3339 format.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
			Server:      "local",
		},
		Fn: func(_ context.Context, _ map[string]string) Result {
			return Result{Output: time.Now().UTC().Format(time.RFC3339)}
		},
	})
	registry.Register(&FuncHandler{
		SpecValue: Spec{
			Name:        "echo",
			Description: "Echoes the given text back. Used for connectivity checks.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			Server:      "local",
		},
		Fn: func(_ context.Context, input map[string]string) Result {
			return Result{Output: input["text"]}
		},
	})
}
