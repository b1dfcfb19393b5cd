package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MCPInvoker dispatches a call to an MCP-hosted tool. Server management
// is outside this package; the executor only needs the invocation hook.
type MCPInvoker interface {
	// Invoke runs a tool on its MCP server.
	Invoke(ctx context.Context, server, tool string, input map[string]string) (Result, error)
	// Servers lists tool specs grouped by server.
	Servers(ctx context.Context) ([]Spec, error)
}

// Executor resolves calls against the local registry first, then the
// MCP invoker. Input is validated against the tool's JSON schema when
// one is declared; validation failures become error results so the
// model can correct itself.
type Executor struct {
	registry *Registry
	mcp      MCPInvoker
	logger   *slog.Logger
	timeout  time.Duration

	schemaCache map[string]*jsonschema.Schema
}

// NewExecutor creates an executor. mcp may be nil.
func NewExecutor(registry *Registry, mcp MCPInvoker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:    registry,
		mcp:         mcp,
		logger:      logger,
		timeout:     2 * time.Minute,
		schemaCache: make(map[string]*jsonschema.Schema),
	}
}

// Specs returns local specs plus MCP specs when an invoker is present.
func (e *Executor) Specs(ctx context.Context) []Spec {
	specs := e.registry.Specs()
	if e.mcp != nil {
		mcpSpecs, err := e.mcp.Servers(ctx)
		if err != nil {
			e.logger.Warn("listing mcp tools failed", "error", err)
		} else {
			specs = append(specs, mcpSpecs...)
		}
	}
	return specs
}

// Execute runs one call. Unknown tools and handler panics become error
// results, never Go errors: the failure text flows back to the model.
func (e *Executor) Execute(ctx context.Context, call Call) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool handler panicked", "tool", call.Name, "panic", r)
			result = Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if handler, ok := e.registry.Get(call.Name); ok {
		if errResult, bad := e.validateInput(handler.Spec(), call); bad {
			return errResult
		}
		return handler.Execute(ctx, call.Input)
	}

	if e.mcp != nil {
		if spec, server, ok := e.findMCPSpec(ctx, call.Name); ok {
			if errResult, bad := e.validateInput(spec, call); bad {
				return errResult
			}
			res, err := e.mcp.Invoke(ctx, server, call.Name, call.Input)
			if err != nil {
				return ErrorResult(err)
			}
			return res
		}
	}

	return Errorf("unknown tool: %s", call.Name)
}

func (e *Executor) findMCPSpec(ctx context.Context, name string) (Spec, string, bool) {
	specs, err := e.mcp.Servers(ctx)
	if err != nil {
		return Spec{}, "", false
	}
	for _, s := range specs {
		if s.Name == name {
			return s, s.Server, true
		}
	}
	return Spec{}, "", false
}

// validateInput checks call input against the spec's schema. Returns
// (errorResult, true) on validation failure, (zero, false) otherwise.
func (e *Executor) validateInput(spec Spec, call Call) (Result, bool) {
	if len(spec.InputSchema) == 0 {
		return Result{}, false
	}
	schema, err := e.compiledSchema(spec)
	if err != nil {
		// A broken schema should not block the tool.
		e.logger.Warn("tool schema failed to compile", "tool", spec.Name, "error", err)
		return Result{}, false
	}

	// XML parameters arrive as strings; validate the string-typed view.
	doc := make(map[string]any, len(call.Input))
	for k, v := range call.Input {
		doc[k] = v
	}
	if err := schema.Validate(doc); err != nil {
		return Errorf("invalid input for %s: %v", spec.Name, err), true
	}
	return Result{}, false
}

func (e *Executor) compiledSchema(spec Spec) (*jsonschema.Schema, error) {
	if schema, ok := e.schemaCache[spec.Name]; ok {
		return schema, nil
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("tool://%s/schema.json", spec.Name)
	if err := compiler.AddResource(url, bytes.NewReader(spec.InputSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	e.schemaCache[spec.Name] = schema
	return schema, nil
}
