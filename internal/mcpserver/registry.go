// Package mcpserver defines the Readwise tools and materializes them onto
// a fresh MCP server for every gateway call.
//
// The table of tool definitions is built once by NewRegistry. NewServer
// creates a new *mcp.Server and registers new handler closures on it, so
// nothing a handler holds outlives the call that created it.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	apperrors "github.com/NinoDja/readwise-mcp-remote3/internal/errors"
	"github.com/NinoDja/readwise-mcp-remote3/internal/logging"
	"github.com/NinoDja/readwise-mcp-remote3/internal/readwise"
)

const implementationName = "readwise-mcp"

const instructions = "Tools for Readwise highlights and books (readwise_*) and Reader documents (reader_*). " +
	"List tools return one upstream page; pass the returned cursor or page number to continue, or set max_pages."

// Tool call outcomes reported to a ToolObserver.
const (
	OutcomeOK        = "ok"
	OutcomeToolError = "tool_error"
	OutcomeRPCError  = "rpc_error"
)

// ToolObserver is told the outcome of every tool invocation.
type ToolObserver interface {
	ToolCall(tool, outcome string)
}

type nopObserver struct{}

func (nopObserver) ToolCall(string, string) {}

// Definition is one entry of the tool table. Register adds the tool to s
// with handler closures that belong to s alone.
type Definition struct {
	Name     string
	Register func(s *mcp.Server)
}

// Registry is the immutable tool table shared by every call.
type Registry struct {
	defs     []Definition
	logger   *slog.Logger
	observer ToolObserver
	version  string
	extra    []Definition
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver reports tool outcomes to o.
func WithObserver(o ToolObserver) Option {
	return func(r *Registry) { r.observer = o }
}

// WithVersion sets the version advertised in the initialize response.
func WithVersion(v string) Option {
	return func(r *Registry) { r.version = v }
}

// WithDefinitions appends definitions after the built-in Readwise tools.
func WithDefinitions(defs ...Definition) Option {
	return func(r *Registry) { r.extra = append(r.extra, defs...) }
}

// NewRegistry builds the tool table around client. It panics if two
// definitions share a name or a tool schema cannot be built, both of which
// are programming errors.
func NewRegistry(client readwise.Caller, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:   logger,
		observer: nopObserver{},
		version:  "dev",
	}
	for _, opt := range opts {
		opt(r)
	}

	r.defs = slices.Concat(
		highlightTools(r, client),
		bookTools(r, client),
		documentTools(r, client),
		tagTools(r, client),
		r.extra,
	)
	r.extra = nil

	seen := make(map[string]bool, len(r.defs))
	for _, d := range r.defs {
		if seen[d.Name] {
			panic(fmt.Sprintf("mcpserver: duplicate tool %q", d.Name))
		}
		seen[d.Name] = true
	}

	return r
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.defs))
	for i, d := range r.defs {
		names[i] = d.Name
	}

	return names
}

// Len returns the number of tools.
func (r *Registry) Len() int {
	return len(r.defs)
}

// NewServer returns a new MCP server carrying every tool. Each call yields
// an independent server; callers own it and must close its sessions.
func (r *Registry) NewServer() *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{
		Name:    implementationName,
		Version: r.version,
	}, &mcp.ServerOptions{
		Instructions: instructions,
		Logger:       r.logger,
		GetSessionID: uuid.NewString,
	})

	for _, d := range r.defs {
		d.Register(s)
	}

	return s
}

// handlerFunc is the shape of every tool body: typed, validated input in,
// raw upstream JSON out.
type handlerFunc[In any] func(ctx context.Context, in In) (json.RawMessage, error)

// enum restricts the string property at path to values. A path segment of
// "*" steps into array items.
type enum struct {
	path   []string
	values []string
}

func enumAt(values []string, path ...string) enum {
	return enum{path: path, values: values}
}

// define builds the Definition for one tool. The input schema is inferred
// from In once, here; each Register call wraps h in a new closure.
func define[In any](r *Registry, name, description string, h handlerFunc[In], enums ...enum) Definition {
	tool := &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema[In](name, enums),
	}

	return Definition{
		Name: name,
		Register: func(s *mcp.Server) {
			mcp.AddTool(s, tool, wrap(r, name, h))
		},
	}
}

func inputSchema[In any](tool string, enums []enum) *jsonschema.Schema {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		panic(fmt.Sprintf("mcpserver: schema for %s: %v", tool, err))
	}

	for _, e := range enums {
		node := schema
		for _, seg := range e.path {
			if seg == "*" {
				node = node.Items
			} else {
				node = node.Properties[seg]
			}

			if node == nil {
				panic(fmt.Sprintf("mcpserver: schema for %s has no property %v", tool, e.path))
			}
		}

		node.Enum = make([]any, len(e.values))
		for i, v := range e.values {
			node.Enum[i] = v
		}
	}

	return schema
}

// wrap adapts h to the SDK. Upstream failures and panics become JSON-RPC
// internal errors; any other handler error becomes an IsError result.
func wrap[In any](r *Registry, name string, h handlerFunc[In]) mcp.ToolHandlerFor[In, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (res *mcp.CallToolResult, out any, err error) {
		logger := r.logger.With(logging.Tool(name))
		if req != nil && req.Extra != nil && req.Extra.TokenInfo != nil {
			logger = logger.With(logging.ClientID(req.Extra.TokenInfo.UserID))
		}

		defer func() {
			if v := recover(); v != nil {
				logger.Error("tool handler panicked",
					slog.Any("panic", v),
					slog.String("stack", string(debug.Stack())),
				)
				r.observer.ToolCall(name, OutcomeRPCError)

				res, out, err = nil, nil, &jsonrpc.Error{
					Code:    jsonrpc.CodeInternalError,
					Message: "Internal error",
				}
			}
		}()

		raw, err := h(ctx, in)
		if err != nil {
			if rpcErr := upstreamRPCError(err); rpcErr != nil {
				logger.Warn("tool upstream call failed", logging.Err(err))
				r.observer.ToolCall(name, OutcomeRPCError)

				return nil, nil, rpcErr
			}

			logger.Info("tool rejected arguments", logging.Err(err))
			r.observer.ToolCall(name, OutcomeToolError)

			return nil, nil, err
		}

		logger.Debug("tool call completed")
		r.observer.ToolCall(name, OutcomeOK)

		return textResult(raw), nil, nil
	}
}

// upstreamError is the Data payload of an upstream RPC error.
type upstreamError struct {
	Status int    `json:"status,omitempty"`
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
	Body   string `json:"body,omitempty"`
}

// upstreamRPCError converts a Readwise failure into an unwrapped
// *jsonrpc.Error, which the SDK relays as a protocol error. It returns nil
// for anything that did not come from the upstream client.
func upstreamRPCError(err error) *jsonrpc.Error {
	var ue *readwise.UpstreamError
	if errors.As(err, &ue) {
		data, _ := json.Marshal(upstreamError{
			Status: ue.StatusCode,
			Method: ue.Method,
			Path:   ue.Path,
			Body:   ue.Body,
		})

		return &jsonrpc.Error{
			Code:    jsonrpc.CodeInternalError,
			Message: fmt.Sprintf("Readwise API error: %s %s returned %d", ue.Method, ue.Path, ue.StatusCode),
			Data:    data,
		}
	}

	if errors.Is(err, apperrors.ErrUpstream) {
		return &jsonrpc.Error{
			Code:    jsonrpc.CodeInternalError,
			Message: "Readwise API request failed",
		}
	}

	return nil
}

// textResult wraps upstream JSON in a single indented text block.
func textResult(raw json.RawMessage) *mcp.CallToolResult {
	text := string(raw)

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err == nil {
		text = buf.String()
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// jsonResult marshals v for textResult.
func jsonResult(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	return data, nil
}

// invalidArgument is returned for input the schema cannot express, such as
// an empty update. The SDK reports it as a tool error.
func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("invalid arguments: "+format, args...)
}
