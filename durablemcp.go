// Package durablemcp embeds an MCP server whose handlers survive process
// crashes. Tools, resources and prompts are registered against an mcp-go
// server; every invocation runs as a durable workflow, so a handler re-run
// after a crash skips completed steps, refuses to repeat effects it must not
// repeat, and resumes waiting on the client exactly where it left off.
package durablemcp

import (
	"bytes"
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/durablemcp/durablemcp/auth"
	"github.com/durablemcp/durablemcp/logging"
)

// ToolHandler handles one tool call. The Context carries the durable
// primitives of the invocation; plain work outside them must be idempotent.
type ToolHandler func(ctx context.Context, dc *Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// ResourceHandler handles one resource read.
type ResourceHandler func(ctx context.Context, dc *Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error)

// PromptHandler handles one prompt get.
type PromptHandler func(ctx context.Context, dc *Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error)

type options struct {
	logger          logging.Logger
	validateEffects bool
	serverOptions   []server.ServerOption
}

// Option customises a DurableMCP.
type Option func(*options)

// WithLogger overrides the default logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEffectValidation re-runs every tool invocation against its own
// checkpoints and returns the second result. A handler performing effects
// outside the durable primitives, or branching non-deterministically, shows
// up as a diverging re-run. Meant for tests and staging, not production.
func WithEffectValidation() Option {
	return func(o *options) {
		o.validateEffects = true
	}
}

// WithInstructions sets the server instructions returned on initialize.
func WithInstructions(instructions string) Option {
	return func(o *options) {
		o.serverOptions = append(o.serverOptions, server.WithInstructions(instructions))
	}
}

// WithServerOptions appends raw mcp-go server options.
func WithServerOptions(serverOptions ...server.ServerOption) Option {
	return func(o *options) {
		o.serverOptions = append(o.serverOptions, serverOptions...)
	}
}

// DurableMCP is the engine bridging the session servicer and an embedded
// mcp-go server. It is safe for concurrent use once built; register all
// handlers before serving.
type DurableMCP struct {
	server          *server.MCPServer
	logger          logging.Logger
	validateEffects bool
}

// New creates a DurableMCP server with the given implementation name and
// version.
func New(name, version string, opts ...Option) *DurableMCP {
	o := &options{logger: logging.DefaultLogger}
	for _, opt := range opts {
		opt(o)
	}
	serverOptions := append([]server.ServerOption{
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithLogging(),
	}, o.serverOptions...)
	return &DurableMCP{
		server:          server.NewMCPServer(name, version, serverOptions...),
		logger:          o.logger,
		validateEffects: o.validateEffects,
	}
}

// Server exposes the embedded mcp-go server for registrations this package
// does not wrap.
func (d *DurableMCP) Server() *server.MCPServer {
	return d.server
}

// AddTool registers a tool. A PermissionError returned by the handler is
// logged and converted into a tool error result naming the missing scope;
// any other error propagates as a protocol error.
func (d *DurableMCP) AddTool(tool mcp.Tool, handler ToolHandler) {
	d.server.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dc, ok := fromContext(ctx)
		if !ok {
			return nil, errors.New("durable context missing; serve through the session servicer")
		}
		run := func(ctx context.Context) (*mcp.CallToolResult, error) {
			result, err := handler(ctx, dc, request)
			var permission *auth.PermissionError
			if errors.As(err, &permission) {
				d.logger.Infof("tool %s: %v", request.Params.Name, permission)
				return mcp.NewToolResultError(permission.Error()), nil
			}
			return result, err
		}
		if !d.validateEffects {
			return run(ctx)
		}
		return d.runValidatingEffects(ctx, dc, request.Params.Name, run)
	})
}

// runValidatingEffects runs the handler twice, replaying the second run
// against the checkpoints of the first. Both runs must agree.
func (d *DurableMCP) runValidatingEffects(ctx context.Context, dc *Context, name string, run func(ctx context.Context) (*mcp.CallToolResult, error)) (*mcp.CallToolResult, error) {
	first, err := run(ctx)
	if err != nil {
		return nil, err
	}
	dc.Executor().Rewind()
	second, err := run(ctx)
	if err != nil {
		return nil, err
	}
	firstRaw, firstErr := json.Marshal(first)
	secondRaw, secondErr := json.Marshal(second)
	if firstErr == nil && secondErr == nil && !bytes.Equal(firstRaw, secondRaw) {
		d.logger.Warnf("tool %s: results diverged between effect validation runs", name)
	}
	return second, nil
}

// AddResource registers a resource for a fixed URI.
func (d *DurableMCP) AddResource(resource mcp.Resource, handler ResourceHandler) {
	d.server.AddResource(resource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dc, ok := fromContext(ctx)
		if !ok {
			return nil, errors.New("durable context missing; serve through the session servicer")
		}
		return handler(ctx, dc, request)
	})
}

// AddResourceTemplate registers a resource backed by a URI template.
func (d *DurableMCP) AddResourceTemplate(template mcp.ResourceTemplate, handler ResourceHandler) {
	d.server.AddResourceTemplate(template, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dc, ok := fromContext(ctx)
		if !ok {
			return nil, errors.New("durable context missing; serve through the session servicer")
		}
		return handler(ctx, dc, request)
	})
}

// AddPrompt registers a prompt.
func (d *DurableMCP) AddPrompt(prompt mcp.Prompt, handler PromptHandler) {
	d.server.AddPrompt(prompt, func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		dc, ok := fromContext(ctx)
		if !ok {
			return nil, errors.New("durable context missing; serve through the session servicer")
		}
		return handler(ctx, dc, request)
	})
}
