package server

import (
	"time"

	"github.com/durablemcp/durablemcp/auth"
	"github.com/durablemcp/durablemcp/logging"
)

// Options exposes configurable attributes of the handler.
type Options struct {
	// URI of the endpoint; empty matches any path when the handler is
	// mounted on a specific route.
	URI string

	// SessionHeader carries the MCP session id.
	SessionHeader string

	// ProtocolVersion is echoed on every response.
	ProtocolVersion string

	// Verifier enables bearer authentication when set.
	Verifier auth.TokenVerifier

	// HeartbeatInterval paces SSE keep-alive comments on a standing GET.
	HeartbeatInterval time.Duration

	Logger logging.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithURI sets a custom URI suffix the handler answers on.
func WithURI(uri string) Option {
	return func(o *Options) { o.URI = uri }
}

// WithSessionHeader overrides the session id header name.
func WithSessionHeader(name string) Option {
	return func(o *Options) { o.SessionHeader = name }
}

// WithProtocolVersion overrides the advertised MCP protocol version.
func WithProtocolVersion(version string) Option {
	return func(o *Options) { o.ProtocolVersion = version }
}

// WithVerifier enables bearer authentication through verifier.
func WithVerifier(verifier auth.TokenVerifier) Option {
	return func(o *Options) { o.Verifier = verifier }
}

// WithHeartbeatInterval sets the keep-alive pace for standing GET streams.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(o *Options) { o.HeartbeatInterval = interval }
}

// WithLogger overrides the default logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}
