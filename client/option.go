package client

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/durablemcp/durablemcp/logging"
)

// Elicitation is a server-initiated request for structured user input.
type Elicitation struct {
	// EventID is the durable id of the request; the answer is posted under
	// it.
	EventID string

	// Message is the prompt shown to the user.
	Message string

	// RequestedSchema describes the expected content as a flat object of
	// primitive properties.
	RequestedSchema map[string]any
}

// ElicitationResult is the answer to an Elicitation.
type ElicitationResult struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

// ElicitationHandler answers server-initiated elicitations. Returning an
// error declines the elicitation.
type ElicitationHandler func(request *Elicitation) (*ElicitationResult, error)

// NotificationHandler observes server notifications, e.g. progress and log
// messages.
type NotificationHandler func(method string, params json.RawMessage)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithSessionHeader overrides the session id header name.
func WithSessionHeader(name string) Option {
	return func(c *Client) { c.sessionHeader = name }
}

// WithProtocolVersion overrides the MCP-Protocol-Version header value.
func WithProtocolVersion(version string) Option {
	return func(c *Client) { c.protocolVersion = version }
}

// WithBearerToken sends token in the Authorization header of every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearerToken = token }
}

// WithClientInfo sets the client identity reported on initialize.
func WithClientInfo(name, version string) Option {
	return func(c *Client) {
		c.clientName = name
		c.clientVersion = version
	}
}

// WithElicitationHandler installs the callback answering elicitations.
// Without one every elicitation is declined.
func WithElicitationHandler(handler ElicitationHandler) Option {
	return func(c *Client) { c.onElicitation = handler }
}

// WithNotificationHandler installs an observer for server notifications.
func WithNotificationHandler(handler NotificationHandler) Option {
	return func(c *Client) { c.onNotification = handler }
}

// WithNextRequestID seeds the JSON-RPC request id counter, so a reconnecting
// client does not reuse ids of requests issued before the disconnect.
func WithNextRequestID(next int64) Option {
	return func(c *Client) { c.nextID.Store(next - 1) }
}

// WithLogger overrides the default logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}
