package durablemcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/durablemcp/durablemcp/auth"
	"github.com/durablemcp/durablemcp/eventstore"
	"github.com/durablemcp/durablemcp/servicer"
	"github.com/durablemcp/durablemcp/wire"
	"github.com/durablemcp/durablemcp/workflow"
)

// retryPromptPrefix is prepended to an elicitation message when a prior
// attempt had already reached the client, so the user understands why they
// are being asked again.
const retryPromptPrefix = "Sorry, we got disconnected and need to try again: "

// Context is the durable side-channel of one handler invocation. Every
// client-visible event it emits carries a deterministic id derived from the
// workflow identity and the event's alias, so a handler re-run after a crash
// produces the same events and the log deduplicates them.
type Context struct {
	run           *engineRun
	requestID     string
	progressToken any
	accessToken   *auth.AccessToken
}

type contextKey struct{}

func withContext(ctx context.Context, dc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, dc)
}

func fromContext(ctx context.Context) (*Context, bool) {
	dc, ok := ctx.Value(contextKey{}).(*Context)
	return dc, ok
}

// SessionID returns the id of the session this invocation belongs to.
func (c *Context) SessionID() string {
	return c.run.call.SessionID
}

// RequestID returns the canonical id of the request being handled.
func (c *Context) RequestID() string {
	return c.requestID
}

// Executor exposes the invocation's workflow executor for direct use of the
// durable step primitives.
func (c *Context) Executor() *workflow.Executor {
	return c.run.call.Executor
}

// AccessToken returns the verified token of the request, or nil when the
// endpoint runs without authentication.
func (c *Context) AccessToken() *auth.AccessToken {
	return c.accessToken
}

// RequireScopes fails with a PermissionError naming the first scope the
// request's token lacks.
func (c *Context) RequireScopes(scopes ...string) error {
	return c.accessToken.RequireScopes(scopes...)
}

// WithinLoop runs body once per iteration until it reports done. Steps and
// events inside body checkpoint per iteration.
func (c *Context) WithinLoop(ctx context.Context, body func(ctx context.Context) (done bool, err error)) error {
	return c.Executor().WithinLoop(ctx, body)
}

// sendDurableNotification emits a notification under the deterministic event
// id of alias. The alias must be unique within the invocation.
func (c *Context) sendDurableNotification(ctx context.Context, alias, method string, params map[string]any) error {
	executor := c.Executor()
	if err := executor.RegisterAlias(alias); err != nil {
		return err
	}
	params["_meta"] = map[string]string{
		eventstore.MetaEventIdKey: eventstore.Hex(executor.EventID(alias)),
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	message := &wire.Message{
		Type: wire.MessageTypeNotification,
		Notification: &wire.Notification{
			Jsonrpc: wire.Version,
			Method:  method,
			Params:  raw,
		},
	}
	if !c.run.call.Send(ctx, &servicer.Envelope{Message: message, RelatedRequestId: c.requestID}) {
		return errRequestCompleted
	}
	return nil
}

// ReportProgress emits a progress notification for the request. It is a
// no-op when the client supplied no progress token. A total of zero means
// unknown and is omitted.
func (c *Context) ReportProgress(ctx context.Context, progress, total float64, message string) error {
	if c.progressToken == nil {
		return nil
	}
	alias := fmt.Sprintf("report_progress(progress=%v, total=%v, message=%v)", progress, total, message)
	params := map[string]any{
		"progressToken": c.progressToken,
		"progress":      progress,
	}
	if total != 0 {
		params["total"] = total
	}
	if message != "" {
		params["message"] = message
	}
	return c.sendDurableNotification(ctx, alias, "notifications/progress", params)
}

// Log emits a log message notification at the given level.
func (c *Context) Log(ctx context.Context, level, message string) error {
	return c.logWith(ctx, level, message, "")
}

// LogWithLogger emits a log message notification attributed to loggerName.
func (c *Context) LogWithLogger(ctx context.Context, level, message, loggerName string) error {
	return c.logWith(ctx, level, message, loggerName)
}

// Debug emits a debug-level log message notification.
func (c *Context) Debug(ctx context.Context, message string) error {
	return c.logWith(ctx, "debug", message, "")
}

// Info emits an info-level log message notification.
func (c *Context) Info(ctx context.Context, message string) error {
	return c.logWith(ctx, "info", message, "")
}

// Warning emits a warning-level log message notification.
func (c *Context) Warning(ctx context.Context, message string) error {
	return c.logWith(ctx, "warning", message, "")
}

// Error emits an error-level log message notification.
func (c *Context) Error(ctx context.Context, message string) error {
	return c.logWith(ctx, "error", message, "")
}

func (c *Context) logWith(ctx context.Context, level, message, loggerName string) error {
	alias := fmt.Sprintf("log(level='%s', message='%s', logger_name='%s')", level, message, loggerName)
	params := map[string]any{
		"level": level,
		"data":  message,
	}
	if loggerName != "" {
		params["logger"] = loggerName
	}
	return c.sendDurableNotification(ctx, alias, "notifications/message", params)
}

// Session returns the durable session surface for session-wide
// notifications.
func (c *Context) Session() *DurableSession {
	return &DurableSession{context: c}
}

// DurableSession emits session-scoped notifications. Each sender takes a why
// argument describing the cause of the change; it disambiguates the event
// alias, so two changes within one invocation need two different reasons.
type DurableSession struct {
	context *Context
}

// SendResourceListChanged notifies the client that the resource list
// changed.
func (s *DurableSession) SendResourceListChanged(ctx context.Context, why string) error {
	return s.context.sendDurableNotification(ctx, "send_resource_list_changed: "+why, "notifications/resources/list_changed", map[string]any{})
}

// SendToolListChanged notifies the client that the tool list changed.
func (s *DurableSession) SendToolListChanged(ctx context.Context, why string) error {
	return s.context.sendDurableNotification(ctx, "send_tool_list_changed: "+why, "notifications/tools/list_changed", map[string]any{})
}

// SendPromptListChanged notifies the client that the prompt list changed.
func (s *DurableSession) SendPromptListChanged(ctx context.Context, why string) error {
	return s.context.sendDurableNotification(ctx, "send_prompt_list_changed: "+why, "notifications/prompts/list_changed", map[string]any{})
}

// Elicitation actions a client may answer with.
const (
	ElicitationAccept  = "accept"
	ElicitationDecline = "decline"
	ElicitationCancel  = "cancel"
)

// ElicitationSchema restricts what an elicitation may request: a flat object
// of primitive properties.
type ElicitationSchema struct {
	Properties map[string]ElicitationProperty
	Required   []string
}

// ElicitationProperty describes one requested field.
type ElicitationProperty struct {
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ElicitationResult is the client's answer. Content is only present on
// accept.
type ElicitationResult struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

var primitiveTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
}

func validateElicitationSchema(schema ElicitationSchema) error {
	for name, property := range schema.Properties {
		if !primitiveTypes[property.Type] {
			return fmt.Errorf("elicitation schema property %q: type %q is not primitive", name, property.Type)
		}
	}
	return nil
}

func requestedSchema(schema ElicitationSchema) map[string]any {
	requested := map[string]any{
		"type":       "object",
		"properties": schema.Properties,
	}
	if len(schema.Required) > 0 {
		requested["required"] = schema.Required
	}
	return requested
}

// Elicit asks the client for structured input and blocks until it answers.
// The result is memoized durably: a handler re-run returns the recorded
// answer without asking again. If a prior attempt had already reached the
// client when the process crashed, the re-sent prompt says so and the stale
// request is cancelled separately.
//
// The elicitation request itself goes out under a fresh event id on every
// send. The client holds no durable state, so after a reconnect it must see
// the request as new rather than as a replay it already answered.
func (c *Context) Elicit(ctx context.Context, message string, schema ElicitationSchema) (*ElicitationResult, error) {
	if err := validateElicitationSchema(schema); err != nil {
		return nil, err
	}
	schemaJSON, err := json.Marshal(requestedSchema(schema))
	if err != nil {
		return nil, err
	}
	alias := fmt.Sprintf("elicit(message='%s', schema=%s)", message, schemaJSON)
	executor := c.Executor()
	if err := executor.RegisterAlias(alias); err != nil {
		return nil, err
	}
	return workflow.Memoize(ctx, executor, alias, func(ctx context.Context, retrying bool) (*ElicitationResult, error) {
		prompt := message
		if retrying {
			prompt = retryPromptPrefix + message
		}
		params, err := json.Marshal(map[string]any{
			"message":         prompt,
			"requestedSchema": requestedSchema(schema),
			"_meta": map[string]string{
				eventstore.MetaEventIdKey: eventstore.Hex(uuid.New()),
			},
		})
		if err != nil {
			return nil, err
		}
		wireID := "elicit-" + eventstore.Hex(uuid.New())
		response, err := c.run.sendRequestAndWait(ctx, wireID, "elicitation/create", params)
		if err != nil {
			return nil, err
		}
		if response.Error != nil {
			return nil, fmt.Errorf("elicitation failed: %s", response.Error.Message)
		}
		return parseElicitationResult(response.Result)
	})
}

func parseElicitationResult(raw json.RawMessage) (*ElicitationResult, error) {
	normalized, err := eventstore.NormalizeNumbers(raw)
	if err != nil {
		return nil, err
	}
	result := &ElicitationResult{}
	if err := json.Unmarshal(normalized, result); err != nil {
		return nil, fmt.Errorf("failed to decode elicitation result: %w", err)
	}
	switch result.Action {
	case ElicitationAccept, ElicitationDecline, ElicitationCancel:
		return result, nil
	}
	return nil, errors.New("elicitation result has no valid action")
}
