// Package client implements the consumer side of the streamable HTTP
// transport: initial connect, message exchange over POST, and reconnect with
// a resumption token. A disconnected call resumes from the last seen event
// id, so the caller observes every event exactly once no matter how many
// connections, or server processes, the request spanned.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/viant/afs/url"

	"github.com/durablemcp/durablemcp/eventstore"
	"github.com/durablemcp/durablemcp/logging"
	"github.com/durablemcp/durablemcp/wire"
)

const (
	sseMime                = "text/event-stream"
	defaultSessionHeader   = "Mcp-Session-Id"
	defaultProtocolVersion = "2025-06-18"
	protocolVersionHeader  = "MCP-Protocol-Version"
	lastEventIDHeader      = "Last-Event-ID"
)

// Client talks to one durable MCP endpoint over streamable HTTP.
type Client struct {
	endpoint        string
	httpClient      *http.Client
	sessionHeader   string
	protocolVersion string
	bearerToken     string
	clientName      string
	clientVersion   string
	logger          logging.Logger
	onElicitation   ElicitationHandler
	onNotification  NotificationHandler

	sessionID   string
	nextID      atomic.Int64
	lastEventID atomic.Value
}

func newClient(endpointURL string, opts ...Option) *Client {
	c := &Client{
		endpoint:        normalizeEndpoint(endpointURL),
		httpClient:      http.DefaultClient,
		sessionHeader:   defaultSessionHeader,
		protocolVersion: defaultProtocolVersion,
		clientName:      "durablemcp-go",
		clientVersion:   "0.1.0",
		logger:          logging.DefaultLogger,
	}
	c.lastEventID.Store("")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes a new session against endpointURL: it performs the
// initialize handshake and sends the initialized notification.
func Connect(ctx context.Context, endpointURL string, opts ...Option) (*Client, error) {
	c := newClient(endpointURL, opts...)
	params := map[string]any{
		"protocolVersion": c.protocolVersion,
		"capabilities":    map[string]any{"elicitation": map[string]any{}},
		"clientInfo":      map[string]any{"name": c.clientName, "version": c.clientVersion},
	}
	if _, err := c.Call(ctx, "initialize", params); err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	if err := c.Notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return nil, err
	}
	return c, nil
}

// Reconnect binds a client to an existing session without a handshake. The
// resumption token is the last event id observed before the disconnect; pass
// it to Resume to catch up on an interrupted request.
func Reconnect(endpointURL, sessionID, resumptionToken string, opts ...Option) *Client {
	c := newClient(endpointURL, opts...)
	c.sessionID = sessionID
	c.lastEventID.Store(resumptionToken)
	return c
}

// SessionID returns the session id, once established.
func (c *Client) SessionID() string {
	return c.sessionID
}

// LastEventID returns the resumption token: the id of the last event seen.
func (c *Client) LastEventID() string {
	token, _ := c.lastEventID.Load().(string)
	return token
}

// NextRequestID returns the id the next request will use, for seeding a
// reconnected client via WithNextRequestID.
func (c *Client) NextRequestID() int64 {
	return c.nextID.Load() + 1
}

// Call sends a JSON-RPC request and blocks until its final result. Events
// streamed before the result are dispatched to the notification and
// elicitation handlers. A broken stream is resumed from the last event id.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	requestID := strconv.FormatInt(id, 10)
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": wire.Version,
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}
	response, err := c.post(ctx, raw, "application/json, "+sseMime)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if c.sessionID == "" {
		c.sessionID = response.Header.Get(c.sessionHeader)
	}

	switch {
	case response.StatusCode == http.StatusAccepted:
		// The session consumes all traffic through a standing GET; there is
		// nothing on this connection.
		return nil, nil
	case strings.Contains(response.Header.Get("Content-Type"), sseMime):
		result, err := c.consume(ctx, response.Body, requestID)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		// Resume only with a token of this request; without one there is no
		// position to resume from.
		if prefix, _, splitErr := eventstore.SplitEventID(c.LastEventID()); splitErr != nil || prefix != requestID {
			return nil, err
		}
		c.logger.Infof("stream for request %s interrupted: %v; resuming", requestID, err)
		return c.resumeWithBackoff(ctx, requestID)
	default:
		body, err := io.ReadAll(response.Body)
		if err != nil {
			return nil, err
		}
		return parseResult(body, requestID)
	}
}

// CallTool invokes a tool and returns the raw call result.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	return c.Call(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments})
}

// Notify sends a JSON-RPC notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": wire.Version,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	response, err := c.post(ctx, raw, "application/json")
	if err != nil {
		return err
	}
	_ = response.Body.Close()
	return nil
}

// Resume reopens the interrupted request identified by the resumption token
// and consumes it to its final result.
func (c *Client) Resume(ctx context.Context) (json.RawMessage, error) {
	token := c.LastEventID()
	if token == "" {
		return nil, errors.New("nothing to resume")
	}
	requestID, _, err := eventstore.SplitEventID(token)
	if err != nil {
		return nil, err
	}
	return c.resumeWithBackoff(ctx, requestID)
}

// Terminate deletes the session's transport on the server.
func (c *Client) Terminate(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return err
	}
	c.setHeaders(request, "application/json")
	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("terminate failed: status %d", response.StatusCode)
	}
	return nil
}

func (c *Client) resumeWithBackoff(ctx context.Context, requestID string) (json.RawMessage, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxInterval = 5 * time.Second
	return backoff.Retry(ctx, func() (json.RawMessage, error) {
		result, err := c.resume(ctx, requestID)
		if err != nil {
			if IsUnauthorized(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return result, nil
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(10))
}

func (c *Client) resume(ctx context.Context, requestID string) (json.RawMessage, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(request, sseMime)
	if token := c.LastEventID(); token != "" {
		request.Header.Set(lastEventIDHeader, token)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(response.Body)
		return nil, NewUnauthorizedError(response.StatusCode, body)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stream invalid status: %d", response.StatusCode)
	}
	return c.consume(ctx, response.Body, requestID)
}

// consume reads SSE events until the final response of requestID, updating
// the resumption token as events arrive.
func (c *Client) consume(ctx context.Context, body io.Reader, requestID string) (json.RawMessage, error) {
	reader := bufio.NewReader(body)
	for {
		event, err := readSSE(ctx, reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if event.ID != "" {
			c.lastEventID.Store(event.ID)
		}
		if event.Event != "message" || strings.TrimSpace(event.Data) == "" {
			continue
		}
		message, err := wire.Parse([]byte(event.Data))
		if err != nil {
			c.logger.Warnf("skipping malformed event %s: %v", event.ID, err)
			continue
		}
		switch message.Type {
		case wire.MessageTypeNotification:
			if c.onNotification != nil {
				c.onNotification(message.Notification.Method, message.Notification.Params)
			}
		case wire.MessageTypeRequest:
			c.answer(ctx, message.Request)
		default:
			if wire.CanonicalId(message.Response.Id) != requestID {
				continue
			}
			if message.Response.Error != nil {
				return nil, fmt.Errorf("server error %d: %s", message.Response.Error.Code, message.Response.Error.Message)
			}
			return message.Response.Result, nil
		}
	}
}

// answer responds to a server-initiated request. Elicitations go through the
// installed handler; everything else, and a missing handler, declines.
func (c *Client) answer(ctx context.Context, request *wire.Request) {
	if request.Method != "elicitation/create" {
		c.logger.Warnf("declining unsupported server request %s", request.Method)
		c.respond(ctx, request.Id, &ElicitationResult{Action: "decline"})
		return
	}
	parsed := struct {
		Message         string         `json:"message"`
		RequestedSchema map[string]any `json:"requestedSchema"`
	}{}
	if err := json.Unmarshal(request.Params, &parsed); err != nil {
		c.logger.Warnf("malformed elicitation %v: %v", request.Id, err)
	}
	result := &ElicitationResult{Action: "decline"}
	if c.onElicitation != nil {
		answered, err := c.onElicitation(&Elicitation{
			EventID:         wire.CanonicalId(request.Id),
			Message:         parsed.Message,
			RequestedSchema: parsed.RequestedSchema,
		})
		if err != nil {
			c.logger.Warnf("elicitation handler failed: %v", err)
		} else if answered != nil {
			result = answered
		}
	}
	c.respond(ctx, request.Id, result)
}

func (c *Client) respond(ctx context.Context, id wire.RequestId, result *ElicitationResult) {
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": wire.Version,
		"id":      id,
		"result":  result,
	})
	if err != nil {
		c.logger.Errorf("failed to encode response %v: %v", id, err)
		return
	}
	response, err := c.post(ctx, raw, "application/json")
	if err != nil {
		c.logger.Errorf("failed to deliver response %v: %v", id, err)
		return
	}
	_ = response.Body.Close()
}

func (c *Client) post(ctx context.Context, body []byte, accept string) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(request, accept)
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode == http.StatusUnauthorized {
		raw, _ := io.ReadAll(response.Body)
		_ = response.Body.Close()
		return nil, NewUnauthorizedError(response.StatusCode, raw)
	}
	if response.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(response.Body)
		_ = response.Body.Close()
		return nil, fmt.Errorf("request failed: status %d: %s", response.StatusCode, strings.TrimSpace(string(raw)))
	}
	return response, nil
}

func (c *Client) setHeaders(request *http.Request, accept string) {
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", accept)
	request.Header.Set(protocolVersionHeader, c.protocolVersion)
	if c.sessionID != "" {
		request.Header.Set(c.sessionHeader, c.sessionID)
	}
	if c.bearerToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
}

func parseResult(body []byte, requestID string) (json.RawMessage, error) {
	message, err := wire.Parse(body)
	if err != nil {
		return nil, err
	}
	if message.Type != wire.MessageTypeResponse && message.Type != wire.MessageTypeError {
		return nil, fmt.Errorf("unexpected %s in response body", message.Type)
	}
	if wire.CanonicalId(message.Response.Id) != requestID {
		return nil, fmt.Errorf("response id %v does not match request %s", message.Response.Id, requestID)
	}
	if message.Response.Error != nil {
		return nil, fmt.Errorf("server error %d: %s", message.Response.Error.Code, message.Response.Error.Message)
	}
	return message.Response.Result, nil
}

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// readSSE reads a single SSE event, terminated by a blank line.
func readSSE(ctx context.Context, reader *bufio.Reader) (*sseEvent, error) {
	var hasData, hasEvent bool
	event := &sseEvent{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					return event, io.EOF
				}
				return nil, err
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				if hasData || hasEvent {
					return event, nil
				}
				continue
			}
			if strings.HasPrefix(line, "id:") {
				event.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			} else if strings.HasPrefix(line, "event:") {
				event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				hasEvent = true
			} else if strings.HasPrefix(line, "data:") {
				event.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				hasData = true
			}
		}
	}
}

// normalizeEndpoint defaults the scheme to http when the URL omits one.
func normalizeEndpoint(endpointURL string) string {
	if !strings.Contains(endpointURL, "://") {
		endpointURL = "http://" + endpointURL
	}
	schema := url.Scheme(endpointURL, "http")
	host := url.Host(endpointURL)
	if host == "" {
		return endpointURL
	}
	uri := ""
	if index := strings.Index(endpointURL, host); index != -1 {
		uri = endpointURL[index+len(host):]
	}
	base := fmt.Sprintf("%s://%s", schema, host)
	if uri == "" {
		return base
	}
	return url.Join(base, uri)
}
