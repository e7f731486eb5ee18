package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"

	durablemcp "github.com/durablemcp/durablemcp"
	"github.com/durablemcp/durablemcp/auth"
	"github.com/durablemcp/durablemcp/server"
	"github.com/durablemcp/durablemcp/servicer"
	"github.com/durablemcp/durablemcp/state/memory"
)

func newEndpoint(t *testing.T, opts ...server.Option) string {
	t.Helper()
	engine := durablemcp.New("test-server", "0.1.0")
	engine.AddTool(
		mcp.NewTool("add",
			mcp.WithDescription("Add two numbers"),
			mcp.WithNumber("a", mcp.Required()),
			mcp.WithNumber("b", mcp.Required()),
		),
		func(ctx context.Context, dc *durablemcp.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := struct {
				A float64 `json:"a"`
				B float64 `json:"b"`
			}{}
			if err := request.BindArguments(&args); err != nil {
				return nil, err
			}
			if err := dc.Info(ctx, "adding"); err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("%v", args.A+args.B)), nil
		},
	)
	engine.AddTool(
		mcp.NewTool("confirm", mcp.WithDescription("Ask the user before acting")),
		func(ctx context.Context, dc *durablemcp.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			answer, err := dc.Elicit(ctx, "Proceed?", durablemcp.ElicitationSchema{
				Properties: map[string]durablemcp.ElicitationProperty{
					"confirmed": {Type: "boolean", Title: "Confirmed"},
				},
				Required: []string{"confirmed"},
			})
			if err != nil {
				return nil, err
			}
			if answer.Action != durablemcp.ElicitationAccept {
				return mcp.NewToolResultText("declined"), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("confirmed=%v", answer.Content["confirmed"])), nil
		},
	)
	svc := servicer.New(memory.New(), engine, servicer.WithClientInfoTimeout(50*time.Millisecond))
	ts := httptest.NewServer(server.New(svc, opts...))
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestConnectAndCallTool(t *testing.T) {
	var mux sync.Mutex
	var methods []string
	endpoint := newEndpoint(t)

	client, err := Connect(context.Background(), endpoint,
		WithClientInfo("go-test", "1.0"),
		WithNotificationHandler(func(method string, params json.RawMessage) {
			mux.Lock()
			methods = append(methods, method)
			mux.Unlock()
		}),
	)
	assert.Nil(t, err)
	assert.NotEqual(t, "", client.SessionID())

	result, err := client.CallTool(context.Background(), "add", map[string]any{"a": 3, "b": 5})
	assert.Nil(t, err)
	assert.Contains(t, string(result), "8")

	mux.Lock()
	defer mux.Unlock()
	assert.Contains(t, methods, "notifications/message")
}

func TestElicitation_Answered(t *testing.T) {
	endpoint := newEndpoint(t)

	var prompted *Elicitation
	client, err := Connect(context.Background(), endpoint,
		WithElicitationHandler(func(request *Elicitation) (*ElicitationResult, error) {
			prompted = request
			return &ElicitationResult{
				Action:  "accept",
				Content: map[string]any{"confirmed": true},
			}, nil
		}),
	)
	assert.Nil(t, err)

	result, err := client.CallTool(context.Background(), "confirm", map[string]any{})
	assert.Nil(t, err)
	assert.Contains(t, string(result), "confirmed=true")
	assert.NotNil(t, prompted)
	assert.Equal(t, "Proceed?", prompted.Message)
	assert.NotEqual(t, "", prompted.EventID)
}

func TestElicitation_DeclinedWithoutHandler(t *testing.T) {
	endpoint := newEndpoint(t)

	client, err := Connect(context.Background(), endpoint)
	assert.Nil(t, err)

	result, err := client.CallTool(context.Background(), "confirm", map[string]any{})
	assert.Nil(t, err)
	assert.Contains(t, string(result), "declined")
}

func TestConnect_Unauthorized(t *testing.T) {
	verifier := auth.VerifierFunc(func(ctx context.Context, token string) (*auth.AccessToken, error) {
		if token != "good" {
			return nil, auth.ErrUnauthorized
		}
		return &auth.AccessToken{Token: token}, nil
	})
	endpoint := newEndpoint(t, server.WithVerifier(verifier))

	_, err := Connect(context.Background(), endpoint)
	assert.NotNil(t, err)
	assert.True(t, IsUnauthorized(err))

	client, err := Connect(context.Background(), endpoint, WithBearerToken("good"))
	assert.Nil(t, err)
	result, err := client.CallTool(context.Background(), "add", map[string]any{"a": 1, "b": 2})
	assert.Nil(t, err)
	assert.Contains(t, string(result), "3")
}

func TestReconnect_ResumesInterruptedCall(t *testing.T) {
	endpoint := newEndpoint(t)

	client, err := Connect(context.Background(), endpoint)
	assert.Nil(t, err)
	sessionID := client.SessionID()

	// Issue the call raw over SSE and read only the first event, as if the
	// connection dropped before the final response arrived.
	body := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"add","arguments":{"a":3,"b":5}}}`
	request, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(body))
	assert.Nil(t, err)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Mcp-Session-Id", sessionID)
	response, err := http.DefaultClient.Do(request)
	assert.Nil(t, err)
	raw, err := io.ReadAll(response.Body)
	response.Body.Close()
	assert.Nil(t, err)

	var firstEventID string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "id: ") {
			firstEventID = strings.TrimPrefix(line, "id: ")
			break
		}
	}
	assert.NotEqual(t, "", firstEventID)

	// A fresh client process picks up the session and resumption token and
	// sees the recorded final result.
	resumed := Reconnect(endpoint, sessionID, firstEventID, WithNextRequestID(3))
	result, err := resumed.Resume(context.Background())
	assert.Nil(t, err)
	assert.Contains(t, string(result), "8")
	assert.Equal(t, int64(3), resumed.NextRequestID())
}

func TestNotifyAndTerminate(t *testing.T) {
	endpoint := newEndpoint(t)

	client, err := Connect(context.Background(), endpoint)
	assert.Nil(t, err)

	assert.Nil(t, client.Notify(context.Background(), "notifications/roots/list_changed", map[string]any{}))
	assert.Nil(t, client.Terminate(context.Background()))

	_, err = client.CallTool(context.Background(), "add", map[string]any{"a": 1, "b": 1})
	assert.NotNil(t, err)
}

func TestNormalizeEndpoint(t *testing.T) {
	testCases := []struct {
		name   string
		input  string
		expect string
	}{
		{name: "bare host", input: "localhost:8080", expect: "http://localhost:8080"},
		{name: "explicit scheme", input: "https://example.com/mcp", expect: "https://example.com/mcp"},
		{name: "path kept", input: "example.com/mcp", expect: "http://example.com/mcp"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.expect, normalizeEndpoint(testCase.input))
		})
	}
}
