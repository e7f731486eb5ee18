package wire

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestRequest_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      *Request
		wantError bool
	}{
		{
			name:  "valid request",
			input: `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"add"}}`,
			want: &Request{
				Jsonrpc: "2.0",
				Method:  "tools/call",
				Id:      float64(1),
				Params:  json.RawMessage(`{"name":"add"}`),
			},
		},
		{
			name:      "missing jsonrpc version",
			input:     `{"method":"tools/call","id":1}`,
			wantError: true,
		},
		{
			name:      "missing method",
			input:     `{"jsonrpc":"2.0","id":1}`,
			wantError: true,
		},
		{
			name:      "missing id",
			input:     `{"jsonrpc":"2.0","method":"tools/call"}`,
			wantError: true,
		},
		{
			name:  "params optional",
			input: `{"jsonrpc":"2.0","method":"ping","id":"a"}`,
			want: &Request{
				Jsonrpc: "2.0",
				Method:  "ping",
				Id:      "a",
				Params:  json.RawMessage("null"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Request
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantError {
				if err == nil {
					t.Errorf("expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if got.Method != tt.want.Method {
				t.Errorf("Method: got %v, want %v", got.Method, tt.want.Method)
			}
			if !reflect.DeepEqual(got.Id, tt.want.Id) {
				t.Errorf("Id: got %v (%T), want %v (%T)", got.Id, got.Id, tt.want.Id, tt.want.Id)
			}
		})
	}
}

func TestNotification_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{name: "valid notification", input: `{"jsonrpc":"2.0","method":"notifications/initialized"}`},
		{name: "with params", input: `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`},
		{name: "id not allowed", input: `{"jsonrpc":"2.0","method":"x","id":1}`, wantError: true},
		{name: "missing method", input: `{"jsonrpc":"2.0"}`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Notification
			err := json.Unmarshal([]byte(tt.input), &got)
			if (err != nil) != tt.wantError {
				t.Errorf("error: got %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestResponse_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{name: "result", input: `{"jsonrpc":"2.0","id":1,"result":{"value":8}}`},
		{name: "error", input: `{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"boom"}}`},
		{name: "missing both", input: `{"jsonrpc":"2.0","id":1}`, wantError: true},
		{name: "missing id", input: `{"jsonrpc":"2.0","result":{}}`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Response
			err := json.Unmarshal([]byte(tt.input), &got)
			if (err != nil) != tt.wantError {
				t.Errorf("error: got %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  MessageType
	}{
		{name: "request", input: `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`, want: MessageTypeRequest},
		{name: "notification", input: `{"jsonrpc":"2.0","method":"notifications/progress"}`, want: MessageTypeNotification},
		{name: "response", input: `{"jsonrpc":"2.0","id":1,"result":{}}`, want: MessageTypeResponse},
		{name: "error", input: `{"jsonrpc":"2.0","id":1,"error":{"code":-32700,"message":"x"}}`, want: MessageTypeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TypeOf([]byte(tt.input)); got != tt.want {
				t.Errorf("TypeOf: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	inputs := []string{
		`{"id":1,"jsonrpc":"2.0","method":"tools/call","params":{"name":"add"}}`,
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`,
		`{"id":1,"jsonrpc":"2.0","result":{"value":8}}`,
	}
	for _, input := range inputs {
		message, err := Parse([]byte(input))
		if err != nil {
			t.Fatalf("Parse(%s): %v", input, err)
		}
		if _, err := json.Marshal(message); err != nil {
			t.Fatalf("Marshal(%s): %v", input, err)
		}
	}
}

func TestCanonicalId(t *testing.T) {
	tests := []struct {
		name string
		id   RequestId
		want string
	}{
		{name: "string", id: "abc", want: "abc"},
		{name: "float64 integral", id: float64(7), want: "7"},
		{name: "int", id: 42, want: "42"},
		{name: "nil", id: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalId(tt.id); got != tt.want {
				t.Errorf("CanonicalId: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsFinal(t *testing.T) {
	response, err := Parse([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !response.IsFinal() {
		t.Errorf("response should be final")
	}
	notification, err := Parse([]byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`))
	if err != nil {
		t.Fatal(err)
	}
	if notification.IsFinal() {
		t.Errorf("notification should not be final")
	}
}
