// Package wire defines the JSON-RPC 2.0 envelope types exchanged with MCP
// clients. Stored stream messages keep the raw wire form; this package only
// models the envelope, never MCP method semantics.
package wire

import (
	"encoding/json"
	"errors"
)

// Version is the JSON-RPC protocol version.
const Version = "2.0"

const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// RequestId is the type used to represent the id of a JSON-RPC request.
// The wire allows both strings and numbers for the same logical id.
type RequestId any

// Request represents a JSON-RPC request message.
type Request struct {
	// Id corresponds to the JSON schema field "id".
	Id RequestId `json:"id"`

	// Jsonrpc corresponds to the JSON schema field "jsonrpc".
	Jsonrpc string `json:"jsonrpc"`

	// Method corresponds to the JSON schema field "method".
	Method string `json:"method"`

	// Params is kept as raw bytes to enable efficient unmarshaling into
	// method specific types later on in the protocol.
	Params json.RawMessage `json:"params,omitempty"`
}

// UnmarshalJSON is a custom JSON unmarshaler for the Request type.
func (m *Request) UnmarshalJSON(data []byte) error {
	required := struct {
		Id      *RequestId       `json:"id"`
		Jsonrpc *string          `json:"jsonrpc"`
		Method  *string          `json:"method"`
		Params  *json.RawMessage `json:"params"`
	}{}
	if err := json.Unmarshal(data, &required); err != nil {
		return err
	}
	if required.Id == nil {
		return errors.New("field id in Request: required")
	}
	if required.Jsonrpc == nil {
		return errors.New("field jsonrpc in Request: required")
	}
	if required.Method == nil {
		return errors.New("field method in Request: required")
	}
	if required.Params == nil {
		required.Params = new(json.RawMessage)
	}
	m.Id = *required.Id
	m.Jsonrpc = *required.Jsonrpc
	m.Method = *required.Method
	m.Params = *required.Params
	return nil
}

// Notification is a type representing a JSON-RPC notification message.
type Notification struct {
	Jsonrpc string `json:"jsonrpc"`

	Method string `json:"method"`

	Params json.RawMessage `json:"params,omitempty"`
}

// UnmarshalJSON is a custom JSON unmarshaler for the Notification type.
func (m *Notification) UnmarshalJSON(data []byte) error {
	required := struct {
		Jsonrpc *string          `json:"jsonrpc"`
		Method  *string          `json:"method"`
		Params  *json.RawMessage `json:"params"`
		Id      *json.RawMessage `json:"id"`
	}{}
	if err := json.Unmarshal(data, &required); err != nil {
		return err
	}
	if required.Jsonrpc == nil {
		return errors.New("field jsonrpc in Notification: required")
	}
	if required.Method == nil {
		return errors.New("field method in Notification: required")
	}
	if required.Id != nil {
		return errors.New("field id in Notification: not allowed")
	}
	m.Jsonrpc = *required.Jsonrpc
	m.Method = *required.Method
	if required.Params != nil {
		m.Params = *required.Params
	}
	return nil
}

// Response represents a JSON-RPC response message, carrying either a result
// or an error.
type Response struct {
	Id RequestId `json:"id"`

	Jsonrpc string `json:"jsonrpc"`

	Error *Error `json:"error,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
}

// NewResponse creates a new Response with the specified id and result data.
func NewResponse(id RequestId, data []byte) *Response {
	return &Response{
		Id:      id,
		Jsonrpc: Version,
		Result:  data,
	}
}

// NewErrorResponse creates a new Response carrying an error.
func NewErrorResponse(id RequestId, err *Error) *Response {
	return &Response{
		Id:      id,
		Jsonrpc: Version,
		Error:   err,
	}
}

// UnmarshalJSON is a custom JSON unmarshaler for the Response type.
func (m *Response) UnmarshalJSON(data []byte) error {
	required := struct {
		Id      *RequestId       `json:"id"`
		Jsonrpc *string          `json:"jsonrpc"`
		Result  *json.RawMessage `json:"result"`
		Error   *Error           `json:"error"`
	}{}
	if err := json.Unmarshal(data, &required); err != nil {
		return err
	}
	if required.Id == nil {
		return errors.New("field id in Response: required")
	}
	if required.Jsonrpc == nil {
		return errors.New("field jsonrpc in Response: required")
	}
	m.Id = *required.Id
	m.Jsonrpc = *required.Jsonrpc
	if required.Result != nil {
		m.Result = *required.Result
	}
	m.Error = required.Error
	if required.Result == nil && required.Error == nil {
		return errors.New("field result in Response: required")
	}
	return nil
}

// Error is used to provide additional information about an error that
// occurred while handling a request.
type Error struct {
	// The error type that occurred.
	Code int `json:"code"`

	// Additional information about the error, defined by the sender.
	Data interface{} `json:"data,omitempty"`

	// A short description of the error.
	Message string `json:"message"`
}
