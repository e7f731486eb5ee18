package wire

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// MessageType is an enumeration of the types of messages in the JSON-RPC protocol.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeNotification MessageType = "notification"
	MessageTypeResponse     MessageType = "response"
	MessageTypeError        MessageType = "error"
)

// TypeOf probes raw message data and returns its JSON-RPC message type. A
// response carrying an "error" member is classified as MessageTypeError.
func TypeOf(data []byte) MessageType {
	probe := &probe{}
	_ = json.Unmarshal(data, probe)
	if probe.Id == nil {
		return MessageTypeNotification
	}
	if probe.Method != "" {
		return MessageTypeRequest
	}
	if probe.Error != nil {
		return MessageTypeError
	}
	return MessageTypeResponse
}

type probe struct {
	Id     RequestId `json:"id"`
	Error  *Error    `json:"error"`
	Method string    `json:"method"`
}

// Message is a wrapper around the different kinds of JSON-RPC messages.
type Message struct {
	Type         MessageType
	Request      *Request
	Notification *Notification
	Response     *Response
}

// Parse decodes raw data into a typed Message.
func Parse(data []byte) (*Message, error) {
	switch TypeOf(data) {
	case MessageTypeRequest:
		request := &Request{}
		if err := json.Unmarshal(data, request); err != nil {
			return nil, fmt.Errorf("failed to parse request: %w", err)
		}
		return &Message{Type: MessageTypeRequest, Request: request}, nil
	case MessageTypeNotification:
		notification := &Notification{}
		if err := json.Unmarshal(data, notification); err != nil {
			return nil, fmt.Errorf("failed to parse notification: %w", err)
		}
		return &Message{Type: MessageTypeNotification, Notification: notification}, nil
	case MessageTypeResponse, MessageTypeError:
		response := &Response{}
		if err := json.Unmarshal(data, response); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return &Message{Type: MessageTypeResponse, Response: response}, nil
	}
	return nil, errors.New("unknown message type")
}

// MarshalJSON is a custom JSON marshaler for the Message type.
func (m *Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageTypeRequest:
		return json.Marshal(m.Request)
	case MessageTypeNotification:
		return json.Marshal(m.Notification)
	case MessageTypeResponse, MessageTypeError:
		return json.Marshal(m.Response)
	}
	return nil, errors.New("unknown message type, couldn't marshal")
}

// Method returns the method of a request or notification message.
func (m *Message) Method() string {
	switch m.Type {
	case MessageTypeRequest:
		return m.Request.Method
	case MessageTypeNotification:
		return m.Notification.Method
	}
	return ""
}

// IsFinal reports whether the message terminates a request, i.e. it is a
// response or an error.
func (m *Message) IsFinal() bool {
	return m.Type == MessageTypeResponse || m.Type == MessageTypeError
}

// CanonicalId canonicalizes a JSON-RPC request id as a string. The wire
// allows string or integer ids for the same logical request, and JSON decode
// yields float64 for numbers, so all internal maps key on this form.
func CanonicalId(id RequestId) string {
	switch value := id.(type) {
	case string:
		return value
	case float64:
		if value == float64(int64(value)) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case json.Number:
		return value.String()
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", id)
}
