// Package eventstore adapts the event log to the resumability contract of
// the streamable HTTP transport: it derives event ids for outbound messages
// and replays stored events after a client-supplied last event id.
//
// Wire-visible event ids are qualified as "<request_id>/<inner_event_id>"
// because most clients use incrementing request ids per session, which would
// collide across streams. The log itself stores inner ids; streams are keyed
// "<session_id>/<request_id>".
package eventstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/durablemcp/durablemcp/eventlog"
	"github.com/durablemcp/durablemcp/wire"
)

// GetStreamID is the aggregate stream that duplicates every event for
// clients that consume all traffic over a single standing GET.
const GetStreamID = "VSCODE_GET"

// MetaEventIdKey is the params._meta key carrying a pre-derived event id on
// server-initiated messages. The literal name is shared with other runtimes
// that replay the same logs.
const MetaEventIdKey = "rebootEventId"

// Hex formats a UUID the way event ids embed them: 32 hex digits, no
// dashes.
func Hex(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

// StreamID is the durable log key for the stream of requestID within
// sessionID.
func StreamID(sessionID, requestID string) string {
	return sessionID + "/" + requestID
}

// EventID derives the inner event id for an outbound message:
//
//   - server-initiated requests and notifications use the id supplied in
//     params._meta, derived deterministically by the sender so a handler
//     re-run maps to the same events;
//   - notifications without one get a random id, they are replayable but
//     not deduplicated across handler re-runs;
//   - responses and errors use their (stringified) wire id, which is the
//     original request id and so already unique within the stream.
func EventID(message *wire.Message) string {
	switch message.Type {
	case wire.MessageTypeRequest:
		if id := suppliedEventID(message.Request.Params); id != "" {
			return id
		}
		return wire.CanonicalId(message.Request.Id)
	case wire.MessageTypeNotification:
		if id := suppliedEventID(message.Notification.Params); id != "" {
			return id
		}
		return Hex(uuid.New())
	default:
		return wire.CanonicalId(message.Response.Id)
	}
}

func suppliedEventID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	probe := struct {
		Meta map[string]any `json:"_meta"`
	}{}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	if id, ok := probe.Meta[MetaEventIdKey].(string); ok {
		return id
	}
	return ""
}

// QualifiedEventID joins a request id and an inner event id into the
// wire-visible form.
func QualifiedEventID(requestID, eventID string) string {
	return requestID + "/" + eventID
}

// SplitEventID splits a qualified event id on its last separator. Inner ids
// never contain one; request ids in principle could.
func SplitEventID(qualified string) (requestID, eventID string, err error) {
	index := strings.LastIndex(qualified, "/")
	if index == -1 {
		return "", "", fmt.Errorf("malformed event id %q", qualified)
	}
	return qualified[:index], qualified[index+1:], nil
}

// Store derives event ids and replays streams of one session. It never
// writes: the session servicer appends explicitly so event writes commit
// alongside workflow state.
type Store struct {
	log       *eventlog.Log
	sessionID string
}

// New creates a Store over log for the streams of sessionID.
func New(log *eventlog.Log, sessionID string) *Store {
	return &Store{log: log, sessionID: sessionID}
}

// StoreEvent returns the qualified event id under which message will be
// visible on the stream of requestID.
func (s *Store) StoreEvent(requestID string, message *wire.Message) string {
	return QualifiedEventID(requestID, EventID(message))
}

// ReplayEventsAfter resumes the stream identified by lastEventID: every
// event after it is decoded, number-normalized and passed to send together
// with its qualified id. Replay ends when a final response or error event
// has been delivered. The request id is returned so the caller can rebind
// its connection state.
func (s *Store) ReplayEventsAfter(ctx context.Context, lastEventID string, send func(message json.RawMessage, eventID string) error) (string, error) {
	requestID, innerLastID, err := SplitEventID(lastEventID)
	if err != nil {
		return "", err
	}
	return requestID, s.Replay(ctx, requestID, innerLastID, send)
}

// Replay streams events of requestID strictly after lastEventID (all events
// when empty) into send, terminating after the final response or error.
func (s *Store) Replay(ctx context.Context, requestID, lastEventID string, send func(message json.RawMessage, eventID string) error) error {
	return s.log.Replay(ctx, StreamID(s.sessionID, requestID), lastEventID, func(stored eventlog.StoredMessage) (bool, error) {
		message, err := NormalizeNumbers(stored.Message)
		if err != nil {
			return false, err
		}
		if err := send(message, QualifiedEventID(requestID, stored.EventId)); err != nil {
			return false, err
		}
		messageType := wire.TypeOf(message)
		return messageType == wire.MessageTypeResponse || messageType == wire.MessageTypeError, nil
	})
}

// ReplayAggregate streams the session's aggregate GET stream after
// lastEventID. Every event there is a duplicate of a per-request event, so a
// response never terminates the stream; delivery continues until ctx ends.
func (s *Store) ReplayAggregate(ctx context.Context, lastEventID string, send func(message json.RawMessage, eventID string) error) error {
	return s.log.Replay(ctx, StreamID(s.sessionID, GetStreamID), lastEventID, func(stored eventlog.StoredMessage) (bool, error) {
		message, err := NormalizeNumbers(stored.Message)
		if err != nil {
			return false, err
		}
		return false, send(message, QualifiedEventID(GetStreamID, stored.EventId))
	})
}

// NormalizeNumbers rewrites every integral floating-point value in raw to an
// integer. JSON cannot distinguish 1 from 1.0, so a round-trip through the
// log may widen integers; strict decoding of replayed messages would then
// reject them.
func NormalizeNumbers(raw json.RawMessage) (json.RawMessage, error) {
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return json.Marshal(normalize(value))
}

func normalize(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		for key, item := range typed {
			typed[key] = normalize(item)
		}
		return typed
	case []any:
		for i, item := range typed {
			typed[i] = normalize(item)
		}
		return typed
	case json.Number:
		text := typed.String()
		if !strings.ContainsAny(text, ".eE") {
			return typed
		}
		parsed, err := typed.Float64()
		if err != nil {
			return typed
		}
		if parsed == float64(int64(parsed)) {
			return json.Number(strconv.FormatInt(int64(parsed), 10))
		}
		return typed
	}
	return value
}
