// Package eventlog implements the per-stream append-only message log that
// underpins replay and reconnect. A stream holds the wire form of every
// message a request produced, in append order; entries carrying an event id
// are replayable events, the rest are audit records.
package eventlog

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/durablemcp/durablemcp/state"
)

// StoredMessage is one log entry: the raw wire message plus optional
// replay metadata.
type StoredMessage struct {
	// Message is the JSON wire form of the MCP message.
	Message json.RawMessage `json:"message"`

	// EventId identifies the entry for replay. Entries without one are
	// stored for audit and cancellation recovery but never replayed.
	EventId string `json:"event_id,omitempty"`

	// RelatedRequestId links a server-initiated message back to the inbound
	// request whose handler produced it.
	RelatedRequestId string `json:"related_request_id,omitempty"`
}

// Log persists streams through the state runtime.
type Log struct {
	store state.Store
}

// New creates a Log on top of store.
func New(store state.Store) *Log {
	return &Log{store: store}
}

func messagesKey(streamID string) string { return "stream/" + streamID + "/messages" }
func requestKey(streamID string) string  { return "stream/" + streamID + "/request" }

// Create initializes the stream, optionally capturing the originating
// inbound request for audit. Create is idempotent: only the first call for a
// stream records the request.
func (l *Log) Create(ctx context.Context, streamID string, request []byte) error {
	if len(request) == 0 {
		request = []byte("null")
	}
	_, err := l.store.SetNX(ctx, requestKey(streamID), request)
	return err
}

// Request returns the originating inbound request captured by Create.
func (l *Log) Request(ctx context.Context, streamID string) ([]byte, bool, error) {
	return l.store.Get(ctx, requestKey(streamID))
}

// Put appends a message to the stream. Put is not idempotent on its own;
// callers layer a once-per-workflow guard where re-runs are possible.
func (l *Log) Put(ctx context.Context, streamID string, message StoredMessage) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode stream message: %w", err)
	}
	return l.store.Append(ctx, messagesKey(streamID), raw)
}

// Messages returns every stored entry of the stream in append order,
// including non-event audit records.
func (l *Log) Messages(ctx context.Context, streamID string) ([]StoredMessage, error) {
	values, err := l.store.Values(ctx, messagesKey(streamID))
	if err != nil {
		return nil, err
	}
	result := make([]StoredMessage, 0, len(values))
	for _, value := range values {
		message := StoredMessage{}
		if err := json.Unmarshal(value, &message); err != nil {
			return nil, fmt.Errorf("failed to decode stream message: %w", err)
		}
		result = append(result, message)
	}
	return result, nil
}

// Replay delivers the stream's events strictly after lastEventID (all events
// when lastEventID is empty), in append order, then keeps delivering new
// events as they are appended. Entries without an event id are skipped.
// Delivery stops when send returns stop, send fails, or ctx is done.
func (l *Log) Replay(ctx context.Context, streamID, lastEventID string, send func(StoredMessage) (stop bool, err error)) error {
	signal, cancel, err := l.store.Watch(ctx, messagesKey(streamID))
	if err != nil {
		return err
	}
	defer cancel()

	consumed := 0
	skipping := lastEventID != ""
	for {
		values, err := l.store.Values(ctx, messagesKey(streamID))
		if err != nil {
			return err
		}
		for ; consumed < len(values); consumed++ {
			message := StoredMessage{}
			if err := json.Unmarshal(values[consumed], &message); err != nil {
				return fmt.Errorf("failed to decode stream message: %w", err)
			}
			if message.EventId == "" {
				continue
			}
			if skipping {
				if message.EventId == lastEventID {
					skipping = false
				}
				continue
			}
			stop, err := send(message)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-signal:
		}
	}
}
