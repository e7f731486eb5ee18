package eventstore

import (
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/durablemcp/durablemcp/eventlog"
	"github.com/durablemcp/durablemcp/state/memory"
	"github.com/durablemcp/durablemcp/wire"
)

func parse(t *testing.T, raw string) *wire.Message {
	t.Helper()
	message, err := wire.Parse([]byte(raw))
	assert.Nil(t, err)
	return message
}

func TestEventID(t *testing.T) {
	// Responses and errors use their own id.
	assert.Equal(t, "1", EventID(parse(t, `{"jsonrpc":"2.0","id":1,"result":{}}`)))
	assert.Equal(t, "abc", EventID(parse(t, `{"jsonrpc":"2.0","id":"abc","error":{"code":-32603,"message":"x"}}`)))

	// Server-initiated requests and notifications carry a pre-derived id.
	request := parse(t, `{"jsonrpc":"2.0","id":"deadbeef","method":"elicitation/create","params":{"_meta":{"rebootEventId":"deadbeef"}}}`)
	assert.Equal(t, "deadbeef", EventID(request))

	supplied := parse(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"_meta":{"rebootEventId":"e-77"},"progress":0.5}}`)
	assert.Equal(t, "e-77", EventID(supplied))

	// Without one the id is random but present.
	anonymous := parse(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{}}`)
	first := EventID(anonymous)
	assert.Equal(t, 32, len(first))
	assert.NotEqual(t, first, EventID(anonymous))
}

func TestSplitEventID(t *testing.T) {
	requestID, eventID, err := SplitEventID("42/e-1")
	assert.Nil(t, err)
	assert.Equal(t, "42", requestID)
	assert.Equal(t, "e-1", eventID)

	_, _, err = SplitEventID("no-separator")
	assert.NotNil(t, err)
}

func TestStoreEvent(t *testing.T) {
	store := New(eventlog.New(memory.New()), "session-1")
	message := parse(t, `{"jsonrpc":"2.0","id":7,"result":{}}`)
	assert.Equal(t, "7/7", store.StoreEvent("7", message))
}

func TestReplayEventsAfter_TerminatesOnFinal(t *testing.T) {
	ctx := context.Background()
	log := eventlog.New(memory.New())
	store := New(log, "session-1")

	first := []byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":0.5,"total":1}}`)
	second := []byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1,"total":1}}`)
	final := []byte(`{"jsonrpc":"2.0","id":1,"result":{"value":8}}`)
	assert.Nil(t, log.Put(ctx, "session-1/1", eventlog.StoredMessage{Message: first, EventId: "e-0"}))
	assert.Nil(t, log.Put(ctx, "session-1/1", eventlog.StoredMessage{Message: second, EventId: "e-1"}))
	assert.Nil(t, log.Put(ctx, "session-1/1", eventlog.StoredMessage{Message: final, EventId: "1"}))

	var ids []string
	requestID, err := store.ReplayEventsAfter(ctx, "1/e-0", func(message json.RawMessage, eventID string) error {
		ids = append(ids, eventID)
		return nil
	})
	assert.Nil(t, err)
	assert.Equal(t, "1", requestID)
	// Delivery resumes after the acknowledged event, carries qualified ids,
	// and stops at the final response without blocking on further appends.
	assert.Equal(t, []string{"1/e-1", "1/1"}, ids)
}

func TestReplay_AllEventsWhenNoLastEventId(t *testing.T) {
	ctx := context.Background()
	log := eventlog.New(memory.New())
	store := New(log, "session-1")

	assert.Nil(t, log.Put(ctx, "session-1/2", eventlog.StoredMessage{Message: []byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`), EventId: "e-1"}))
	assert.Nil(t, log.Put(ctx, "session-1/2", eventlog.StoredMessage{Message: []byte(`{"jsonrpc":"2.0","id":2,"result":{}}`), EventId: "2"}))

	var ids []string
	err := store.Replay(ctx, "2", "", func(message json.RawMessage, eventID string) error {
		ids = append(ids, eventID)
		return nil
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"2/e-1", "2/2"}, ids)
}

func TestReplay_NormalizesNumbers(t *testing.T) {
	ctx := context.Background()
	log := eventlog.New(memory.New())
	store := New(log, "s")

	widened := []byte(`{"jsonrpc":"2.0","id":1.0,"result":{"value":8.0}}`)
	assert.Nil(t, log.Put(ctx, "s/1", eventlog.StoredMessage{Message: widened, EventId: "1"}))

	var replayed json.RawMessage
	err := store.Replay(ctx, "1", "", func(message json.RawMessage, eventID string) error {
		replayed = message
		return nil
	})
	assert.Nil(t, err)
	assert.NotContains(t, string(replayed), "1.0")
	assert.NotContains(t, string(replayed), "8.0")
}

func TestNormalizeNumbers(t *testing.T) {
	raw := []byte(`{"progress":1.0,"total":100.0,"ratio":0.5,"items":[2.0,2.5],"nested":{"count":3e2},"id":"1.0"}`)
	normalized, err := NormalizeNumbers(raw)
	assert.Nil(t, err)

	var value map[string]any
	decoder := json.NewDecoder(strings.NewReader(string(normalized)))
	decoder.UseNumber()
	assert.Nil(t, decoder.Decode(&value))

	assert.Equal(t, json.Number("1"), value["progress"])
	assert.Equal(t, json.Number("100"), value["total"])
	assert.Equal(t, json.Number("0.5"), value["ratio"])
	assert.Equal(t, json.Number("2"), value["items"].([]any)[0])
	assert.Equal(t, json.Number("2.5"), value["items"].([]any)[1])
	assert.Equal(t, json.Number("300"), value["nested"].(map[string]any)["count"])
	// Strings are untouched.
	assert.Equal(t, "1.0", value["id"])
}
