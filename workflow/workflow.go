// Package workflow implements durable step execution for request handlers.
// A handler runs as a workflow: labeled steps checkpoint their status through
// the state runtime, so a handler re-run after a crash skips work it already
// completed and refuses to repeat side-effects it must not repeat.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/durablemcp/durablemcp/state"
)

// ErrAtMostOnceFailedBeforeCompleting indicates a prior attempt of an
// at-most-once step either failed with a non-retryable error or crashed
// after the step had started. The step's side-effect may or may not have
// happened; it is never re-attempted.
var ErrAtMostOnceFailedBeforeCompleting = errors.New("at most once step failed before completing")

// ErrDuplicateAlias indicates an event alias was used twice within one
// handler invocation, which would collide on the derived event id.
var ErrDuplicateAlias = errors.New("duplicate event alias")

const (
	stateStarted   = "started"
	stateCompleted = "completed"
	stateFailed    = "failed"
)

// record is the durable checkpoint of a single step.
type record struct {
	State string          `json:"state"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Executor tracks the durable steps of one handler invocation. Its identity
// is stable per (session, request), so a handler re-run after a crash binds
// to the same checkpoints.
//
// An Executor is used by a single handler goroutine; the alias registry is
// the only part touched concurrently (by notification senders) and is
// guarded.
type Executor struct {
	store     state.Store
	id        uuid.UUID
	key       string
	mux       sync.Mutex
	iteration int
	inLoop    bool
	aliases   map[string]bool
}

// New creates an executor for the handler of request requestID within
// session sessionID. Identity is deterministic: re-creating the executor for
// the same pair binds to the same durable checkpoints.
func New(store state.Store, sessionID, requestID string) *Executor {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("dmcp://"+sessionID+"/"+requestID))
	return &Executor{
		store:   store,
		id:      id,
		key:     "workflow/" + id.String(),
		aliases: map[string]bool{},
	}
}

// ID returns the workflow id, the namespace for deterministic event ids.
func (e *Executor) ID() uuid.UUID {
	return e.id
}

// EventID derives the deterministic event id for alias within this workflow.
// Inside a loop the iteration counter is folded into the alias so each
// iteration yields a distinct id.
func (e *Executor) EventID(alias string) uuid.UUID {
	return uuid.NewSHA1(e.id, []byte(e.label(alias)))
}

// RegisterAlias records alias for this invocation and fails on reuse, since
// two events with the same alias would share an event id.
func (e *Executor) RegisterAlias(alias string) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	labeled := e.label(alias)
	if e.aliases[labeled] {
		return fmt.Errorf("%w: %q", ErrDuplicateAlias, alias)
	}
	e.aliases[labeled] = true
	return nil
}

// WithinLoop runs body once per iteration until body reports it is done or
// fails. Step labels and event aliases used inside body carry the iteration
// counter, so every iteration checkpoints independently.
func (e *Executor) WithinLoop(ctx context.Context, body func(ctx context.Context) (done bool, err error)) error {
	e.mux.Lock()
	e.inLoop = true
	e.mux.Unlock()
	defer func() {
		e.mux.Lock()
		e.inLoop = false
		e.mux.Unlock()
	}()
	for {
		e.mux.Lock()
		e.iteration++
		e.mux.Unlock()
		done, err := body(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// label applies the loop iteration suffix, if any. Callers hold no lock; the
// alias registry lock also guards the loop counters where it matters.
func (e *Executor) label(why string) string {
	if e.inLoop {
		return why + " #" + strconv.Itoa(e.iteration)
	}
	return why
}

func (e *Executor) load(ctx context.Context, label string) (*record, bool, error) {
	raw, ok, err := e.store.HGet(ctx, e.key, label)
	if err != nil || !ok {
		return nil, false, err
	}
	rec := &record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, false, fmt.Errorf("failed to decode step %q: %w", label, err)
	}
	return rec, true, nil
}

func (e *Executor) commit(ctx context.Context, label string, rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return e.store.HSet(ctx, e.key, label, raw)
}

// claim writes the "started" record only if no record exists for label.
func (e *Executor) claim(ctx context.Context, label string) (bool, error) {
	raw, err := json.Marshal(&record{State: stateStarted})
	if err != nil {
		return false, err
	}
	return e.store.HSetNX(ctx, e.key, label, raw)
}

func (e *Executor) rollback(ctx context.Context, label string) error {
	return e.store.HDel(ctx, e.key, label)
}

// AtLeastOnce runs the step labeled why. If a prior execution completed, the
// recorded value is returned without invoking fn. Otherwise fn runs; success
// commits the value, failure commits nothing so a handler retry re-runs the
// step. The body must therefore tolerate re-execution.
func AtLeastOnce[T any](ctx context.Context, e *Executor, why string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	label := e.label(why)
	rec, ok, err := e.load(ctx, label)
	if err != nil {
		return zero, err
	}
	if ok && rec.State == stateCompleted {
		return decode[T](rec.Value)
	}
	value, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return zero, err
	}
	if err := e.commit(ctx, label, &record{State: stateCompleted, Value: raw}); err != nil {
		return zero, err
	}
	return value, nil
}

// AtMostOnce runs the step labeled why, guaranteeing fn is invoked at most
// once across all retries of the request. The step commits "started" before
// fn runs and "completed" after; finding "started" on entry means a prior
// attempt crashed mid-step and the outcome is unknowable, so the step fails
// with ErrAtMostOnceFailedBeforeCompleting.
//
// Errors matching one of retryable (via errors.Is) roll the step back to
// not-started and are returned, letting a handler retry re-enter the step.
// Any other error commits "failed" permanently.
func AtMostOnce[T any](ctx context.Context, e *Executor, why string, fn func(ctx context.Context) (T, error), retryable ...error) (T, error) {
	var zero T
	label := e.label(why)
	rec, ok, err := e.load(ctx, label)
	if err != nil {
		return zero, err
	}
	if ok {
		switch rec.State {
		case stateCompleted:
			return decode[T](rec.Value)
		case stateStarted, stateFailed:
			return zero, fmt.Errorf("step %q: %w", why, ErrAtMostOnceFailedBeforeCompleting)
		}
	}
	// Fence 1. HSetNX makes the claim atomic: of two concurrent entries only
	// one may run fn, the other treats the step as already started.
	stored, err := e.claim(ctx, label)
	if err != nil {
		return zero, err
	}
	if !stored {
		return zero, fmt.Errorf("step %q: %w", why, ErrAtMostOnceFailedBeforeCompleting)
	}
	value, err := fn(ctx)
	if err != nil {
		for _, candidate := range retryable {
			if errors.Is(err, candidate) {
				if rollbackErr := e.rollback(ctx, label); rollbackErr != nil {
					return zero, rollbackErr
				}
				return zero, err
			}
		}
		if commitErr := e.commit(ctx, label, &record{State: stateFailed, Error: err.Error()}); commitErr != nil {
			return zero, commitErr
		}
		return zero, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return zero, err
	}
	// Fence 2.
	if err := e.commit(ctx, label, &record{State: stateCompleted, Value: raw}); err != nil {
		return zero, err
	}
	return value, nil
}

// Memoize runs the step keyed by the deterministic id of alias, caching its
// value durably. fn receives retrying=true when a prior attempt started but
// never completed, e.g. the process crashed while waiting on a client.
// Unlike AtLeastOnce the in-flight state is recorded, which is what lets
// callers distinguish a fresh attempt from a resumed one.
func Memoize[T any](ctx context.Context, e *Executor, alias string, fn func(ctx context.Context, retrying bool) (T, error)) (T, error) {
	var zero T
	label := "memoize/" + e.EventID(alias).String()
	rec, ok, err := e.load(ctx, label)
	if err != nil {
		return zero, err
	}
	retrying := false
	if ok {
		switch rec.State {
		case stateCompleted:
			return decode[T](rec.Value)
		case stateStarted:
			retrying = true
		}
	}
	if !retrying {
		if err := e.commit(ctx, label, &record{State: stateStarted}); err != nil {
			return zero, err
		}
	}
	value, err := fn(ctx, retrying)
	if err != nil {
		return zero, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return zero, err
	}
	if err := e.commit(ctx, label, &record{State: stateCompleted, Value: raw}); err != nil {
		return zero, err
	}
	return value, nil
}

// Rewind clears the in-memory alias registry and loop counters so a handler
// can be re-run against its existing checkpoints. The re-run replays: cached
// steps return their recorded values and durably deduplicated events keep
// their ids.
func (e *Executor) Rewind() {
	e.mux.Lock()
	e.aliases = map[string]bool{}
	e.iteration = 0
	e.mux.Unlock()
}

// Snapshot captures the current step checkpoints. Together with Restore it
// lets an adapter rewind the executor between validation re-runs of a
// handler.
func (e *Executor) Snapshot(ctx context.Context) (map[string][]byte, error) {
	return e.store.HGetAll(ctx, e.key)
}

// Restore rewinds the step checkpoints to a previously captured snapshot.
// Steps committed since the snapshot are removed.
func (e *Executor) Restore(ctx context.Context, snapshot map[string][]byte) error {
	current, err := e.store.HGetAll(ctx, e.key)
	if err != nil {
		return err
	}
	for label := range current {
		if _, ok := snapshot[label]; !ok {
			if err := e.store.HDel(ctx, e.key, label); err != nil {
				return err
			}
		}
	}
	for label, value := range snapshot {
		if err := e.store.HSet(ctx, e.key, label, value); err != nil {
			return err
		}
	}
	e.mux.Lock()
	e.aliases = map[string]bool{}
	e.iteration = 0
	e.mux.Unlock()
	return nil
}

func decode[T any](raw json.RawMessage) (T, error) {
	var value T
	if len(raw) == 0 {
		return value, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, err
	}
	return value, nil
}
