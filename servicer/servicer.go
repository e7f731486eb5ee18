// Package servicer drives the embedded MCP engine for one or more sessions.
// Every inbound message is handled as a durable workflow: the servicer pumps
// the engine's outbound messages into the per-request event log, rewrites
// server-initiated request ids into deterministic event ids, and reconnects
// client responses to the handlers waiting on them. After a crash the same
// workflow re-runs against its checkpoints and the log, so clients observe
// each event exactly once.
package servicer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"

	"github.com/durablemcp/durablemcp/auth"
	"github.com/durablemcp/durablemcp/eventlog"
	"github.com/durablemcp/durablemcp/eventstore"
	"github.com/durablemcp/durablemcp/internal/collection"
	"github.com/durablemcp/durablemcp/logging"
	"github.com/durablemcp/durablemcp/session"
	"github.com/durablemcp/durablemcp/state"
	"github.com/durablemcp/durablemcp/workflow"
	"github.com/durablemcp/durablemcp/wire"
)

// vscodeClientName is the client info name Visual Studio Code reports.
const vscodeClientName = "Visual Studio Code"

var errClientInfoPending = errors.New("client info not stored yet")

// Engine processes the inbound messages of one request and emits outbound
// messages until the final response.
type Engine interface {
	// Run consumes call.Inbound until call.Done closes, writing every
	// produced message to call.Outbound via call.Send. Server-initiated
	// requests must carry a deterministic event id in params._meta and set
	// RelatedRequestId on their envelope.
	Run(ctx context.Context, call *Call) error
}

// Call is one engine run, bound to the workflow of the request it serves.
type Call struct {
	SessionID string
	RequestID string
	Executor  *workflow.Executor
	Inbound   <-chan *Envelope
	Done      <-chan struct{}

	streams *requestStreams
}

// Send emits an outbound envelope, blocking until the pump accepts it or
// the request completes.
func (c *Call) Send(ctx context.Context, envelope *Envelope) bool {
	return c.streams.sendWrite(ctx, envelope)
}

// writeRequest remembers the wire id a server-initiated request originally
// carried, keyed by the event id it was sent under.
type writeRequest struct {
	requestId        wire.RequestId
	relatedRequestId string
}

// Option customises a Servicer.
type Option func(*Servicer)

// WithLogger overrides the default logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Servicer) {
		s.logger = logger
	}
}

// WithClientInfoTimeout bounds how long the pump waits for client info when
// deciding whether the session needs the aggregate stream.
func WithClientInfoTimeout(timeout time.Duration) Option {
	return func(s *Servicer) {
		s.clientInfoTimeout = timeout
	}
}

// Servicer handles the messages of sessions routed to this process.
type Servicer struct {
	store    state.Store
	log      *eventlog.Log
	sessions *session.Registry
	engine   Engine
	logger   logging.Logger

	clientInfoTimeout time.Duration

	streamsMux    sync.Mutex
	activeStreams map[string]*requestStreams

	// writeRequestIds maps the event id of a server-initiated request to
	// its original wire id and the request its handler belongs to. It is
	// deliberately in-memory: after a restart responses without a mapping
	// are dropped and the handler re-issues its request.
	writeRequestIds *collection.SyncMap[string, writeRequest]
}

// New creates a Servicer persisting through store and delegating message
// semantics to engine.
func New(store state.Store, engine Engine, opts ...Option) *Servicer {
	servicer := &Servicer{
		store:             store,
		log:               eventlog.New(store),
		sessions:          session.New(store),
		engine:            engine,
		logger:            logging.DefaultLogger,
		clientInfoTimeout: 30 * time.Second,
		activeStreams:     map[string]*requestStreams{},
		writeRequestIds:   collection.NewSyncMap[string, writeRequest](),
	}
	for _, opt := range opts {
		opt(servicer)
	}
	return servicer
}

// Log exposes the event log for replay by the transport layer.
func (s *Servicer) Log() *eventlog.Log {
	return s.log
}

// Sessions exposes the session registry.
func (s *Servicer) Sessions() *session.Registry {
	return s.sessions
}

// HandleMessage processes one inbound wire message for sessionID. For a
// request it blocks until the request's handler has completed; the produced
// events are observed through the event log.
func (s *Servicer) HandleMessage(ctx context.Context, sessionID string, raw []byte) error {
	message, err := wire.Parse(raw)
	if err != nil {
		return err
	}
	switch message.Type {
	case wire.MessageTypeRequest:
		return s.handleRequest(ctx, sessionID, message, raw)
	case wire.MessageTypeNotification:
		return s.handleNotification(ctx, sessionID, message.Notification)
	default:
		return s.handleResponse(ctx, sessionID, message)
	}
}

func (s *Servicer) handleRequest(ctx context.Context, sessionID string, message *wire.Message, raw []byte) error {
	requestID := wire.CanonicalId(message.Request.Id)
	streamID := eventstore.StreamID(sessionID, requestID)

	s.logger.Debugf("handling request %s (%s)", streamID, message.Request.Method)

	// Concurrent deliveries of the same request, e.g. a client retrying a
	// POST it believes lost, collapse onto one execution: the first delivery
	// runs the workflow, later ones wait for it and then re-enter so every
	// committed step replays from its checkpoint.
	for {
		streams, owner, release := s.acquire(streamID)
		if owner {
			return s.execute(ctx, sessionID, requestID, streamID, message, raw, streams, release)
		}
		s.logger.Debugf("request %s already in flight, waiting", streamID)
		select {
		case <-streams.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Servicer) execute(ctx context.Context, sessionID, requestID, streamID string, message *wire.Message, raw []byte, streams *requestStreams, release func()) error {
	defer streams.finish()
	defer release()

	executor := workflow.New(s.store, sessionID, requestID)

	if _, err := workflow.AtLeastOnce(ctx, executor, "Store stream", func(ctx context.Context) (bool, error) {
		return true, s.sessions.StoreStream(ctx, sessionID, streamID)
	}); err != nil {
		return err
	}
	if err := s.log.Create(ctx, streamID, raw); err != nil {
		return err
	}
	if _, err := workflow.AtLeastOnce(ctx, executor, "Store initial request", func(ctx context.Context) (bool, error) {
		return true, s.log.Put(ctx, streamID, eventlog.StoredMessage{Message: raw})
	}); err != nil {
		return err
	}
	if message.Request.Method == "initialize" {
		if err := s.storeClientInfo(ctx, executor, sessionID, message.Request.Params); err != nil {
			return err
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() {
		runDone <- s.run(runCtx, sessionID, requestID, streamID, executor, streams)
	}()

	_, pumpErr := workflow.AtLeastOnce(ctx, executor, "Send and receive", func(ctx context.Context) (bool, error) {
		return true, s.sendAndReceive(ctx, sessionID, requestID, streamID, executor, message, streams)
	})

	// Unregister before signalling completion, so a waiter that wakes on
	// done does not bind to this finished execution.
	release()
	streams.finish()
	runErr := <-runDone
	if pumpErr != nil {
		return pumpErr
	}
	s.logger.Debugf("completed request %s", streamID)
	return runErr
}

func (s *Servicer) storeClientInfo(ctx context.Context, executor *workflow.Executor, sessionID string, params json.RawMessage) error {
	_, err := workflow.AtLeastOnce(ctx, executor, "Store client info on initialize", func(ctx context.Context) (bool, error) {
		parsed := struct {
			ClientInfo *session.ClientInfo `json:"clientInfo"`
		}{}
		if err := json.Unmarshal(params, &parsed); err != nil {
			return false, fmt.Errorf("failed to decode initialize params: %w", err)
		}
		if parsed.ClientInfo == nil {
			return false, nil
		}
		err := s.sessions.StoreClientInfo(ctx, sessionID, *parsed.ClientInfo)
		if errors.Is(err, session.ErrClientInfoAlreadyStored) {
			// A client re-initialized an existing session; the recorded
			// identity wins.
			s.logger.Warnf("session %s: %v", sessionID, err)
			return true, nil
		}
		return true, err
	})
	return err
}

// sendAndReceive pumps the engine's outbound messages into the event log
// and terminates once the final response or error has been stored.
func (s *Servicer) sendAndReceive(ctx context.Context, sessionID, requestID, streamID string, executor *workflow.Executor, message *wire.Message, streams *requestStreams) error {
	token, _ := auth.AccessTokenFrom(ctx)
	if !streams.sendRead(ctx, &Envelope{Message: message, RelatedRequestId: requestID, AccessToken: token}) {
		// The request already completed; this is a validation re-run.
		return nil
	}

	for {
		var envelope *Envelope
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope = <-streams.write:
		}

		eventID := eventstore.EventID(envelope.Message)

		// Server-initiated requests go out under the event id so the
		// eventual response is routable; remember the id the engine used.
		if envelope.Message.Type == wire.MessageTypeRequest {
			if envelope.RelatedRequestId == "" {
				return fmt.Errorf("server request %s has no related request id", eventID)
			}
			s.writeRequestIds.Put(eventID, writeRequest{
				requestId:        envelope.Message.Request.Id,
				relatedRequestId: envelope.RelatedRequestId,
			})
			envelope.Message.Request.Id = eventID
		}

		raw, err := json.Marshal(envelope.Message)
		if err != nil {
			return err
		}
		s.logger.Debugf("sending %s event %s", streamID, eventID)

		if _, err := workflow.AtLeastOnce(ctx, executor, "Put "+eventID, func(ctx context.Context) (bool, error) {
			return true, s.log.Put(ctx, streamID, eventlog.StoredMessage{
				Message:          raw,
				EventId:          eventID,
				RelatedRequestId: envelope.RelatedRequestId,
			})
		}); err != nil {
			return err
		}

		isVSCode, err := workflow.AtLeastOnce(ctx, executor, "Check if client is Visual Studio Code", func(ctx context.Context) (bool, error) {
			return s.checkIsVSCode(ctx, sessionID)
		})
		if err != nil {
			return err
		}
		if isVSCode {
			if _, err := workflow.AtLeastOnce(ctx, executor, "Put "+eventstore.GetStreamID+" "+eventID, func(ctx context.Context) (bool, error) {
				return true, s.log.Put(ctx, eventstore.StreamID(sessionID, eventstore.GetStreamID), eventlog.StoredMessage{
					Message: raw,
					EventId: eventID,
				})
			}); err != nil {
				return err
			}
		}

		if envelope.Message.IsFinal() {
			return nil
		}
	}
}

// checkIsVSCode polls for the session's client info, backing off until
// initialization has stored it. Client info is written before any tool
// request is pumped, so the wait is normally short; a session that never
// initializes resolves to false at the timeout.
func (s *Servicer) checkIsVSCode(ctx context.Context, sessionID string) (bool, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxInterval = 2 * time.Second
	isVSCode, err := backoff.Retry(ctx, func() (bool, error) {
		info, ok, err := s.sessions.ClientInfo(ctx, sessionID)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !ok {
			return false, errClientInfoPending
		}
		return info.Name == vscodeClientName, nil
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxElapsedTime(s.clientInfoTimeout))
	if errors.Is(err, errClientInfoPending) {
		return false, nil
	}
	return isVSCode, err
}

// run executes the engine for one request, first synthesizing cancellations
// for server-initiated requests a previous process left unanswered.
func (s *Servicer) run(ctx context.Context, sessionID, requestID, streamID string, executor *workflow.Executor, streams *requestStreams) error {
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := s.cancelOutstandingRequests(cancelCtx, requestID, streamID, streams); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorf("failed to cancel outstanding requests for %s: %v", streamID, err)
		}
	}()

	_, err := workflow.AtLeastOnce(ctx, executor, "Server run", func(ctx context.Context) (bool, error) {
		call := &Call{
			SessionID: sessionID,
			RequestID: requestID,
			Executor:  executor,
			Inbound:   streams.read,
			Done:      streams.done,
			streams:   streams,
		}
		return true, s.engine.Run(ctx, call)
	})
	return err
}

// cancelOutstandingRequests scans the stream for server-initiated requests
// without a stored response and emits a cancellation for each, since the
// handler re-run will issue them again under fresh wire ids.
func (s *Servicer) cancelOutstandingRequests(ctx context.Context, requestID, streamID string, streams *requestStreams) error {
	messages, err := s.log.Messages(ctx, streamID)
	if err != nil {
		return err
	}

	var outstanding []string
	pending := map[string]bool{}
	for _, stored := range messages {
		message, err := wire.Parse(stored.Message)
		if err != nil {
			continue
		}
		switch message.Type {
		case wire.MessageTypeRequest:
			// A stored request with an event id was sent by the server; the
			// inbound client request is stored without one.
			if stored.EventId != "" {
				if _, known := s.writeRequestIds.Get(stored.EventId); !known {
					if !pending[stored.EventId] {
						pending[stored.EventId] = true
						outstanding = append(outstanding, stored.EventId)
					}
				}
			}
		case wire.MessageTypeResponse, wire.MessageTypeError:
			id := wire.CanonicalId(message.Response.Id)
			if pending[id] {
				pending[id] = false
			}
		}
	}

	for _, eventID := range outstanding {
		if !pending[eventID] {
			continue
		}
		params, err := json.Marshal(map[string]any{
			"requestId": eventID,
			"reason":    "Server rebooted",
			"_meta": map[string]string{
				eventstore.MetaEventIdKey: "cancelled-" + eventID,
			},
		})
		if err != nil {
			return err
		}
		notification := &wire.Message{
			Type: wire.MessageTypeNotification,
			Notification: &wire.Notification{
				Jsonrpc: wire.Version,
				Method:  "notifications/cancelled",
				Params:  params,
			},
		}
		if !streams.sendWrite(ctx, &Envelope{Message: notification, RelatedRequestId: requestID}) {
			return nil
		}
	}
	return nil
}

func (s *Servicer) handleNotification(ctx context.Context, sessionID string, notification *wire.Notification) error {
	// The engine runs stateless, so it needs no initialized handshake.
	if notification.Method == "notifications/initialized" {
		s.logger.Debugf("session %s initialized", sessionID)
		return nil
	}
	// Client-side cancellations are routed to the request they target so
	// the engine can abort the handler.
	if notification.Method == "notifications/cancelled" {
		parsed := struct {
			RequestId wire.RequestId `json:"requestId"`
		}{}
		if err := json.Unmarshal(notification.Params, &parsed); err != nil {
			return err
		}
		requestID := wire.CanonicalId(parsed.RequestId)
		if streams, ok := s.lookup(eventstore.StreamID(sessionID, requestID)); ok {
			message := &wire.Message{Type: wire.MessageTypeNotification, Notification: notification}
			streams.sendRead(ctx, &Envelope{Message: message, RelatedRequestId: requestID})
		}
		return nil
	}
	s.logger.Warnf("unhandled notification %s for session %s", notification.Method, sessionID)
	return nil
}

func (s *Servicer) handleResponse(ctx context.Context, sessionID string, message *wire.Message) error {
	// Outbound request ids were rewritten to event ids, so the response id
	// is the event id of the request it answers.
	eventID := wire.CanonicalId(message.Response.Id)

	mapped, ok := s.writeRequestIds.Get(eventID)
	if !ok {
		s.logger.Infof("ignoring client response %s as server must have rebooted", eventID)
		return nil
	}

	// Restore the id the engine used so the response routes to the waiting
	// handler.
	message.Response.Id = mapped.requestId

	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	streamID := eventstore.StreamID(sessionID, mapped.relatedRequestId)
	executor := workflow.New(s.store, sessionID, "response-"+eventID)
	if _, err := workflow.AtLeastOnce(ctx, executor, fmt.Sprintf("Store response for request with event ID '%s'", eventID), func(ctx context.Context) (bool, error) {
		return true, s.log.Put(ctx, streamID, eventlog.StoredMessage{Message: raw})
	}); err != nil {
		return err
	}

	if streams, ok := s.lookup(streamID); ok {
		streams.sendRead(ctx, &Envelope{Message: message, RelatedRequestId: mapped.relatedRequestId})
	}
	// The request is answered; a duplicate delivery of this response now
	// drops at the mapping check instead of being stored again.
	s.writeRequestIds.Delete(eventID)
	return nil
}

// acquire registers the channel pair for streamID, enforcing one execution
// per stream at a time. owner reports whether the caller holds the stream;
// when false the returned streams belong to the in-flight execution and the
// caller must wait on streams.done before trying again. release unregisters
// the pair and is safe to call more than once.
func (s *Servicer) acquire(streamID string) (*requestStreams, bool, func()) {
	s.streamsMux.Lock()
	defer s.streamsMux.Unlock()
	if existing, ok := s.activeStreams[streamID]; ok {
		return existing, false, nil
	}
	streams := newRequestStreams()
	s.activeStreams[streamID] = streams
	release := func() {
		s.streamsMux.Lock()
		defer s.streamsMux.Unlock()
		if s.activeStreams[streamID] == streams {
			delete(s.activeStreams, streamID)
		}
	}
	return streams, true, release
}

// lookup returns the channel pair for streamID without creating one.
func (s *Servicer) lookup(streamID string) (*requestStreams, bool) {
	s.streamsMux.Lock()
	defer s.streamsMux.Unlock()
	streams, ok := s.activeStreams[streamID]
	return streams, ok
}
