package durablemcp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/durablemcp/durablemcp/auth"
	"github.com/durablemcp/durablemcp/servicer"
	"github.com/durablemcp/durablemcp/wire"
)

var errRequestCompleted = errors.New("request already completed")

// Run implements servicer.Engine. One run serves one request: the inbound
// request is dispatched into the mcp-go server, outbound messages flow back
// through call.Send and client responses are routed to the handler waiting
// on them.
func (d *DurableMCP) Run(ctx context.Context, call *servicer.Call) error {
	run := &engineRun{
		engine:  d,
		call:    call,
		pending: map[string]chan *wire.Response{},
	}
	return run.loop(ctx)
}

// engineRun is the per-request state of one engine execution.
type engineRun struct {
	engine *DurableMCP
	call   *servicer.Call

	mux     sync.Mutex
	pending map[string]chan *wire.Response

	handlers sync.WaitGroup
}

func (r *engineRun) loop(ctx context.Context) error {
	defer r.handlers.Wait()

	handlerCtx, cancelHandlers := context.WithCancel(ctx)
	defer cancelHandlers()

	for {
		select {
		case <-r.call.Done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case envelope := <-r.call.Inbound:
			switch envelope.Message.Type {
			case wire.MessageTypeRequest:
				r.handlers.Add(1)
				go func() {
					defer r.handlers.Done()
					r.handleRequest(handlerCtx, envelope)
				}()
			case wire.MessageTypeResponse:
				r.deliver(envelope.Message.Response)
			case wire.MessageTypeNotification:
				if envelope.Message.Notification.Method == "notifications/cancelled" {
					r.engine.logger.Infof("request %s cancelled by client", r.call.RequestID)
					cancelHandlers()
					continue
				}
				r.engine.logger.Debugf("request %s: dropping notification %s", r.call.RequestID, envelope.Message.Notification.Method)
			}
		}
	}
}

// handleRequest dispatches one inbound request into the mcp-go server under
// an ephemeral client session and sends the produced response back out.
func (r *engineRun) handleRequest(ctx context.Context, envelope *servicer.Envelope) {
	request := envelope.Message.Request
	raw, err := json.Marshal(request)
	if err != nil {
		r.engine.logger.Errorf("request %s: marshal failed: %v", r.call.RequestID, err)
		return
	}

	dc := &Context{
		run:           r,
		requestID:     r.call.RequestID,
		progressToken: progressTokenOf(request.Params),
		accessToken:   envelope.AccessToken,
	}
	handlerCtx := withContext(ctx, dc)
	if envelope.AccessToken != nil {
		handlerCtx = auth.WithAccessToken(handlerCtx, envelope.AccessToken)
	}

	session := newEngineSession(r.call.SessionID + "/" + r.call.RequestID)
	if request.Method != "initialize" {
		session.Initialize()
	}
	if err := r.engine.server.RegisterSession(handlerCtx, session); err == nil {
		defer r.engine.server.UnregisterSession(handlerCtx, session.SessionID())
	}
	handlerCtx = r.engine.server.WithContext(handlerCtx, session)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		r.pumpNotifications(ctx, session)
	}()
	defer func() {
		session.close()
		<-pumpDone
	}()

	response := r.engine.server.HandleMessage(handlerCtx, raw)
	if response == nil {
		return
	}
	rawResponse, err := json.Marshal(response)
	if err != nil {
		r.engine.logger.Errorf("request %s: marshal response failed: %v", r.call.RequestID, err)
		return
	}
	message, err := wire.Parse(rawResponse)
	if err != nil {
		r.engine.logger.Errorf("request %s: parse response failed: %v", r.call.RequestID, err)
		return
	}
	r.call.Send(ctx, &servicer.Envelope{Message: message, RelatedRequestId: r.call.RequestID})
}

// pumpNotifications forwards notifications the mcp-go server emits through
// the session channel, e.g. logging, out on the request's stream.
func (r *engineRun) pumpNotifications(ctx context.Context, session *engineSession) {
	for {
		select {
		case <-session.done:
			return
		case <-ctx.Done():
			return
		case notification := <-session.notifications:
			raw, err := json.Marshal(notification)
			if err != nil {
				r.engine.logger.Errorf("request %s: marshal notification failed: %v", r.call.RequestID, err)
				continue
			}
			message, err := wire.Parse(raw)
			if err != nil {
				r.engine.logger.Errorf("request %s: parse notification failed: %v", r.call.RequestID, err)
				continue
			}
			r.call.Send(ctx, &servicer.Envelope{Message: message, RelatedRequestId: r.call.RequestID})
		}
	}
}

// sendRequestAndWait emits a server-initiated request and blocks until the
// client's response is routed back, keyed by the request's wire id.
func (r *engineRun) sendRequestAndWait(ctx context.Context, wireID, method string, params json.RawMessage) (*wire.Response, error) {
	responses := make(chan *wire.Response, 1)
	r.mux.Lock()
	r.pending[wireID] = responses
	r.mux.Unlock()
	defer func() {
		r.mux.Lock()
		delete(r.pending, wireID)
		r.mux.Unlock()
	}()

	message := &wire.Message{
		Type: wire.MessageTypeRequest,
		Request: &wire.Request{
			Id:      wireID,
			Jsonrpc: wire.Version,
			Method:  method,
			Params:  params,
		},
	}
	if !r.call.Send(ctx, &servicer.Envelope{Message: message, RelatedRequestId: r.call.RequestID}) {
		return nil, errRequestCompleted
	}

	select {
	case response := <-responses:
		return response, nil
	case <-r.call.Done:
		return nil, errRequestCompleted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *engineRun) deliver(response *wire.Response) {
	id := wire.CanonicalId(response.Id)
	r.mux.Lock()
	responses, ok := r.pending[id]
	r.mux.Unlock()
	if !ok {
		r.engine.logger.Warnf("request %s: no handler waiting on response %s", r.call.RequestID, id)
		return
	}
	select {
	case responses <- response:
	default:
	}
}

// engineSession is the ephemeral mcp-go client session of one dispatch. The
// notification channel is drained by pumpNotifications.
type engineSession struct {
	id            string
	notifications chan mcp.JSONRPCNotification
	done          chan struct{}
	once          sync.Once
	initialized   atomic.Bool
}

func newEngineSession(id string) *engineSession {
	return &engineSession{
		id:            id,
		notifications: make(chan mcp.JSONRPCNotification, 100),
		done:          make(chan struct{}),
	}
}

func (s *engineSession) SessionID() string {
	return s.id
}

func (s *engineSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.notifications
}

func (s *engineSession) Initialize() {
	s.initialized.Store(true)
}

func (s *engineSession) Initialized() bool {
	return s.initialized.Load()
}

func (s *engineSession) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

func progressTokenOf(params json.RawMessage) any {
	if len(params) == 0 {
		return nil
	}
	probe := struct {
		Meta struct {
			ProgressToken any `json:"progressToken"`
		} `json:"_meta"`
	}{}
	if err := json.Unmarshal(params, &probe); err != nil {
		return nil
	}
	return probe.Meta.ProgressToken
}
