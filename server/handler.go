// Package server terminates the streamable HTTP transport for the durable
// MCP runtime. A single endpoint serves handshake, message exchange and
// streaming; the HTTP method and Accept header distinguish the modes. All
// delivery state lives in the event log, so a response stream can be resumed
// on any connection, or any process, via Last-Event-ID.
package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/durablemcp/durablemcp/auth"
	"github.com/durablemcp/durablemcp/eventstore"
	"github.com/durablemcp/durablemcp/logging"
	"github.com/durablemcp/durablemcp/servicer"
	"github.com/durablemcp/durablemcp/wire"
)

// Default values following the MCP spec.
const (
	defaultSessionHeader   = "Mcp-Session-Id"
	defaultProtocolVersion = "2025-06-18"
	protocolVersionHeader  = "MCP-Protocol-Version"
	lastEventIDHeader      = "Last-Event-ID"
	sseMime                = "text/event-stream"

	vscodeClientName = "Visual Studio Code"
)

// Handler implements the server side of the streamable HTTP transport.
//
// POST without a session header mints a session and returns its id in the
// response header. POST with one carries a JSON-RPC message for the session.
// GET opens a long-lived SSE connection, resuming after Last-Event-ID when
// supplied. DELETE terminates the session's transport; its durable streams
// are retained.
type Handler struct {
	Options
	servicer *servicer.Servicer
	entry    http.Handler

	mux      sync.Mutex
	sessions map[string]*liveSession
}

// liveSession is the transport-side state of one session on this process.
// Its context is cancelled on DELETE, releasing every open stream.
type liveSession struct {
	ctx        context.Context
	cancel     context.CancelFunc
	terminated bool
}

// New constructs a Handler serving svc with default settings and the
// provided options.
func New(svc *servicer.Servicer, opts ...Option) *Handler {
	h := &Handler{
		Options: Options{
			SessionHeader:     defaultSessionHeader,
			ProtocolVersion:   defaultProtocolVersion,
			HeartbeatInterval: 15 * time.Second,
			Logger:            logging.DefaultLogger,
		},
		servicer: svc,
		sessions: map[string]*liveSession{},
	}
	for _, opt := range opts {
		opt(&h.Options)
	}
	h.entry = auth.Middleware(h.Verifier)(http.HandlerFunc(h.serve))
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.URI != "" && !strings.HasSuffix(r.URL.Path, h.URI) {
		http.NotFound(w, r)
		return
	}
	h.entry.ServeHTTP(w, r)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	switch r.Method {
	case http.MethodPost:
		h.handlePOST(w, r)
	case http.MethodGet:
		h.handleGET(w, r)
	case http.MethodDelete:
		h.handleDELETE(w, r)
	case http.MethodOptions:
		h.handleOPTIONS(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePOST(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(h.SessionHeader)
	if sessionID == "" {
		sessionID = MintSessionID()
	}
	session, ok := h.acquire(sessionID)
	if !ok {
		http.Error(w, fmt.Sprintf("session '%s' terminated", sessionID), http.StatusNotFound)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	message, err := wire.Parse(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set(h.SessionHeader, sessionID)
	w.Header().Set(protocolVersionHeader, h.ProtocolVersion)

	// The handler must keep running when the client disconnects; delivery is
	// through the durable log, not this connection. Context values, notably
	// the verified access token, are kept.
	handleCtx := context.WithoutCancel(r.Context())

	if message.Type != wire.MessageTypeRequest {
		if err := h.servicer.HandleMessage(handleCtx, sessionID, data); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	requestID := wire.CanonicalId(message.Request.Id)
	handled := make(chan error, 1)
	go func() {
		handled <- h.servicer.HandleMessage(handleCtx, sessionID, data)
	}()

	if acceptsSSE(r.Header) {
		h.streamPOST(w, r, session, sessionID, requestID, handled)
		return
	}

	if err := <-handled; err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if h.isVSCode(r.Context(), sessionID) {
		// VSCode consumes every event over the aggregate GET stream; a POST
		// body would deliver the response twice.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	final, ok := h.finalResponse(r.Context(), sessionID, requestID)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(final)
}

// streamPOST streams the request's events over SSE as they are logged,
// terminating after the final response.
func (h *Handler) streamPOST(w http.ResponseWriter, r *http.Request, session *liveSession, sessionID, requestID string, handled chan error) {
	if h.isVSCode(r.Context(), sessionID) {
		if err := <-handled; err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	h.prepareSSE(w)
	writer := NewFlushWriter(w)

	ctx, stop := h.streamContext(r.Context(), session)
	defer stop()

	store := eventstore.New(h.servicer.Log(), sessionID)
	// The session may turn out to be VSCode mid-request, when this request
	// is the initialize that stores the client info. From then on events are
	// delivered only through the aggregate stream.
	vscode, resolved := false, false
	err := store.Replay(ctx, requestID, "", func(message json.RawMessage, eventID string) error {
		if !resolved {
			if info, ok, _ := h.servicer.Sessions().ClientInfo(ctx, sessionID); ok {
				resolved = true
				vscode = info.Name == vscodeClientName
			}
		}
		if vscode {
			return nil
		}
		_, err := writer.Write(frameEvent(eventID, message))
		return err
	})
	if err != nil && ctx.Err() == nil {
		h.Logger.Errorf("stream %s/%s: %v", sessionID, requestID, err)
	}
	if err := <-handled; err != nil {
		h.Logger.Errorf("request %s/%s: %v", sessionID, requestID, err)
	}
}

func (h *Handler) handleGET(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(h.SessionHeader)
	if sessionID == "" {
		http.Error(w, fmt.Sprintf("missing %s", h.SessionHeader), http.StatusBadRequest)
		return
	}
	if !acceptsSSE(r.Header) {
		http.Error(w, "SSE not supported on this endpoint", http.StatusMethodNotAllowed)
		return
	}
	session, ok := h.acquire(sessionID)
	if !ok {
		http.Error(w, fmt.Sprintf("session '%s' terminated", sessionID), http.StatusNotFound)
		return
	}

	w.Header().Set(h.SessionHeader, sessionID)
	w.Header().Set(protocolVersionHeader, h.ProtocolVersion)

	lastEventID := strings.TrimSpace(r.Header.Get(lastEventIDHeader))
	ctx, stop := h.streamContext(r.Context(), session)
	defer stop()

	// VSCode never resumes per-request streams; its standing GET replays the
	// aggregate stream from the beginning.
	if lastEventID == "" && h.isVSCode(ctx, sessionID) {
		lastEventID = eventstore.QualifiedEventID(eventstore.GetStreamID, "")
	}

	if lastEventID == "" {
		// Standing GET with nothing to resume: events are delivered on the
		// per-request streams, so this connection only paces keep-alives
		// until the client closes it.
		h.prepareSSE(w)
		h.holdOpen(ctx, NewFlushWriter(w))
		return
	}

	requestID, innerLastID, err := eventstore.SplitEventID(lastEventID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.prepareSSE(w)
	writer := NewFlushWriter(w)
	store := eventstore.New(h.servicer.Log(), sessionID)
	send := func(message json.RawMessage, eventID string) error {
		_, err := writer.Write(frameEvent(eventID, message))
		return err
	}
	var replayErr error
	if requestID == eventstore.GetStreamID {
		replayErr = store.ReplayAggregate(ctx, innerLastID, send)
	} else {
		replayErr = store.Replay(ctx, requestID, innerLastID, send)
	}
	if replayErr != nil && ctx.Err() == nil {
		h.Logger.Errorf("replay %s after %s: %v", sessionID, lastEventID, replayErr)
	}
}

func (h *Handler) handleDELETE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(h.SessionHeader)
	if sessionID == "" {
		http.Error(w, fmt.Sprintf("missing %s", h.SessionHeader), http.StatusBadRequest)
		return
	}
	h.mux.Lock()
	session, ok := h.sessions[sessionID]
	if !ok {
		session = &liveSession{}
		session.ctx, session.cancel = context.WithCancel(context.Background())
		h.sessions[sessionID] = session
	}
	session.terminated = true
	h.mux.Unlock()
	session.cancel()
	h.Logger.Debugf("session %s terminated", sessionID)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleOPTIONS(w http.ResponseWriter, r *http.Request) {
	if method := r.Header.Get("Access-Control-Request-Method"); method != "" {
		w.Header().Set("Access-Control-Allow-Methods", method)
	}
	if headers := r.Header.Get("Access-Control-Request-Headers"); headers != "" {
		w.Header().Set("Access-Control-Allow-Headers", headers)
	}
	w.WriteHeader(http.StatusNoContent)
}

// acquire returns the live state of sessionID, reporting false when the
// session was terminated.
func (h *Handler) acquire(sessionID string) (*liveSession, bool) {
	h.mux.Lock()
	defer h.mux.Unlock()
	session, ok := h.sessions[sessionID]
	if !ok {
		session = &liveSession{}
		session.ctx, session.cancel = context.WithCancel(context.Background())
		h.sessions[sessionID] = session
	}
	return session, !session.terminated
}

// streamContext derives a context ending when either the connection closes
// or the session is terminated.
func (h *Handler) streamContext(parent context.Context, session *liveSession) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(session.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (h *Handler) prepareSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", sseMime)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) holdOpen(ctx context.Context, writer *FlushWriter) {
	ticker := time.NewTicker(h.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := writer.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
		}
	}
}

func (h *Handler) isVSCode(ctx context.Context, sessionID string) bool {
	info, ok, err := h.servicer.Sessions().ClientInfo(ctx, sessionID)
	if err != nil || !ok {
		return false
	}
	return info.Name == vscodeClientName
}

// finalResponse returns the stored final response of requestID, number
// normalized, if the request has completed.
func (h *Handler) finalResponse(ctx context.Context, sessionID, requestID string) ([]byte, bool) {
	messages, err := h.servicer.Log().Messages(ctx, eventstore.StreamID(sessionID, requestID))
	if err != nil {
		return nil, false
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].EventId != requestID {
			continue
		}
		normalized, err := eventstore.NormalizeNumbers(messages[i].Message)
		if err != nil {
			return nil, false
		}
		return normalized, true
	}
	return nil, false
}

// frameEvent formats one SSE event; the id enables resumption.
func frameEvent(id string, data []byte) []byte {
	return []byte(fmt.Sprintf("id: %s\nevent: message\ndata: %s\n\n", id, bytes.TrimSpace(data)))
}

// acceptsSSE checks whether the Accept header admits text/event-stream.
func acceptsSSE(header http.Header) bool {
	for _, value := range header.Values("Accept") {
		if strings.Contains(value, sseMime) {
			return true
		}
	}
	return false
}

// MintSessionID mints a time-ordered session id. UUIDv7 keeps session keys
// roughly append-ordered in the state runtime.
func MintSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
