package server

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/durablemcp/durablemcp/logging"
)

const (
	// SessionRefHeader identifies the session-state record a request belongs
	// to, so upstream routing can pick the replica that owns it.
	SessionRefHeader = "X-Mcp-Session-Ref"

	// sessionRefPrefix is the record type tag of the session reference.
	sessionRefPrefix = "durablemcp.v1.Session:"

	// ReplicaPinHeader pins a request to a specific replica. The router
	// strips it: requests must route by session, never by the replica that
	// happened to receive them.
	ReplicaPinHeader = "X-Mcp-Replica"
)

// Router fronts a multi-replica deployment. A request without a session id
// gets one minted here; every request is then annotated with its session
// reference and forwarded upstream, where session-affine routing delivers it
// to the owning replica's Handler.
type Router struct {
	proxy         *httputil.ReverseProxy
	sessionHeader string
	logger        logging.Logger
}

// NewRouter creates a Router forwarding to upstream.
func NewRouter(upstream *url.URL, opts ...Option) *Router {
	o := Options{
		SessionHeader: defaultSessionHeader,
		Logger:        logging.DefaultLogger,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Router{
		proxy:         httputil.NewSingleHostReverseProxy(upstream),
		sessionHeader: o.SessionHeader,
		logger:        o.Logger,
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, request *http.Request) {
	sessionID := request.Header.Get(r.sessionHeader)
	if sessionID == "" {
		sessionID = MintSessionID()
		request.Header.Set(r.sessionHeader, sessionID)
		r.logger.Debugf("minted session %s", sessionID)
	}
	request.Header.Set(SessionRefHeader, sessionRefPrefix+sessionID)
	request.Header.Del(ReplicaPinHeader)
	r.proxy.ServeHTTP(w, request)
}
