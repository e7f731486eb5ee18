package servicer

import (
	"context"
	"sync"

	"github.com/durablemcp/durablemcp/auth"
	"github.com/durablemcp/durablemcp/wire"
)

// Envelope pairs a wire message with its routing metadata.
type Envelope struct {
	Message *wire.Message

	// RelatedRequestId is the canonical id of the inbound request whose
	// handler produced (or should receive) this message.
	RelatedRequestId string

	// AccessToken is the verified identity of the inbound request, bound
	// here so handlers resumed on another process still see it.
	AccessToken *auth.AccessToken
}

// requestStreams is the channel pair connecting the message pump of one
// request with the engine run processing it. At most one execution per
// stream holds a pair at a time.
type requestStreams struct {
	// read carries messages into the engine, write carries messages out.
	// done is closed when the request has completed; it stands in for
	// closing read, which concurrent senders could not do safely.
	read  chan *Envelope
	write chan *Envelope
	done  chan struct{}
	once  sync.Once
}

func newRequestStreams() *requestStreams {
	return &requestStreams{
		read:  make(chan *Envelope, 16),
		write: make(chan *Envelope, 16),
		done:  make(chan struct{}),
	}
}

// sendRead delivers an envelope to the engine. It reports false when the
// request has already completed.
func (s *requestStreams) sendRead(ctx context.Context, envelope *Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.read <- envelope:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// finish marks the request completed, releasing the engine and any blocked
// senders.
func (s *requestStreams) finish() {
	s.once.Do(func() {
		close(s.done)
	})
}

// sendWrite delivers an outbound envelope to the pump.
func (s *requestStreams) sendWrite(ctx context.Context, envelope *Envelope) bool {
	select {
	case s.write <- envelope:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}
