// Package session persists per-session state: the ids of streams the
// session has opened and the client implementation info captured during
// initialization.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/durablemcp/durablemcp/state"
)

// ErrClientInfoAlreadyStored indicates a second attempt to record client
// info for a session. Client info is written once, at initialization.
var ErrClientInfoAlreadyStored = errors.New("client info already stored")

// ClientInfo describes the client implementation as reported during
// initialization.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
}

// Record is the durable per-session state.
type Record struct {
	StreamIds  []string
	ClientInfo *ClientInfo
}

// Registry persists session records through the state runtime.
type Registry struct {
	store state.Store
}

// New creates a Registry on top of store.
func New(store state.Store) *Registry {
	return &Registry{store: store}
}

func streamsKey(sessionID string) string    { return "session/" + sessionID + "/streams" }
func clientInfoKey(sessionID string) string { return "session/" + sessionID + "/client_info" }

// StoreStream appends streamID to the session's stream list. Storing the
// same stream again is a no-op, so crashed handlers may re-run it freely.
func (r *Registry) StoreStream(ctx context.Context, sessionID, streamID string) error {
	first, err := state.Idempotently(ctx, r.store, streamsKey(sessionID)+"/"+streamID)
	if err != nil || !first {
		return err
	}
	return r.store.Append(ctx, streamsKey(sessionID), []byte(streamID))
}

// StoreClientInfo records the client implementation info. It may be called
// at most once per session.
func (r *Registry) StoreClientInfo(ctx context.Context, sessionID string, info ClientInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	stored, err := r.store.SetNX(ctx, clientInfoKey(sessionID), raw)
	if err != nil {
		return err
	}
	if !stored {
		return fmt.Errorf("session %s: %w", sessionID, ErrClientInfoAlreadyStored)
	}
	return nil
}

// Get returns the session record. ClientInfo is nil until initialization has
// stored it.
func (r *Registry) Get(ctx context.Context, sessionID string) (Record, error) {
	values, err := r.store.Values(ctx, streamsKey(sessionID))
	if err != nil {
		return Record{}, err
	}
	record := Record{StreamIds: make([]string, 0, len(values))}
	for _, value := range values {
		record.StreamIds = append(record.StreamIds, string(value))
	}
	info, ok, err := r.ClientInfo(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if ok {
		record.ClientInfo = &info
	}
	return record, nil
}

// ClientInfo returns the stored client info without blocking.
func (r *Registry) ClientInfo(ctx context.Context, sessionID string) (ClientInfo, bool, error) {
	raw, ok, err := r.store.Get(ctx, clientInfoKey(sessionID))
	if err != nil || !ok {
		return ClientInfo{}, false, err
	}
	info := ClientInfo{}
	if err := json.Unmarshal(raw, &info); err != nil {
		return ClientInfo{}, false, err
	}
	return info, true, nil
}

// WaitClientInfo blocks until client info is stored or ctx is done. Callers
// that must not block bound ctx with a deadline.
func (r *Registry) WaitClientInfo(ctx context.Context, sessionID string) (ClientInfo, error) {
	signal, cancel, err := r.store.Watch(ctx, clientInfoKey(sessionID))
	if err != nil {
		return ClientInfo{}, err
	}
	defer cancel()
	for {
		info, ok, err := r.ClientInfo(ctx, sessionID)
		if err != nil {
			return ClientInfo{}, err
		}
		if ok {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return ClientInfo{}, ctx.Err()
		case <-signal:
		}
	}
}
