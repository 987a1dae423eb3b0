// Package correlation tracks the mapping between a downstream client's
// correlation id and the id a ConnectionPair mints for the matching upstream
// request, so a response can be rewritten back to the id the client expects
// and dispatched to whichever filter (or none) is waiting on it.
package correlation

import (
	"sync"
	"time"
)

// Entry records everything needed to finish a request once its response
// arrives: what to rewrite the correlation id back to, and which api
// key/version/flexibility governs decoding the response header.
type Entry struct {
	DownstreamID int32
	UpstreamID   int32
	ApiKey       int16
	ApiVersion   int16
	Flexible     bool
	SentAt       time.Time

	// HasResponse is false for requests the broker never answers (a
	// Produce with acks=0); such requests still mint an upstream id but
	// are never stored, so no entry with HasResponse false is ever
	// observed via Take.
	HasResponse bool

	// Internal marks an entry created by TrackInternal: its response must
	// bypass the normal filter chain and be delivered only to the
	// originating filter via ResponseCh, never forwarded to the
	// downstream client.
	Internal   bool
	ResponseCh chan []byte
}

// Manager is one per ConnectionPair; it is not safe to share across pairs
// since correlation ids are only unique within a single upstream connection.
// Generalizes the teacher's correlationTracker (apiKey/apiVersion only) to
// the full Entry above, and adds the upstream-id-minting responsibility the
// teacher's pass-through proxy never needed (it forwarded the client's own
// id unchanged).
type Manager struct {
	mu      sync.Mutex
	nextID  int32
	entries map[int32]Entry
}

// NewManager returns a Manager whose minted upstream ids start at 1.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[int32]Entry),
	}
}

// Track records a downstream request and returns the upstream-facing
// correlation id to send it with. The entry is retrievable exactly once via
// Take, mirroring the teacher's track()/lookup() pair where lookup deletes
// on match. An id is minted regardless of hasResponse (the upstream frame
// still needs a unique correlation id on the wire), but when hasResponse is
// false no entry is stored — a Produce with acks=0 gets no broker response,
// and storing one would grow the map without bound.
func (m *Manager) Track(downstreamID int32, apiKey, apiVersion int16, flexible, hasResponse bool) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	if !hasResponse {
		return id
	}
	m.entries[id] = Entry{
		DownstreamID: downstreamID,
		UpstreamID:   id,
		ApiKey:       apiKey,
		ApiVersion:   apiVersion,
		Flexible:     flexible,
		SentAt:       time.Now(),
		HasResponse:  true,
	}
	return id
}

// TrackInternal mints an upstream correlation id for a request a filter
// synthesizes itself (e.g. EagerMetadataLearner's probe), rather than one
// relayed from the downstream client. The returned channel receives exactly
// the matching response's raw payload, delivered by the ConnectionPair's
// response loop instead of being forwarded to the client; it is buffered so
// the response loop never blocks on a filter that stops waiting (a timeout).
func (m *Manager) TrackInternal(apiKey, apiVersion int16, flexible bool) (int32, chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	ch := make(chan []byte, 1)
	m.entries[id] = Entry{
		UpstreamID:  id,
		ApiKey:      apiKey,
		ApiVersion:  apiVersion,
		Flexible:    flexible,
		SentAt:      time.Now(),
		HasResponse: true,
		Internal:    true,
		ResponseCh:  ch,
	}
	return id, ch
}

// Take looks up and consumes the entry for an upstream-facing correlation
// id. ok is false if upstreamID is unknown (already consumed, or never
// tracked — the caller should forward the response as-is in that case, same
// as the teacher's lookup-miss fallback).
func (m *Manager) Take(upstreamID int32) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[upstreamID]
	if ok {
		delete(m.entries, upstreamID)
	}
	return e, ok
}

// Pending reports how many requests are awaiting a response (stored
// entries, including internal ones not yet taken).
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Expire removes and returns entries sent before cutoff, for timeout
// handling when an upstream never answers.
func (m *Manager) Expire(cutoff time.Time) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Entry
	for id, e := range m.entries {
		if e.SentAt.Before(cutoff) {
			expired = append(expired, e)
			delete(m.entries, id)
		}
	}
	return expired
}
