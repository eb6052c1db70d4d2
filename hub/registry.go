package hub

import (
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/tabhub/protocol"
)

// requesterEntry ties a registered requester to its connection. The registry
// holds the client id as the key and the connection as a value; connections
// hold the client id back only as a plain string. Relationships are lookups,
// not pointers.
type requesterEntry struct {
	conn         *Conn
	info         protocol.ClientInfo
	registeredAt int64
	requestCount uint64
}

// Registry tracks the two client classes: at most one automator and any
// number of requesters keyed by client id.
type Registry struct {
	mu          sync.RWMutex
	automator   *Conn
	extensionID string
	requesters  map[string]*requesterEntry
}

func NewRegistry() *Registry {
	return &Registry{requesters: make(map[string]*requesterEntry)}
}

// InstallAutomator installs conn as the sole automator and returns the
// evicted predecessor, if any.
func (r *Registry) InstallAutomator(conn *Conn, extensionID string) (evicted *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted = r.automator
	r.automator = conn
	r.extensionID = extensionID
	return evicted
}

// Automator returns the current automator connection, or nil.
func (r *Registry) Automator() *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.automator
}

// InstallRequester records a requester under a unique client id. An empty or
// colliding id is resolved by synthesis or suffixing; the id actually
// installed is returned so the hub can report it back.
func (r *Registry) InstallRequester(conn *Conn, info protocol.ClientInfo, synthesize func() string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := info.ID
	if id == "" {
		id = synthesize()
	}
	if _, taken := r.requesters[id]; taken {
		base := id
		for n := 2; ; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
			if _, taken := r.requesters[id]; !taken {
				break
			}
		}
	}

	info.ID = id
	r.requesters[id] = &requesterEntry{
		conn:         conn,
		info:         info,
		registeredAt: protocol.NowMillis(),
	}
	return id
}

// Requester resolves a live requester connection by client id.
func (r *Registry) Requester(clientID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.requesters[clientID]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// IncrementRequestCount bumps a requester's forwarded-request counter.
func (r *Registry) IncrementRequestCount(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.requesters[clientID]; ok {
		entry.requestCount++
	}
}

// Remove detaches a connection from the registry. Returns what was removed
// so the hub can decide whether a client_list_update is due.
func (r *Registry) Remove(conn *Conn) (wasAutomator bool, removedRequesterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.automator == conn {
		r.automator = nil
		r.extensionID = ""
		return true, ""
	}

	for id, entry := range r.requesters {
		if entry.conn == conn {
			delete(r.requesters, id)
			return false, id
		}
	}
	return false, ""
}

// RequesterCount returns the number of registered requesters.
func (r *Registry) RequesterCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.requesters)
}

// HasLiveAutomator reports whether an automator is attached and its
// connection is considered live.
func (r *Registry) HasLiveAutomator() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.automator != nil && r.automator.live.Load()
}

// Summaries builds the client_list_update payload, ordered by client id for
// a stable wire shape.
func (r *Registry) Summaries() []protocol.ClientSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.ClientSummary, 0, len(r.requesters))
	for id, entry := range r.requesters {
		out = append(out, protocol.ClientSummary{
			ID:           id,
			Name:         entry.info.Name,
			Type:         entry.info.Type,
			Capabilities: entry.info.Capabilities,
			RegisteredAt: entry.registeredAt,
			RequestCount: entry.requestCount,
			LastActivity: entry.conn.lastActivity.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
