// Package presence tracks which identities currently hold a live chat session.
//
// The Registry is the single source of truth for the online list. All
// mutations and snapshot reads are serialized by one mutex, so a concurrent
// register and deregister can never leave a stale or duplicate entry.
package presence

import "sync"

// Identity is an authenticated user as seen by the real-time core. It is
// looked up at connect time and not refreshed for the life of a session.
type Identity struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   *string
}

// Name returns the display name, falling back to the username.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Username
}

// Entry is the presence metadata published in the online list.
type Entry struct {
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
}

type record struct {
	entry    Entry
	sessions int
}

// Registry maps identity ids to presence entries.
type Registry struct {
	mu      sync.Mutex
	records map[string]*record
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*record)}
}

// Register inserts or overwrites the entry for identity.ID and counts one more
// live session for it. An overwrite keeps the entry's position in the
// snapshot order.
func (r *Registry) Register(identity Identity) {
	entry := Entry{
		Username:    identity.Username,
		DisplayName: identity.Name(),
		AvatarURL:   identity.AvatarURL,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[identity.ID]; ok {
		rec.entry = entry
		rec.sessions++
		return
	}
	r.records[identity.ID] = &record{entry: entry, sessions: 1}
	r.order = append(r.order, identity.ID)
}

// Deregister releases one live session of identityID. The entry is removed
// once no session remains, in which case Deregister returns true. Unknown ids
// are ignored.
func (r *Registry) Deregister(identityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[identityID]
	if !ok {
		return false
	}
	rec.sessions--
	if rec.sessions > 0 {
		return false
	}

	delete(r.records, identityID)
	for i, id := range r.order {
		if id == identityID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Snapshot returns a point-in-time copy of all entries in insertion order.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.records[id].entry)
	}
	return entries
}

// Contains reports whether identityID currently has at least one live session.
func (r *Registry) Contains(identityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[identityID]
	return ok
}

// Len returns the number of online identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
