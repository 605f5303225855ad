package receive

import "sync"

// Resolver maps transient SSRCs to stable participant IDs in both
// directions. Speaking updates insert pairs and disconnects remove them.
//
// The two maps are kept mutually consistent: for every SSRC s and user u,
// toUser[s] == u if and only if toSSRC[u] == s.
//
// Resolver is safe for concurrent use. Writes take the lock exclusively;
// lookups share it.
type Resolver struct {
	mu     sync.RWMutex
	toSSRC map[uint64]uint32
	toUser map[uint32]uint64
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		toSSRC: make(map[uint64]uint32),
		toUser: make(map[uint32]uint64),
	}
}

// Insert associates userID with ssrc. Any SSRC previously owned by userID
// and any user previously owning ssrc are unlinked first.
func (r *Resolver) Insert(userID uint64, ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.toSSRC[userID]; ok && old != ssrc {
		delete(r.toUser, old)
	}
	if old, ok := r.toUser[ssrc]; ok && old != userID {
		delete(r.toSSRC, old)
	}
	r.toSSRC[userID] = ssrc
	r.toUser[ssrc] = userID
}

// RemoveByUser drops both directions for userID. It is a no-op when the
// user is unknown.
func (r *Resolver) RemoveByUser(userID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ssrc, ok := r.toSSRC[userID]
	if !ok {
		return
	}
	delete(r.toSSRC, userID)
	delete(r.toUser, ssrc)
}

// Resolve returns the participant currently owning ssrc.
func (r *Resolver) Resolve(ssrc uint32) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.toUser[ssrc]
	return u, ok
}

// SSRC returns the source currently owned by userID.
func (r *Resolver) SSRC(userID uint64) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.toSSRC[userID]
	return s, ok
}

// Key resolves ssrc to a [Key], degrading to [UnknownKey] on a miss.
func (r *Resolver) Key(ssrc uint32) Key {
	if u, ok := r.Resolve(ssrc); ok {
		return UserKey(u)
	}
	return UnknownKey(ssrc)
}

// Len returns the number of mapped pairs.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.toUser)
}

// Snapshot returns a copy of the SSRC to user mapping.
func (r *Resolver) Snapshot() map[uint32]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint32]uint64, len(r.toUser))
	for s, u := range r.toUser {
		out[s] = u
	}
	return out
}

// keyFunc returns a lookup bound to one read-locked view of the maps, so a
// whole tick resolves against a single consistent resolver state. The
// returned release func must be called once the lookups are done.
func (r *Resolver) keyFunc() (lookup func(uint32) Key, release func()) {
	r.mu.RLock()
	return func(ssrc uint32) Key {
		if u, ok := r.toUser[ssrc]; ok {
			return UserKey(u)
		}
		return UnknownKey(ssrc)
	}, r.mu.RUnlock
}
