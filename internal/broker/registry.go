package broker

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const registryShards = 16

// Registry maps call identifiers to live sessions. Mutations are serialised
// per identifier by sharded locks; the registry never owns a session, it only
// looks one up — sessions detach themselves before tearing down.
type Registry struct {
	cfg    Config
	deps   Deps
	shards [registryShards]registryShard
	count  atomic.Int32
}

type registryShard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds a registry with the given collaborators.
func NewRegistry(cfg Config, deps Deps) *Registry {
	r := &Registry{cfg: cfg, deps: deps}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shardFor(callID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callID))
	return &r.shards[h.Sum32()%registryShards]
}

// Attach binds a stream to the call's session, creating the session on first
// arrival. An already-ended id yields a fresh session; an occupied role fails
// with ErrRoleOccupied.
func (r *Registry) Attach(callID string, role Role, stream Stream) (*Session, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		sh := r.shardFor(callID)
		sh.mu.Lock()
		s := sh.sessions[callID]
		if s == nil || s.State() == StateEnded {
			if int(r.count.Load()) >= r.cfg.MaxSessions {
				sh.mu.Unlock()
				return nil, false, ErrTooManySessions
			}
			s = newSession(callID, r.cfg, r.deps, r)
			sh.sessions[callID] = s
			r.count.Add(1)
		}
		sh.mu.Unlock()

		// The attach round-trip happens outside the shard lock: the session
		// may be mid-teardown and needs the lock to remove itself.
		first, err := s.attach(role, stream)
		if errors.Is(err, ErrSessionEnded) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return s, first, nil
	}
	return nil, false, ErrSessionEnded
}

// Lookup returns the live session for the id, if any.
func (r *Registry) Lookup(callID string) *Session {
	sh := r.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s := sh.sessions[callID]
	if s == nil || s.State() == StateEnded {
		return nil
	}
	return s
}

// End requests orderly teardown of the call.
func (r *Registry) End(callID string) error {
	s := r.Lookup(callID)
	if s == nil {
		return ErrSessionEnded
	}
	s.End("requested")
	return nil
}

// Count reports live sessions.
func (r *Registry) Count() int { return int(r.count.Load()) }

// remove drops the session from the map if it is still the registered one.
// Called exactly once per session, from its teardown. The count is
// decremented unconditionally: an ended-but-not-yet-removed session may have
// been displaced from its slot by a fresh incarnation in Attach, and each
// incarnation carries its own increment.
func (r *Registry) remove(callID string, s *Session) {
	sh := r.shardFor(callID)
	sh.mu.Lock()
	if sh.sessions[callID] == s {
		delete(sh.sessions, callID)
	}
	sh.mu.Unlock()
	r.count.Add(-1)
}
