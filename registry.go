package tether

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	sessionIDCounterMask uint16 = 0x7fff
	serverSideBit        uint16 = 0x8000
)

type registry struct {
	callbacks Callbacks
	log       *zap.Logger

	mu       sync.Mutex
	sessions map[uint32]*Session

	idMu    sync.Mutex
	counter uint16
}

func newRegistry(callbacks Callbacks, log *zap.Logger) *registry {
	return &registry{
		callbacks: callbacks,
		log:       log,
		sessions:  map[uint32]*Session{},
	}
}

// allocateSessionID returns next value of the 15-bit counter combined with the connection-side bit.
func (r *registry) allocateSessionID(serverSide bool) uint16 {
	r.idMu.Lock()
	r.counter = (r.counter + 1) & sessionIDCounterMask
	if r.counter == 0 {
		r.counter = 1
	}
	id := r.counter
	r.idMu.Unlock()

	if serverSide {
		id |= serverSideBit
	}
	return id
}

func (r *registry) add(id uint32, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return errors.WithStack(ErrDuplicateSessionID)
	}

	s.callbacks = r.callbacks
	s.id.Store(id)
	r.sessions[id] = s
	return nil
}

// addNew allocates session ID not registered yet and adds the session under it.
func (r *registry) addNew(s *Session, serverSide bool, compose func(half uint16) uint32) (uint32, error) {
	for range sessionIDCounterMask {
		id := compose(r.allocateSessionID(serverSide))
		err := r.add(id, s)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrDuplicateSessionID) {
			return 0, err
		}
	}
	return 0, errors.WithStack(ErrDuplicateSessionID)
}

// rekey moves session registered under the temporary ID to its complete ID.
func (r *registry) rekey(s *Session, from, to uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[from] != s {
		return errors.WithStack(ErrUnknownSession)
	}
	if _, exists := r.sessions[to]; exists {
		return errors.WithStack(ErrDuplicateSessionID)
	}

	delete(r.sessions, from)
	s.id.Store(to)
	r.sessions[to] = s
	return nil
}

func (r *registry) remove(id uint32) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists {
		return nil
	}
	delete(r.sessions, id)
	return s
}

func (r *registry) get(id uint32) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sessions[id]
}

func (r *registry) find(pred func(s *Session) bool) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if pred(s) {
			return s
		}
	}
	return nil
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

func (r *registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lo.Values(r.sessions)
}

// broadcastHeartbeat sends heartbeat to every established session.
// Sessions are collected under the lock, messages are sent after releasing it.
func (r *registry) broadcastHeartbeat() {
	for _, s := range r.snapshot() {
		if s.State() != Established {
			continue
		}
		if err := s.sendHeartbeat(); err != nil {
			r.log.Warn("Sending heartbeat failed", zap.Uint32("sessionID", s.ID()), zap.Error(err))
		}
	}
}
