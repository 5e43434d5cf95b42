package tether

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/tether/wire"
)

type entryKey struct {
	SessionID uint32
	MessageID uint64
}

type entry struct {
	Kind    wire.Kind
	Session *Session
	Frame   []byte
	SentAt  time.Time
	Retries int
}

// engine tracks messages waiting for the reply, resends them and reports delivery timeouts.
type engine struct {
	retryInterval time.Duration
	maxRetries    int
	tickInterval  time.Duration
	log           *zap.Logger
	now           func() time.Time

	mu      sync.Mutex
	entries map[entryKey]*entry
}

func newEngine(config Config, log *zap.Logger) *engine {
	return &engine{
		retryInterval: config.RetryInterval,
		maxRetries:    config.MaxRetries,
		tickInterval:  config.TickInterval,
		log:           log,
		now:           time.Now,
		entries:       map[entryKey]*entry{},
	}
}

func (e *engine) track(s *Session, kind wire.Kind, h wire.Header, frame []byte) {
	key := entryKey{SessionID: h.SessionID, MessageID: h.MessageID}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.entries[key]; exists {
		e.log.Error("Message is already tracked",
			zap.Uint32("sessionID", key.SessionID),
			zap.Uint64("messageID", key.MessageID),
			zap.Stringer("kind", kind))
	}
	e.entries[key] = &entry{
		Kind:    kind,
		Session: s,
		Frame:   frame,
		SentAt:  e.now(),
	}
}

func (e *engine) ack(sessionID uint32, messageID uint64) bool {
	key := entryKey{SessionID: sessionID, MessageID: messageID}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.entries[key]; !exists {
		return false
	}
	delete(e.entries, key)
	return true
}

func (e *engine) purge(sessionID uint32) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var n int
	for key := range e.entries {
		if key.SessionID == sessionID {
			delete(e.entries, key)
			n++
		}
	}
	return n
}

func (e *engine) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.entries)
}

func (e *engine) run(ctx context.Context) error {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
			e.scan(e.now())
		}
	}
}

type expired struct {
	Key   entryKey
	Entry entry
}

func (e *engine) scan(now time.Time) {
	var resend, timedOut []expired

	e.mu.Lock()
	for key, en := range e.entries {
		if now.Sub(en.SentAt) < e.retryInterval {
			continue
		}
		if en.Retries < e.maxRetries && en.Session.State() != Closed {
			en.Retries++
			en.SentAt = now
			resend = append(resend, expired{Key: key, Entry: *en})
			continue
		}
		delete(e.entries, key)
		if en.Session.State() != Closed {
			timedOut = append(timedOut, expired{Key: key, Entry: *en})
		}
	}
	e.mu.Unlock()

	for _, r := range resend {
		e.log.Debug("Resending message",
			zap.Uint32("sessionID", r.Key.SessionID),
			zap.Uint64("messageID", r.Key.MessageID),
			zap.Stringer("kind", r.Entry.Kind),
			zap.Int("retry", r.Entry.Retries))
		if err := r.Entry.Session.transport.Send(r.Entry.Frame); err != nil {
			e.log.Warn("Resending message failed", zap.Uint32("sessionID", r.Key.SessionID), zap.Error(err))
		}
	}

	for _, t := range timedOut {
		e.log.Warn("Message delivery timed out",
			zap.Uint32("sessionID", t.Key.SessionID),
			zap.Uint64("messageID", t.Key.MessageID),
			zap.Stringer("kind", t.Entry.Kind))

		s := t.Entry.Session
		if t.Entry.Kind == wire.KindDataMultiInit {
			s.failOutgoing(t.Key.MessageID, ErrDeliveryTimeout)
		}
		s.callbacks.OnError(s, DeliveryTimeout, fmt.Sprintf("message %s (id %d) not acknowledged after %d retries",
			t.Entry.Kind, t.Key.MessageID, t.Entry.Retries))
	}
}
