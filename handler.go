package tether

import (
	"context"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/tether/transport"
	"github.com/outofforest/tether/wire"
)

var _ transport.Receiver = &Handler{}

// Handler owns sessions, their registry and the reliability timers of one process.
// It receives bytes from transports and dispatches them to sessions.
type Handler struct {
	config    Config
	callbacks Callbacks
	log       *zap.Logger
	registry  *registry
	engine    *engine
}

// New creates new handler.
func New(ctx context.Context, config Config, callbacks Callbacks) *Handler {
	if callbacks == nil {
		callbacks = NopCallbacks{}
	}
	config = config.withDefaults()
	log := logger.Get(ctx).Named("tether")

	return &Handler{
		config:    config,
		callbacks: callbacks,
		log:       log,
		registry:  newRegistry(callbacks, log),
		engine:    newEngine(config, log),
	}
}

// Run runs timer engine and heartbeat driver until context is canceled.
func (h *Handler) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("timer", parallel.Fail, h.engine.run)
		if h.config.HeartbeatInterval > 0 {
			spawn("heartbeat", parallel.Fail, h.runHeartbeat)
		}
		return nil
	})
}

// Connect starts the handshake of new session over the transport.
func (h *Handler) Connect(t transport.Transport) (*Session, error) {
	s := newSession(h, t, false)
	id, err := h.registry.addNew(s, false, func(half uint16) uint32 {
		return uint32(half)
	})
	if err != nil {
		h.callbacks.OnError(nil, DuplicateSessionID, err.Error())
		return nil, err
	}
	s.offeredID = id

	h.log.Debug("Connecting session", zap.Uint32("offeredSessionID", id), zap.Stringer("transport", t))

	if err := s.send(&wire.SessionInitStart{
		Header:           s.header(wire.FlagAckRequired),
		OfferedSessionID: id,
	}); err != nil {
		h.registry.remove(id)
		h.engine.purge(id)
		return nil, err
	}
	return s, nil
}

// Session returns registered session.
func (h *Handler) Session(id uint32) (*Session, error) {
	s := h.registry.get(id)
	if s == nil {
		return nil, errors.Wrapf(ErrUnknownSession, "session %d", id)
	}
	return s, nil
}

// Sessions returns all registered sessions.
func (h *Handler) Sessions() []*Session {
	return h.registry.snapshot()
}

// Disconnected closes all the sessions bound to the broken transport.
func (h *Handler) Disconnected(t transport.Transport) {
	for _, s := range lo.Filter(h.registry.snapshot(), func(s *Session, _ int) bool {
		return s.transport == t
	}) {
		h.finish(s, false)
	}
}

// Close closes all the sessions and transports they are bound to.
func (h *Handler) Close() error {
	sessions := h.registry.snapshot()
	transports := lo.Uniq(lo.Map(sessions, func(s *Session, _ int) transport.Transport {
		return s.transport
	}))

	for _, s := range sessions {
		h.finish(s, true)
	}

	var err error
	for _, t := range transports {
		err = multierr.Append(err, errors.WithStack(t.Close()))
	}
	return err
}

func (h *Handler) establish(s *Session, local bool) {
	if !s.establish() {
		return
	}

	h.log.Debug("Session established", zap.Uint32("sessionID", s.ID()), zap.Bool("serverSide", s.serverSide))
	s.callbacks.OnSessionEvent(s, SessionEvent{
		SessionID:  s.ID(),
		State:      Established,
		ServerSide: s.serverSide,
		Local:      local,
	})
}

func (h *Handler) finish(s *Session, local bool) {
	if !s.markClosed() {
		return
	}

	id := s.ID()
	h.registry.remove(id)
	h.engine.purge(id)

	h.log.Debug("Session closed", zap.Uint32("sessionID", id), zap.Bool("local", local))
	s.callbacks.OnSessionEvent(s, SessionEvent{
		SessionID:  id,
		State:      Closed,
		ServerSide: s.serverSide,
		Local:      local,
	})
}
