package tether

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// SendHeartbeats sends heartbeat to every established session.
// Missing replies are reported as delivery timeouts.
func (h *Handler) SendHeartbeats() {
	h.registry.broadcastHeartbeat()
}

func (h *Handler) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
			h.SendHeartbeats()
		}
	}
}
