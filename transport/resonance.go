package transport

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/resonance"
)

var _ Transport = &resonanceTransport{}

// resonanceTransport carries frames as raw resonance messages.
// Every received message is treated as a chunk of the byte stream, so frames may be split or
// coalesced by the sender without affecting the receiver.
type resonanceTransport struct {
	peer string

	mu sync.Mutex
	c  *resonance.Connection
}

func (t *resonanceTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.c.SendRawBytes(frame)
}

func (t *resonanceTransport) Close() error {
	t.c.Close()
	return nil
}

func (t *resonanceTransport) String() string {
	return "resonance://" + t.peer
}

// RunResonanceServer accepts resonance connections and passes received bytes to the receiver.
func RunResonanceServer(ctx context.Context, ls net.Listener, config resonance.Config, r Receiver) error {
	peer := ls.Addr().String()
	return resonance.RunServer(ctx, ls, config, func(ctx context.Context, c *resonance.Connection) error {
		return runResonanceConn(c, peer, r, nil)
	})
}

// RunResonanceClient connects to resonance server and passes received bytes to the receiver.
// onConnected is called with the transport before the first byte is received.
func RunResonanceClient(
	ctx context.Context,
	addr string,
	config resonance.Config,
	r Receiver,
	onConnected func(t Transport),
) error {
	return resonance.RunClient(ctx, addr, config, func(ctx context.Context, c *resonance.Connection) error {
		return runResonanceConn(c, addr, r, onConnected)
	})
}

func runResonanceConn(c *resonance.Connection, peer string, r Receiver, onConnected func(t Transport)) error {
	t := &resonanceTransport{
		peer: peer,
		c:    c,
	}
	defer r.Disconnected(t)

	if onConnected != nil {
		onConnected(t)
	}

	var staging Staging
	for {
		chunk, err := c.ReceiveRawBytes()
		if err != nil {
			return errors.WithStack(err)
		}
		staging.Append(chunk)
		staging.Drain(t, r)
	}
}
