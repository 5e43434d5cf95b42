package tether_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"
	"github.com/outofforest/tether"
	"github.com/outofforest/tether/wire"
)

var errTransportClosed = errors.New("transport closed")

// memTransport queues sent frames until they are pumped to the peer handler.
type memTransport struct {
	name string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (t *memTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.WithStack(errTransportClosed)
	}
	t.frames = append(t.frames, bytes.Clone(frame))
	return nil
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	return nil
}

func (t *memTransport) String() string {
	return "mem://" + t.name
}

func (t *memTransport) take() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	frames := t.frames
	t.frames = nil
	return frames
}

func (t *memTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

type dataEvent struct {
	SessionID uint32
	IsReply   bool
	Payload   []byte
}

type errorEvent struct {
	SessionID uint32
	Kind      tether.ErrorKind
	Message   string
}

type recorder struct {
	mu     sync.Mutex
	events []tether.SessionEvent
	data   []dataEvent
	errs   []errorEvent

	dataCh  chan dataEvent
	eventCh chan tether.SessionEvent
}

func newRecorder() *recorder {
	return &recorder{
		dataCh:  make(chan dataEvent, 100),
		eventCh: make(chan tether.SessionEvent, 100),
	}
}

func (r *recorder) OnSessionEvent(_ *tether.Session, event tether.SessionEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	select {
	case r.eventCh <- event:
	default:
	}
}

func (r *recorder) OnData(s *tether.Session, isReply bool, payload []byte) {
	e := dataEvent{
		SessionID: s.ID(),
		IsReply:   isReply,
		Payload:   payload,
	}

	r.mu.Lock()
	r.data = append(r.data, e)
	r.mu.Unlock()

	select {
	case r.dataCh <- e:
	default:
	}
}

func (r *recorder) OnError(s *tether.Session, kind tether.ErrorKind, message string) {
	e := errorEvent{Kind: kind, Message: message}
	if s != nil {
		e.SessionID = s.ID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, e)
}

func (r *recorder) Events() []tether.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]tether.SessionEvent{}, r.events...)
}

func (r *recorder) Data() []dataEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]dataEvent{}, r.data...)
}

func (r *recorder) Errors() []errorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]errorEvent{}, r.errs...)
}

func (r *recorder) ErrorKinds() []tether.ErrorKind {
	var kinds []tether.ErrorKind
	for _, e := range r.Errors() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// responder replies to acknowledged dynamic messages with the result of the function.
type responder struct {
	*recorder

	respond func(payload []byte) []byte
}

func (r responder) Respond(_ *tether.Session, payload []byte) []byte {
	return r.respond(payload)
}

// link connects client and server handlers with in-memory transports.
type link struct {
	t *testing.T

	Client    *tether.Handler
	Server    *tether.Handler
	ClientRec *recorder
	ServerRec *recorder
	ClientT   *memTransport
	ServerT   *memTransport

	mu          sync.Mutex
	clientKinds []wire.Kind
}

func newLink(t *testing.T, clientConfig, serverConfig tether.Config) *link {
	return newLinkWithCallbacks(t, clientConfig, serverConfig, newRecorder(), newRecorder(), nil)
}

func newLinkWithCallbacks(
	t *testing.T,
	clientConfig, serverConfig tether.Config,
	clientRec, serverRec *recorder,
	serverCallbacks tether.Callbacks,
) *link {
	ctx := qa.NewContext(t)
	if serverCallbacks == nil {
		serverCallbacks = serverRec
	}

	return &link{
		t:         t,
		Client:    tether.New(ctx, clientConfig, clientRec),
		Server:    tether.New(ctx, serverConfig, serverCallbacks),
		ClientRec: clientRec,
		ServerRec: serverRec,
		ClientT:   &memTransport{name: "client"},
		ServerT:   &memTransport{name: "server"},
	}
}

// pump delivers queued frames in both directions until nothing is left.
func (l *link) pump() {
	for {
		clientFrames := l.ClientT.take()
		serverFrames := l.ServerT.take()
		if len(clientFrames) == 0 && len(serverFrames) == 0 {
			return
		}

		for _, f := range clientFrames {
			h, err := wire.DecodeHeader(f)
			require.NoError(l.t, err)

			l.mu.Lock()
			l.clientKinds = append(l.clientKinds, h.Kind())
			l.mu.Unlock()

			require.Equal(l.t, len(f), l.Server.Receive(l.ServerT, f))
		}
		for _, f := range serverFrames {
			require.Equal(l.t, len(f), l.Client.Receive(l.ClientT, f))
		}
	}
}

// pumpUntil pumps frames until the operation running in background completes.
func (l *link) pumpUntil(errCh <-chan error) error {
	timeout := time.After(10 * time.Second)
	for {
		l.pump()
		select {
		case err := <-errCh:
			l.pump()
			return err
		case <-timeout:
			l.t.Fatal("operation did not complete")
			return nil
		case <-time.After(time.Millisecond):
		}
	}
}

// ClientKinds returns kinds of frames delivered from client to server.
func (l *link) ClientKinds() []wire.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]wire.Kind{}, l.clientKinds...)
}

// connect runs the handshake and returns client and server sides of the session.
func (l *link) connect() (*tether.Session, *tether.Session) {
	requireT := require.New(l.t)

	client, err := l.Client.Connect(l.ClientT)
	requireT.NoError(err)
	l.pump()

	requireT.Equal(tether.Established, client.State())
	server, err := l.Server.Session(client.ID())
	requireT.NoError(err)
	requireT.Equal(tether.Established, server.State())

	return client, server
}

func sendMulti(ctx context.Context, s *tether.Session, payload []byte) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.SendMulti(ctx, payload)
	}()
	return errCh
}

func framesOfKind(t *testing.T, frames [][]byte, kind wire.Kind) []wire.Message {
	var msgs []wire.Message
	for _, f := range frames {
		msg, _, err := wire.Decode(f)
		require.NoError(t, err)
		if msg.Kind() == kind {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// waitForFrames waits until transport has at least n frames queued and takes them.
func waitForFrames(t *testing.T, tr *memTransport, n int) [][]byte {
	var frames [][]byte
	require.Eventually(t, func() bool {
		frames = append(frames, tr.take()...)
		return len(frames) >= n
	}, 10*time.Second, time.Millisecond)
	return frames
}
