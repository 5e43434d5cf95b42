package tether_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"
	"github.com/outofforest/tether"
	"github.com/outofforest/tether/wire"
)

func TestHandshake(t *testing.T) {
	requireT := require.New(t)
	l := newLink(t, tether.Config{}, tether.Config{})

	client, err := l.Client.Connect(l.ClientT)
	requireT.NoError(err)
	requireT.Equal(tether.Connecting, client.State())
	requireT.False(client.ServerSide())
	offeredID := client.ID()
	requireT.NotZero(offeredID)

	l.pump()

	requireT.Equal(tether.Established, client.State())
	requireT.NoError(client.WaitEstablished(qa.NewContext(t)))
	requireT.NotEqual(offeredID, client.ID())
	requireT.Equal(offeredID&0xffff, client.ID()&0xffff)

	sessions := l.Server.Sessions()
	requireT.Len(sessions, 1)
	server := sessions[0]
	requireT.True(server.ServerSide())
	requireT.Equal(client.ID(), server.ID())
	requireT.Equal(tether.Established, server.State())

	_, err = l.Client.Session(offeredID)
	requireT.ErrorIs(err, tether.ErrUnknownSession)
	s, err := l.Client.Session(client.ID())
	requireT.NoError(err)
	requireT.Same(client, s)

	requireT.Equal([]tether.SessionEvent{
		{SessionID: client.ID(), State: tether.Established, ServerSide: false, Local: true},
	}, l.ClientRec.Events())
	requireT.Equal([]tether.SessionEvent{
		{SessionID: server.ID(), State: tether.Established, ServerSide: true, Local: false},
	}, l.ServerRec.Events())
	requireT.Empty(l.ClientRec.Errors())
	requireT.Empty(l.ServerRec.Errors())
}

// greeter sends a greeting as soon as the server side of the session is established.
type greeter struct {
	*recorder
}

func (g greeter) OnSessionEvent(s *tether.Session, event tether.SessionEvent) {
	g.recorder.OnSessionEvent(s, event)
	if event.State == tether.Established && event.ServerSide {
		_ = s.SendStatic([]byte("hello"))
	}
}

func TestDataSentOnEstablishedReachesClient(t *testing.T) {
	requireT := require.New(t)

	clientRec := newRecorder()
	serverRec := newRecorder()
	l := newLinkWithCallbacks(t, tether.Config{}, tether.Config{}, clientRec, serverRec,
		greeter{recorder: serverRec})

	client, err := l.Client.Connect(l.ClientT)
	requireT.NoError(err)

	inits := l.ClientT.take()
	requireT.Len(inits, 1)
	requireT.Equal(len(inits[0]), l.Server.Receive(l.ServerT, inits[0]))

	frames := l.ServerT.take()
	requireT.Len(frames, 2)
	first, err := wire.DecodeHeader(frames[0])
	requireT.NoError(err)
	requireT.Equal(wire.KindSessionInitReply, first.Kind())
	second, err := wire.DecodeHeader(frames[1])
	requireT.NoError(err)
	requireT.Equal(wire.KindDataSingleStatic, second.Kind())

	for _, f := range frames {
		requireT.Equal(len(f), l.Client.Receive(l.ClientT, f))
	}

	requireT.Equal(tether.Established, client.State())
	requireT.Equal([]dataEvent{{SessionID: client.ID(), Payload: []byte("hello")}}, clientRec.Data())
	requireT.Empty(clientRec.Errors())
	requireT.Empty(l.ClientT.take())
}

func TestSessionsGetDifferentIDs(t *testing.T) {
	requireT := require.New(t)
	l := newLink(t, tether.Config{}, tether.Config{})

	ids := map[uint32]struct{}{}
	for range 10 {
		client, _ := l.connect()
		ids[client.ID()] = struct{}{}
	}
	requireT.Len(ids, 10)
	requireT.Len(l.Server.Sessions(), 10)
	requireT.Len(l.Client.Sessions(), 10)
}

func TestRetransmittedInitReusesSession(t *testing.T) {
	requireT := require.New(t)
	l := newLink(t, tether.Config{}, tether.Config{})

	client, err := l.Client.Connect(l.ClientT)
	requireT.NoError(err)

	frames := l.ClientT.take()
	requireT.Len(frames, 1)
	requireT.Equal(len(frames[0]), l.Server.Receive(l.ServerT, frames[0]))
	requireT.Equal(len(frames[0]), l.Server.Receive(l.ServerT, frames[0]))

	replies := framesOfKind(t, l.ServerT.take(), wire.KindSessionInitReply)
	requireT.Len(replies, 2)
	requireT.Equal(replies[0], replies[1])
	requireT.Len(l.Server.Sessions(), 1)

	for _, r := range replies {
		frame := wire.Encode(r)
		requireT.Equal(len(frame), l.Client.Receive(l.ClientT, frame))
	}

	requireT.Equal(tether.Established, client.State())
	requireT.Len(l.ClientRec.Events(), 1)
	requireT.Len(l.ServerRec.Events(), 1)
	requireT.Empty(l.ClientRec.Errors())
}

func TestClose(t *testing.T) {
	requireT := require.New(t)
	l := newLink(t, tether.Config{}, tether.Config{})

	client, server := l.connect()
	id := client.ID()

	requireT.NoError(client.Close())
	requireT.Equal(tether.Closing, client.State())
	requireT.ErrorIs(client.Close(), tether.ErrSessionClosed)
	requireT.ErrorIs(client.SendStatic([]byte{0x01}), tether.ErrSessionClosed)

	l.pump()

	requireT.Equal(tether.Closed, client.State())
	requireT.Equal(tether.Closed, server.State())
	requireT.Empty(l.Client.Sessions())
	requireT.Empty(l.Server.Sessions())

	select {
	case <-client.Closed():
	default:
		requireT.Fail("closed channel is not closed")
	}
	requireT.ErrorIs(client.WaitEstablished(qa.NewContext(t)), tether.ErrSessionClosed)

	requireT.Equal(tether.SessionEvent{SessionID: id, State: tether.Closed, ServerSide: false, Local: true},
		l.ClientRec.Events()[1])
	requireT.Equal(tether.SessionEvent{SessionID: id, State: tether.Closed, ServerSide: true, Local: false},
		l.ServerRec.Events()[1])
	requireT.Len(l.ClientRec.Events(), 2)
	requireT.Len(l.ServerRec.Events(), 2)
	requireT.Empty(l.ClientRec.Errors())
	requireT.Empty(l.ServerRec.Errors())
}

func TestCloseInitiatedByServer(t *testing.T) {
	requireT := require.New(t)
	l := newLink(t, tether.Config{}, tether.Config{})

	client, server := l.connect()

	requireT.NoError(server.Close())
	l.pump()

	requireT.Equal(tether.Closed, client.State())
	requireT.Equal(tether.Closed, server.State())
	requireT.False(l.ClientRec.Events()[1].Local)
	requireT.True(l.ServerRec.Events()[1].Local)
}

func TestSimultaneousClose(t *testing.T) {
	requireT := require.New(t)
	l := newLink(t, tether.Config{}, tether.Config{})

	client, server := l.connect()

	requireT.NoError(client.Close())
	requireT.NoError(server.Close())
	l.pump()

	requireT.Equal(tether.Closed, client.State())
	requireT.Equal(tether.Closed, server.State())
	requireT.Len(l.ClientRec.Events(), 2)
	requireT.Len(l.ServerRec.Events(), 2)
	requireT.Empty(l.Client.Sessions())
	requireT.Empty(l.Server.Sessions())
}

func TestRetransmittedCloseIsAnswered(t *testing.T) {
	requireT := require.New(t)
	l := newLink(t, tether.Config{}, tether.Config{})

	client, _ := l.connect()

	requireT.NoError(client.Close())
	frames := l.ClientT.take()
	requireT.Len(frames, 1)

	requireT.Equal(len(frames[0]), l.Server.Receive(l.ServerT, frames[0]))
	requireT.Equal(len(frames[0]), l.Server.Receive(l.ServerT, frames[0]))
	requireT.Len(framesOfKind(t, l.ServerT.take(), wire.KindSessionCloseReply), 2)
	requireT.Len(l.ServerRec.Events(), 2)
	requireT.Empty(l.ServerRec.Errors())
}

func TestHeartbeat(t *testing.T) {
	requireT := require.New(t)
	l := newLink(t, tether.Config{}, tether.Config{})

	l.connect()

	// Heartbeat is not sent to sessions in handshake.
	_, err := l.Client.Connect(l.ClientT)
	requireT.NoError(err)
	requireT.Len(l.ClientT.take(), 1)

	l.Client.SendHeartbeats()
	frames := l.ClientT.take()
	requireT.Len(framesOfKind(t, frames, wire.KindHeartbeatStart), 1)

	for _, f := range frames {
		requireT.Equal(len(f), l.Server.Receive(l.ServerT, f))
	}
	replies := l.ServerT.take()
	requireT.Len(framesOfKind(t, replies, wire.KindHeartbeatReply), 1)
	for _, f := range replies {
		requireT.Equal(len(f), l.Client.Receive(l.ClientT, f))
	}

	requireT.Empty(l.ClientRec.Errors())
	requireT.Empty(l.ServerRec.Errors())
}

func TestDisconnected(t *testing.T) {
	requireT := require.New(t)
	l := newLink(t, tether.Config{}, tether.Config{})

	client, server := l.connect()

	l.Server.Disconnected(l.ServerT)

	requireT.Equal(tether.Closed, server.State())
	requireT.Equal(tether.Established, client.State())
	requireT.Empty(l.Server.Sessions())
	requireT.Equal(tether.SessionEvent{SessionID: server.ID(), State: tether.Closed, ServerSide: true},
		l.ServerRec.Events()[1])

	// Another disconnection does not produce new events.
	l.Server.Disconnected(l.ServerT)
	requireT.Len(l.ServerRec.Events(), 2)
}

func TestDrop(t *testing.T) {
	requireT := require.New(t)
	l := newLink(t, tether.Config{}, tether.Config{})

	client, server := l.connect()

	client.Drop()
	requireT.Equal(tether.Closed, client.State())
	requireT.Empty(l.Client.Sessions())
	requireT.Empty(l.ClientT.take())
	requireT.Equal(tether.Established, server.State())
	requireT.True(l.ClientRec.Events()[1].Local)
}

func TestHandlerClose(t *testing.T) {
	requireT := require.New(t)
	l := newLink(t, tether.Config{}, tether.Config{})

	client, _ := l.connect()

	requireT.NoError(l.Client.Close())
	requireT.True(l.ClientT.isClosed())
	requireT.Equal(tether.Closed, client.State())
	requireT.Empty(l.Client.Sessions())
}
