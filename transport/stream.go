package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

const readBufferSize = 64 * 1024

var _ Transport = &Stream{}

// Stream is the transport over a connected byte stream: TCP, TLS over TCP or Unix domain socket.
type Stream struct {
	conn net.Conn

	mu      sync.Mutex
	staging Staging
}

// NewStream creates stream transport over the connection.
func NewStream(conn net.Conn) *Stream {
	return &Stream{conn: conn}
}

// Send sends the frame.
func (s *Stream) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Write(frame)
	return errors.WithStack(err)
}

// Close closes the connection.
func (s *Stream) Close() error {
	return errors.WithStack(s.conn.Close())
}

func (s *Stream) String() string {
	if addr := s.conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.Network() + "://" + addr.String()
	}
	if addr := s.conn.LocalAddr(); addr != nil {
		return addr.Network() + "://" + addr.String()
	}
	return "unknown"
}

// Run receives bytes and passes them to the receiver until connection is closed or context is canceled.
func (s *Stream) Run(ctx context.Context, r Receiver) error {
	defer r.Disconnected(s)

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	err := s.receive(r)
	if ctx.Err() != nil {
		return errors.WithStack(ctx.Err())
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Stream) receive(r Receiver) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.staging.Append(buf[:n])
			s.staging.Drain(s, r)
		}
		if err != nil {
			return errors.WithStack(err)
		}
	}
}

// Serve accepts connections and runs stream transport for each of them.
func Serve(ctx context.Context, ls net.Listener, r Receiver) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("watchdog", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = ls.Close()
			return errors.WithStack(ctx.Err())
		})
		spawn("listener", parallel.Fail, func(ctx context.Context) error {
			log := logger.Get(ctx)

			for {
				conn, err := ls.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}
					return errors.WithStack(err)
				}

				stream := NewStream(conn)
				log.Debug("Connection accepted", zap.Stringer("peer", stream))

				spawn("conn", parallel.Continue, func(ctx context.Context) error {
					if err := stream.Run(ctx, r); err != nil && ctx.Err() == nil {
						log.Error("Connection failed", zap.Stringer("peer", stream), zap.Error(err))
					}
					return nil
				})
			}
		})

		return nil
	})
}

// ListenTCP listens on TCP address.
func ListenTCP(addr string) (net.Listener, error) {
	ls, err := net.Listen("tcp", addr)
	return ls, errors.WithStack(err)
}

// ListenTLS listens on TCP address and wraps accepted connections with TLS.
func ListenTLS(addr string, config *tls.Config) (net.Listener, error) {
	ls, err := tls.Listen("tcp", addr, config)
	return ls, errors.WithStack(err)
}

// ListenUnix listens on Unix domain socket.
func ListenUnix(path string) (net.Listener, error) {
	ls, err := net.Listen("unix", path)
	return ls, errors.WithStack(err)
}

// DialTCP connects to TCP address.
func DialTCP(ctx context.Context, addr string) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewStream(conn), nil
}

// DialTLS connects to TCP address and runs TLS handshake.
func DialTLS(ctx context.Context, addr string, config *tls.Config) (*Stream, error) {
	d := tls.Dialer{Config: config}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewStream(conn), nil
}

// DialUnix connects to Unix domain socket.
func DialUnix(ctx context.Context, path string) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewStream(conn), nil
}
