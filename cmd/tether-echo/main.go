package main

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/tether"
	"github.com/outofforest/tether/transport"
)

const echoQueueSize = 1024

type options struct {
	ConfigPath string
	Listen     string
	Network    string
	TLSCert    string
	TLSKey     string
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("tether-echo", pflag.ExitOnError)
	flags.StringVar(&opts.ConfigPath, "config", "", "path to TOML configuration file")
	flags.StringVar(&opts.Listen, "listen", "localhost:7700", "address or socket path to listen on")
	flags.StringVar(&opts.Network, "network", "tcp", "network to listen on: tcp or unix")
	flags.StringVar(&opts.TLSCert, "tls-cert", "", "path to TLS certificate, enables TLS over TCP")
	flags.StringVar(&opts.TLSKey, "tls-key", "", "path to TLS private key")
	_ = flags.Parse(os.Args[1:])

	log := logger.New(logger.DefaultConfig)
	ctx, cancel := signal.NotifyContext(logger.WithLogger(context.Background(), log), os.Interrupt,
		syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Echo server failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	config := tether.DefaultConfig()
	if opts.ConfigPath != "" {
		var err error
		config, err = tether.LoadConfig(opts.ConfigPath)
		if err != nil {
			return err
		}
	}

	ls, err := listen(opts)
	if err != nil {
		return err
	}

	e := &echo{
		log:   logger.Get(ctx),
		queue: make(chan echoRequest, echoQueueSize),
	}
	h := tether.New(ctx, config, e)

	e.log.Info("Echo server started", zap.Stringer("address", ls.Addr()))

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("handler", parallel.Fail, h.Run)
		spawn("echo", parallel.Fail, e.run)
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			return transport.Serve(ctx, ls, h)
		})
		return nil
	})
	return multierr.Append(err, h.Close())
}

func listen(opts options) (net.Listener, error) {
	switch opts.Network {
	case "unix":
		return transport.ListenUnix(opts.Listen)
	case "tcp":
		if opts.TLSCert == "" {
			return transport.ListenTCP(opts.Listen)
		}
		cert, err := tls.LoadX509KeyPair(opts.TLSCert, opts.TLSKey)
		if err != nil {
			return nil, errors.Wrap(err, "loading TLS key pair failed")
		}
		return transport.ListenTLS(opts.Listen, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	default:
		return nil, errors.Errorf("unsupported network %q", opts.Network)
	}
}

type echoRequest struct {
	Session *tether.Session
	Payload []byte
}

// echo sends every received payload back to the session it came from.
// Payloads of acknowledged messages are returned inside the acknowledgement.
type echo struct {
	log   *zap.Logger
	queue chan echoRequest
}

func (e *echo) OnSessionEvent(_ *tether.Session, event tether.SessionEvent) {
	e.log.Info("Session event",
		zap.Uint32("sessionID", event.SessionID),
		zap.Stringer("state", event.State),
		zap.Bool("local", event.Local))
}

func (e *echo) OnData(s *tether.Session, isReply bool, payload []byte) {
	if isReply {
		return
	}

	select {
	case e.queue <- echoRequest{Session: s, Payload: payload}:
	default:
		e.log.Warn("Echo queue is full, dropping payload", zap.Uint32("sessionID", s.ID()))
	}
}

func (e *echo) OnError(s *tether.Session, kind tether.ErrorKind, message string) {
	fields := []zap.Field{zap.Stringer("error", kind), zap.String("message", message)}
	if s != nil {
		fields = append(fields, zap.Uint32("sessionID", s.ID()))
	}
	e.log.Warn("Protocol error", fields...)
}

func (e *echo) Respond(_ *tether.Session, payload []byte) []byte {
	return payload
}

func (e *echo) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case req := <-e.queue:
			if err := req.Session.Send(ctx, req.Payload); err != nil && ctx.Err() == nil {
				e.log.Warn("Echoing payload failed", zap.Uint32("sessionID", req.Session.ID()), zap.Error(err))
			}
		}
	}
}
