package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/pop3d/internal/config"
	"github.com/infodancer/pop3d/internal/logging"
)

// ConnectionHandler processes one accepted connection until it closes.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// ListenerConfig configures one Listener.
type ListenerConfig struct {
	Address        string
	Mode           config.ListenerMode
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler
}

// Listener accepts connections on one address, running Handler for each in
// its own goroutine. A ModePop3s listener terminates TLS at accept time;
// a ModePop3 listener hands the handler a plaintext connection that may
// later be upgraded in place via STLS.
type Listener struct {
	cfg      ListenerConfig
	listener net.Listener

	mu     sync.Mutex
	closed bool

	wg sync.WaitGroup
}

func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{cfg: cfg}
}

// Address returns the configured listen address.
func (l *Listener) Address() string { return l.cfg.Address }

// Start binds the listener and accepts connections until ctx is cancelled
// or Close is called. It blocks until all in-flight connection handlers
// return.
func (l *Listener) Start(ctx context.Context) error {
	logger := l.cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		netListener net.Listener
		err         error
	)
	if l.cfg.Mode == config.ModePop3s {
		if l.cfg.TLSConfig == nil {
			return errors.New("pop3s listener requires a TLS configuration")
		}
		netListener, err = tls.Listen("tcp", l.cfg.Address, l.cfg.TLSConfig)
	} else {
		netListener, err = net.Listen("tcp", l.cfg.Address)
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		netListener.Close()
		return nil
	}
	l.listener = netListener
	l.mu.Unlock()

	logger.Info("listening", slog.String("address", l.cfg.Address), slog.String("mode", string(l.cfg.Mode)))

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := netListener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				l.wg.Wait()
				return context.Canceled
			}
			logger.Error("accept failed", slog.String("error", err.Error()))
			return err
		}

		l.wg.Add(1)
		go func(nc net.Conn) {
			defer l.wg.Done()
			defer nc.Close()

			connCtx := logging.WithContext(ctx, logger)
			c := NewConnection(nc, ConnectionConfig{
				IdleTimeout:    l.cfg.IdleTimeout,
				CommandTimeout: l.cfg.CommandTimeout,
				LogTransaction: l.cfg.LogTransaction,
				Logger:         logger,
			})
			defer c.Close()

			if l.cfg.Handler != nil {
				l.cfg.Handler(connCtx, c)
			}
		}(conn)
	}
}

// Close stops accepting new connections. Existing connections are left to
// finish on their own.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
