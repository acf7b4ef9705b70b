package server

import (
	"bufio"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionConfig configures a Connection's timeout and logging behavior.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// Connection wraps a network connection with buffered I/O, idle/command
// deadlines, and an in-place TLS upgrade path for STLS. It replaces the
// select()-loop connection state of the original with per-connection
// blocking I/O on its own goroutine, the same mapping used throughout this
// server for every other piece of reactor state.
type Connection struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	cfg    ConnectionConfig
	closed atomic.Bool
}

// NewConnection wraps conn with buffered I/O and the given timeout policy.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	c := &Connection{conn: conn, cfg: cfg}
	c.reader = bufio.NewReader(conn)
	c.writer = bufio.NewWriter(conn)
	c.ResetIdleTimeout()
	return c
}

// Reader returns the buffered reader for reading client command lines.
func (c *Connection) Reader() *bufio.Reader { return c.reader }

// Writer returns the buffered writer for writing responses.
func (c *Connection) Writer() *bufio.Writer { return c.writer }

// Flush flushes any buffered output to the network.
func (c *Connection) Flush() error { return c.writer.Flush() }

// IsTLS reports whether the underlying connection is a TLS connection.
func (c *Connection) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// IsClosed reports whether Close has been called on this connection.
func (c *Connection) IsClosed() bool { return c.closed.Load() }

// SetCommandTimeout sets the read deadline to now + the configured command
// timeout, so a client that starts a command line and never finishes it
// doesn't tie up the goroutine forever.
func (c *Connection) SetCommandTimeout() {
	if c.cfg.CommandTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.CommandTimeout))
	}
}

// ResetIdleTimeout sets the read deadline to now + the configured idle
// timeout, called after each complete command is processed.
func (c *Connection) ResetIdleTimeout() {
	if c.cfg.IdleTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	}
}

// UpgradeToTLS replaces the underlying connection with a server-side TLS
// connection over it, performing the handshake before returning, and
// rebuilds the buffered reader/writer over the new connection. Used for
// STLS: unlike POP3S listeners, this happens mid-session, not at accept.
func (c *Connection) UpgradeToTLS(tlsConfig *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tlsConn := tls.Server(c.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	return nil
}

// Logger returns the connection's logger, or slog.Default() if none was set.
func (c *Connection) Logger() *slog.Logger {
	if c.cfg.Logger != nil {
		return c.cfg.Logger
	}
	return slog.Default()
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the underlying connection. Safe to call more than once.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
