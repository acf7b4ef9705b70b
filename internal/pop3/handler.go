package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/infodancer/pop3d/internal/config"
	"github.com/infodancer/pop3d/internal/logging"
	"github.com/infodancer/pop3d/internal/mailbox"
	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/server"
)

// defaultMaxLineBytes bounds a single command line, matching the original
// server's fixed-size read buffer: a client that never sends LF within this
// budget is misbehaving or attacking, not slow.
const defaultMaxLineBytes = 1024

// HandlerConfig groups everything the POP3 connection handler needs.
type HandlerConfig struct {
	Hostname        string
	AuthProvider    AuthProvider
	MsgStore        mailbox.Store
	TLSConfig       *tls.Config
	Collector       metrics.Collector
	MaxAuthAttempts int // 0 disables the budget
	ErrorBudget     int // 0 disables the budget
	MaxLineBytes    int // 0 uses defaultMaxLineBytes
}

// Handler creates a POP3 protocol handler with the given configuration.
func Handler(cfg HandlerConfig) server.ConnectionHandler {
	RegisterAuthCommands(cfg.AuthProvider, cfg.MsgStore, cfg.MaxAuthAttempts)
	RegisterTransactionCommands()

	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}

	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, cfg.Hostname, cfg.MsgStore, cfg.TLSConfig, cfg.Collector, cfg.ErrorBudget, cfg.MaxAuthAttempts, maxLine)
	}
}

// handleConnection manages a single POP3 connection.
func handleConnection(ctx context.Context, conn *server.Connection, hostname string, msgStore mailbox.Store, tlsConfig *tls.Config, collector metrics.Collector, errorBudget, maxAuthAttempts, maxLineBytes int) {
	logger := logging.FromContext(ctx)

	collector.ConnectionOpened()
	defer collector.ConnectionClosed()

	listenerMode := config.ModePop3
	if conn.IsTLS() {
		listenerMode = config.ModePop3s
		collector.TLSConnectionEstablished()
	}

	sess := NewSession(hostname, listenerMode, tlsConfig, conn.IsTLS())
	defer sess.Cleanup()

	logger.Info("starting POP3 session", "state", sess.State().String(), "tls_state", sess.TLSState().String())

	greeting := fmt.Sprintf("+OK %s POP3 server ready %s\r\n", hostname, sess.APOPBanner())
	if _, err := conn.Writer().WriteString(greeting); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush greeting", "error", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, closing connection")
			return
		default:
		}

		if conn.IsClosed() {
			logger.Info("connection closed")
			return
		}

		conn.SetCommandTimeout()

		line, err := readBoundedLine(conn.Reader(), maxLineBytes)
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				sess.RecordProtocolError()
				sendError(conn, "Line too long")
				if sess.TooManyProtocolErrors(errorBudget) {
					logger.Info("protocol error budget exceeded, closing connection")
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				logger.Info("client closed connection")
				return
			}
			logger.Error("error reading command", "error", err.Error())
			return
		}

		conn.ResetIdleTimeout()

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		logger.Debug("received command", "line", line)

		if sess.IsSASLInProgress() {
			authCmd, ok := GetCommand("AUTH")
			if !ok {
				logger.Error("AUTH command not registered")
				sess.ClearSASL()
				sendError(conn, "Internal server error")
				continue
			}

			auth, ok := authCmd.(*authCommand)
			if !ok {
				logger.Error("AUTH command has wrong type")
				sess.ClearSASL()
				sendError(conn, "Internal server error")
				continue
			}

			resp, err := auth.ProcessSASLResponse(ctx, sess, conn, line)
			if err != nil && !errors.Is(err, ErrTooManyAuthFailures) {
				logger.Error("SASL processing error", "error", err.Error())
				sess.ClearSASL()
				sendError(conn, "Internal server error")
				continue
			}

			if !writeResponse(conn, logger, resp) {
				return
			}

			if resp.OK || (!resp.OK && !resp.Continuation) {
				domain := extractDomain(sess.Username())
				collector.AuthAttempt(domain, resp.OK)
				collector.CommandProcessed("AUTH")
			}

			if errors.Is(err, ErrTooManyAuthFailures) {
				logger.Info("auth failure budget exceeded, closing connection")
				return
			}

			continue
		}

		cmdName, args, err := ParseCommand(line)
		if err != nil {
			sess.RecordProtocolError()
			sendError(conn, "Invalid command")
			if sess.TooManyProtocolErrors(errorBudget) {
				logger.Info("protocol error budget exceeded, closing connection")
				return
			}
			continue
		}

		cmd, ok := GetCommand(cmdName)
		if !ok {
			sess.RecordProtocolError()
			sendError(conn, "Unknown command")
			if sess.TooManyProtocolErrors(errorBudget) {
				logger.Info("protocol error budget exceeded, closing connection")
				return
			}
			continue
		}

		logger.Debug("executing command", "command", cmdName, "args_count", len(args))
		collector.CommandProcessed(cmdName)

		resp, err := cmd.Execute(ctx, sess, conn, args)
		if err != nil && !errors.Is(err, ErrTooManyAuthFailures) {
			logger.Error("command execution error", "command", cmdName, "error", err.Error())
			sendError(conn, "Internal server error")
			continue
		}

		if !writeResponse(conn, logger, resp) {
			return
		}

		logger.Debug("sent response", "ok", resp.OK, "message", resp.Message)

		if cmdName == "PASS" || cmdName == "APOP" || cmdName == "AUTH" {
			if cmdName != "AUTH" || (resp.OK || (!resp.OK && !resp.Continuation)) {
				domain := extractDomain(sess.Username())
				collector.AuthAttempt(domain, resp.OK)
			}
		}

		if errors.Is(err, ErrTooManyAuthFailures) {
			logger.Info("auth failure budget exceeded, closing connection")
			return
		}

		switch cmdName {
		case "STLS":
			if resp.OK {
				if err := upgradeToTLS(ctx, conn, sess); err != nil {
					logger.Error("TLS upgrade failed", "error", err.Error())
					return
				}
				collector.TLSConnectionEstablished()
				logger.Info("TLS upgrade successful", "tls_state", sess.TLSState().String())
			}

		case "QUIT":
			store := sess.Store()
			if sess.State() == StateUpdate && store != nil {
				uids := sess.GetDeletedUIDs()
				for _, uid := range uids {
					if err := store.Delete(ctx, sess.Mailbox(), uid); err != nil {
						logger.Error("failed to delete message", "uid", uid, "error", err.Error())
					}
				}
				if len(uids) > 0 {
					if err := store.Expunge(ctx, sess.Mailbox()); err != nil {
						logger.Error("failed to expunge mailbox", "error", err.Error())
					} else {
						logger.Info("expunged messages", "count", len(uids))
					}
				} else {
					_ = store.Close(sess.Mailbox())
				}
			} else if store != nil && sess.IsAuthenticated() {
				_ = store.Close(sess.Mailbox())
			}
			logger.Info("QUIT command received, closing connection")
			return
		}
	}
}

// readBoundedLine reads a CRLF/LF-terminated line, bounded by maxLen bytes.
// An oversized line is drained to the next LF so the stream resyncs on the
// following command, and ErrLineTooLong is returned.
func readBoundedLine(r *bufio.Reader, maxLen int) (string, error) {
	var buf []byte
	for {
		frag, err := r.ReadSlice('\n')
		buf = append(buf, frag...)
		if err == nil {
			if len(buf) > maxLen {
				return "", ErrLineTooLong
			}
			return string(buf), nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return "", err
		}
		if len(buf) > maxLen {
			for {
				_, err := r.ReadSlice('\n')
				if err == nil {
					break
				}
				if !errors.Is(err, bufio.ErrBufferFull) {
					return "", ErrLineTooLong
				}
			}
			return "", ErrLineTooLong
		}
	}
}

// writeResponse writes resp to conn and flushes it, returning false (and
// logging) if either step fails, signalling the caller to close the
// connection.
func writeResponse(conn *server.Connection, logger *slog.Logger, resp Response) bool {
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		logger.Error("failed to send response", "error", err.Error())
		return false
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush response", "error", err.Error())
		return false
	}
	return true
}

// upgradeToTLS performs the TLS upgrade after STLS command.
func upgradeToTLS(ctx context.Context, conn *server.Connection, sess *Session) error {
	logger := logging.FromContext(ctx)

	tlsConfig := sess.TLSConfig()
	if tlsConfig == nil {
		return fmt.Errorf("no TLS configuration available")
	}

	logger.Info("upgrading connection to TLS")

	if err := conn.UpgradeToTLS(tlsConfig); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	sess.SetTLSActive()

	return nil
}

// sendError sends an error response to the client, ignoring write failures:
// the connection is about to be read from again or closed either way.
func sendError(conn *server.Connection, message string) {
	resp := Response{OK: false, Message: message}
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return
	}
	_ = conn.Flush()
}

// extractDomain extracts the domain part from a username.
func extractDomain(username string) string {
	if idx := strings.LastIndex(username, "@"); idx >= 0 {
		return username[idx+1:]
	}
	return "unknown"
}
