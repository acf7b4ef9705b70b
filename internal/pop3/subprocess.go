package pop3

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/infodancer/pop3d/internal/config"
)

// SubprocessServer accepts TCP connections on configured addresses and spawns a
// protocol-handler subprocess for each one. After the protocol-handler
// authenticates the user it writes an auth signal to the auth pipe; the
// dispatcher goroutine then forks a mailbox-worker with the uid/gid the
// protocol-handler resolved during authentication.
//
// fd layout in the protocol-handler child:
//
//	fd 3  TCP socket (from listener)
//	fd 4  write-only: protocol-handler writes auth signal to dispatcher
//	fd 5  read-only:  protocol-handler reads mailbox-worker responses
//	fd 6  write-only: protocol-handler writes mailbox-worker commands
//
// The dispatcher holds the peer fds: authPipeR, fromSessionW, toSessionR.
type SubprocessServer struct {
	listeners  []config.ListenerConfig
	execPath   string
	configPath string
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewSubprocessServer creates a SubprocessServer.
// execPath is the path to the pop3d binary (use os.Executable()); it is also
// used to spawn the "mailbox-worker" subcommand after a successful login.
// configPath is passed to each protocol-handler and mailbox-worker
// subprocess via --config.
func NewSubprocessServer(
	listeners []config.ListenerConfig,
	execPath, configPath string,
	logger *slog.Logger,
) *SubprocessServer {
	return &SubprocessServer{
		listeners:  listeners,
		execPath:   execPath,
		configPath: configPath,
		logger:     logger,
	}
}

// Run starts accept loops on all configured ports and blocks until ctx is cancelled.
func (s *SubprocessServer) Run(ctx context.Context) error {
	lns := make([]net.Listener, 0, len(s.listeners))
	for _, lc := range s.listeners {
		ln, err := net.Listen("tcp", lc.Address)
		if err != nil {
			for _, l := range lns {
				l.Close()
			}
			return fmt.Errorf("listen %s: %w", lc.Address, err)
		}
		lns = append(lns, ln)
		s.logger.Info("listening (subprocess mode)",
			slog.String("address", lc.Address),
			slog.String("mode", string(lc.Mode)))
	}

	for i, ln := range lns {
		s.wg.Add(1)
		go func(ln net.Listener, lc config.ListenerConfig) {
			defer s.wg.Done()
			s.acceptLoop(ctx, ln, lc)
		}(ln, s.listeners[i])
	}

	<-ctx.Done()
	s.logger.Info("shutting down subprocess server")
	for _, ln := range lns {
		ln.Close()
	}
	s.wg.Wait()
	return ctx.Err()
}

func (s *SubprocessServer) acceptLoop(ctx context.Context, ln net.Listener, lc config.ListenerConfig) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("accept error",
					slog.String("address", lc.Address),
					slog.String("error", err.Error()))
				return
			}
		}
		go s.spawnHandler(conn, lc)
	}
}

// spawnHandler pre-allocates three pipe pairs and passes fds 3–6 to a new
// protocol-handler subprocess, then starts a dispatcher goroutine.
func (s *SubprocessServer) spawnHandler(conn net.Conn, lc config.ListenerConfig) {
	clientIP := extractIPFromAddr(conn.RemoteAddr())

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		s.logger.Error("cannot pass non-TCP connection to subprocess",
			slog.String("type", fmt.Sprintf("%T", conn)))
		conn.Close()
		return
	}

	// File() dups the fd so the subprocess can inherit it independently.
	connFile, err := tcpConn.File()
	if err != nil {
		s.logger.Error("failed to dup connection fd",
			slog.String("client_ip", clientIP),
			slog.String("error", err.Error()))
		conn.Close()
		return
	}
	// Parent relinquishes its copy of the socket; subprocess owns it.
	conn.Close()

	// Pre-allocate all three pipe pairs before forking.
	//
	//  authPipeR  (dispatcher reads)   ←  authPipeW  (child fd 4, writes signal)
	//  fromSessR  (child fd 5, reads)  ←  fromSessW  (mailbox-worker stdout)
	//  toSessR    (mailbox-worker stdin) ←  toSessW  (child fd 6, writes cmds)
	authPipeR, authPipeW, err := os.Pipe()
	if err != nil {
		s.logger.Error("failed to create auth pipe",
			slog.String("client_ip", clientIP),
			slog.String("error", err.Error()))
		connFile.Close()
		return
	}
	fromSessR, fromSessW, err := os.Pipe()
	if err != nil {
		s.logger.Error("failed to create fromSession pipe",
			slog.String("client_ip", clientIP),
			slog.String("error", err.Error()))
		connFile.Close()
		authPipeR.Close()
		authPipeW.Close()
		return
	}
	toSessR, toSessW, err := os.Pipe()
	if err != nil {
		s.logger.Error("failed to create toSession pipe",
			slog.String("client_ip", clientIP),
			slog.String("error", err.Error()))
		connFile.Close()
		authPipeR.Close()
		authPipeW.Close()
		fromSessR.Close()
		fromSessW.Close()
		return
	}

	cmd := exec.Command(s.execPath, "protocol-handler", "--config", s.configPath)
	cmd.ExtraFiles = []*os.File{
		connFile,  // fd 3 — TCP socket
		authPipeW, // fd 4 — write auth signal to dispatcher
		fromSessR, // fd 5 — read responses from mailbox-worker
		toSessW,   // fd 6 — write commands to mailbox-worker
	}
	cmd.Env = append(
		[]string{
			"POP3D_CLIENT_IP=" + clientIP,
			"POP3D_LISTENER_MODE=" + string(lc.Mode),
		},
		inheritEnv("PATH", "HOME", "USER", "TMPDIR", "TMP", "TEMP")...,
	)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		s.logger.Error("failed to start protocol-handler",
			slog.String("client_ip", clientIP),
			slog.String("error", err.Error()))
		connFile.Close()
		authPipeR.Close()
		authPipeW.Close()
		fromSessR.Close()
		fromSessW.Close()
		toSessR.Close()
		toSessW.Close()
		return
	}

	// Close fds that now belong to the child — parent keeps only the peer ends.
	connFile.Close()
	authPipeW.Close()
	fromSessR.Close()
	toSessW.Close()

	pid := cmd.Process.Pid
	s.logger.Debug("spawned protocol-handler",
		slog.Int("pid", pid),
		slog.String("client_ip", clientIP),
		slog.String("mode", string(lc.Mode)))

	// Dispatcher goroutine: wait for auth signal, fork mailbox-worker, reap both.
	go s.dispatchSession(cmd, authPipeR, toSessR, fromSessW, clientIP)
}

// dispatchSession reads the auth signal from authPipeR, forks a
// mailbox-worker with the credentials the signal carries, then reaps both
// subprocesses.
func (s *SubprocessServer) dispatchSession(
	phCmd *exec.Cmd,
	authPipeR, toSessR, fromSessW *os.File,
	clientIP string,
) {
	defer func() {
		if err := phCmd.Wait(); err != nil {
			s.logger.Debug("protocol-handler exited",
				slog.Int("pid", phCmd.Process.Pid),
				slog.String("client_ip", clientIP),
				slog.String("error", err.Error()))
		} else {
			s.logger.Debug("protocol-handler exited",
				slog.Int("pid", phCmd.Process.Pid),
				slog.String("client_ip", clientIP))
		}
	}()

	// Read the auth signal. When the protocol-handler exits without
	// authenticating (wrong password, timeout, etc.) authPipeR returns EOF.
	sig, err := readAuthSignal(authPipeR)
	authPipeR.Close()
	if err != nil {
		s.logger.Debug("no auth signal received",
			slog.String("client_ip", clientIP),
			slog.String("reason", err.Error()))
		toSessR.Close()
		fromSessW.Close()
		return
	}

	s.logger.Debug("received auth signal",
		slog.String("client_ip", clientIP),
		slog.String("username", sig.Username),
		slog.String("mailbox", sig.MailboxPath))

	if sig.MailboxPath == "" {
		s.logger.Error("auth signal missing mailbox path, cannot spawn mailbox-worker",
			slog.String("client_ip", clientIP),
			slog.String("username", sig.Username))
		toSessR.Close()
		fromSessW.Close()
		return
	}

	driver := sig.MailboxDriver
	if driver == "" {
		driver = "maildir"
	}

	msCmd := exec.Command(s.execPath, "mailbox-worker",
		"--config", s.configPath,
		"--driver", driver,
		"--basepath", sig.MailboxPath)
	msCmd.Stdin = toSessR
	msCmd.Stdout = fromSessW
	msCmd.Stderr = os.Stderr
	msCmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid: sig.UID,
			Gid: sig.GID,
		},
	}

	if err := msCmd.Start(); err != nil {
		s.logger.Error("failed to start mailbox-worker",
			slog.String("client_ip", clientIP),
			slog.String("username", sig.Username),
			slog.String("error", err.Error()))
		toSessR.Close()
		fromSessW.Close()
		return
	}

	// Parent closes its copies; the child processes own these fds now.
	toSessR.Close()
	fromSessW.Close()

	s.logger.Debug("spawned mailbox-worker",
		slog.Int("pid", msCmd.Process.Pid),
		slog.String("client_ip", clientIP),
		slog.String("username", sig.Username),
		slog.Uint64("uid", uint64(sig.UID)),
		slog.Uint64("gid", uint64(sig.GID)))

	// Reap mailbox-worker asynchronously; it exits when the session pipe closes.
	go func() {
		if err := msCmd.Wait(); err != nil {
			s.logger.Debug("mailbox-worker exited",
				slog.Int("pid", msCmd.Process.Pid),
				slog.String("error", err.Error()))
		} else {
			s.logger.Debug("mailbox-worker exited",
				slog.Int("pid", msCmd.Process.Pid))
		}
	}()
}

// extractIPFromAddr extracts the bare IP from a net.Addr (strips port).
func extractIPFromAddr(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// inheritEnv returns "KEY=VALUE" strings for the named env vars that are set.
func inheritEnv(keys ...string) []string {
	var env []string
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	return env
}
