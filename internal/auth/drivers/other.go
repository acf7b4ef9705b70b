package drivers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/infodancer/pop3d/internal/auth"
)

const otherMaxDataSize = 4096

// OtherConfig configures the Other driver: authentication delegated to an
// external program speaking a null-terminated key/value protocol.
// Grounded on auth_other.c.
type OtherConfig struct {
	Program string
	UID     uint32
	GID     uint32
	Timeout time.Duration // defaults to 750ms; values <= 0 or above 10s are replaced by 750ms
}

// Other authenticates by running an external program under a dedicated
// uid/gid and exchanging requests/responses over its stdin/stdout. The
// child is restarted lazily on the next request after any protocol
// violation or timeout.
type Other struct {
	cfg    OtherConfig
	logger *slog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	stdout *bufio.Reader
}

func NewOther(cfg OtherConfig, logger *slog.Logger) *Other {
	if cfg.Timeout <= 0 || cfg.Timeout > 10*time.Second {
		cfg.Timeout = 750 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Other{cfg: cfg, logger: logger}
}

func (o *Other) Name() string { return "other" }

func (o *Other) Init() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocked()
}

func (o *Other) PostFork() error { return nil }

func (o *Other) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.killLocked()
	return nil
}

func (o *Other) startLocked() error {
	cmd := exec.Command(o.cfg.Program)
	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: &syscall.Credential{Uid: o.cfg.UID, Gid: o.cfg.GID}}
	cmd.Env = []string{"PATH=/bin", "TPOP3D_CONTEXT=auth_other"}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	o.cmd = cmd
	o.stdin = stdin
	o.stdout = bufio.NewReader(stdout)
	return nil
}

func (o *Other) killLocked() {
	if o.cmd == nil || o.cmd.Process == nil {
		return
	}
	pid := o.cmd.Process.Pid
	_ = o.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() { o.cmd.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(o.cfg.Timeout):
		o.logger.Warn("auth_other child failed to die; sending SIGKILL", "pid", pid)
		_ = o.cmd.Process.Kill()
		<-done
	}
	o.cmd = nil
	o.stdin = nil
	o.stdout = nil
}

func (o *Other) ensureStartedLocked() error {
	if o.cmd != nil {
		return nil
	}
	return o.startLocked()
}

// exchange sends a request and reads a response, killing and clearing the
// child on any protocol violation so the next call respawns it.
func (o *Other) exchange(pairs ...string) (map[string]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.ensureStartedLocked(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for i := 0; i < len(pairs); i += 2 {
		buf.WriteString(pairs[i])
		buf.WriteByte(0)
		buf.WriteString(pairs[i+1])
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	if buf.Len() > otherMaxDataSize {
		return nil, fmt.Errorf("auth_other request exceeds %d bytes", otherMaxDataSize)
	}

	if _, err := o.stdin.Write(buf.Bytes()); err != nil {
		o.killLocked()
		return nil, fmt.Errorf("auth_other: write: %w", err)
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		data := make([]byte, 0, 256)
		tmp := make([]byte, otherMaxDataSize)
		for {
			n, err := o.stdout.Read(tmp)
			data = append(data, tmp[:n]...)
			if err != nil {
				resultCh <- readResult{data, err}
				return
			}
			if len(data) >= 1 && data[len(data)-1] == 0 && len(data) >= 2 && data[len(data)-2] == 0 {
				resultCh <- readResult{data, nil}
				return
			}
			if len(data) > otherMaxDataSize {
				resultCh <- readResult{data, fmt.Errorf("response exceeds %d bytes", otherMaxDataSize)}
				return
			}
		}
	}()

	var data []byte
	select {
	case res := <-resultCh:
		if res.err != nil && res.err != io.EOF {
			o.killLocked()
			return nil, fmt.Errorf("auth_other: read: %w", res.err)
		}
		data = res.data
	case <-time.After(o.cfg.Timeout):
		o.killLocked()
		return nil, fmt.Errorf("auth_other: timed out waiting for response")
	}

	result := make(map[string]string)
	i := 0
	for i < len(data) && data[i] != 0 {
		keyEnd := bytes.IndexByte(data[i:], 0)
		if keyEnd < 0 {
			o.killLocked()
			return nil, fmt.Errorf("auth_other: malformed response (key)")
		}
		key := string(data[i : i+keyEnd])
		i += keyEnd + 1

		valEnd := bytes.IndexByte(data[i:], 0)
		if valEnd < 0 {
			o.killLocked()
			return nil, fmt.Errorf("auth_other: malformed response (value)")
		}
		result[key] = string(data[i : i+valEnd])
		i += valEnd + 1
	}

	return result, nil
}

func (o *Other) toContext(resp map[string]string, req requestIdentity) (*auth.Context, error) {
	if msg, ok := resp["logmsg"]; ok {
		o.logger.Info("auth_other child message", "msg", msg)
	}

	result, ok := resp["result"]
	if !ok {
		return nil, fmt.Errorf("auth_other: missing key %q in response", "result")
	}
	if result == "NO" {
		return nil, nil
	}
	if result != "YES" {
		return nil, fmt.Errorf("auth_other: invalid value %q for key %q", result, "result")
	}

	uidStr, ok := resp["uid"]
	if !ok {
		return nil, fmt.Errorf("auth_other: missing key %q in response", "uid")
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("auth_other: invalid value %q for key %q", uidStr, "uid")
	}

	gidStr, ok := resp["gid"]
	if !ok {
		return nil, fmt.Errorf("auth_other: missing key %q in response", "gid")
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("auth_other: invalid value %q for key %q", gidStr, "gid")
	}

	domain := resp["domain"]
	if domain == "" {
		domain = req.domain
	}

	return &auth.Context{
		UID:           uid,
		GID:           gid,
		User:          req.user,
		LocalPart:     req.localPart,
		Domain:        domain,
		MailboxPath:   resp["mailbox"],
		MailboxDriver: resp["mboxtype"],
	}, nil
}

type requestIdentity struct {
	user, localPart, domain string
}

func (o *Other) TryUserPass(ctx context.Context, req auth.UserPassRequest) (*auth.Context, error) {
	pairs := []string{"method", "PASS", "user", req.User, "local_part", req.LocalPart, "domain", req.Domain,
		"pass", req.Secret, "clienthost", req.ClientIP, "serverhost", req.ServerIP}
	resp, err := o.exchange(pairs...)
	if err != nil {
		return nil, err
	}
	return o.toContext(resp, requestIdentity{req.User, req.LocalPart, req.Domain})
}

func (o *Other) TryAPOP(ctx context.Context, req auth.APOPRequest) (*auth.Context, error) {
	pairs := []string{"method", "APOP", "user", req.User, "local_part", req.LocalPart, "domain", req.Domain,
		"timestamp", req.Timestamp, "digest", req.Digest, "clienthost", req.ClientIP, "serverhost", req.ServerIP}
	resp, err := o.exchange(pairs...)
	if err != nil {
		return nil, err
	}
	return o.toContext(resp, requestIdentity{req.User, req.LocalPart, req.Domain})
}

func (o *Other) OnLogin(ctx context.Context, actx *auth.Context, clientIP, serverIP string) {
	_, _ = o.exchange("method", "ONLOGIN", "user", actx.User, "local_part", actx.LocalPart, "domain", actx.Domain,
		"clienthost", clientIP, "serverhost", serverIP)
}
