//go:build integration

package pop3_test

// TestSessionPipe_MailboxWorker_Integration tests sessionPipeStore wired to a
// real "pop3d mailbox-worker" subprocess. It verifies List, Retrieve, Delete,
// and Expunge over the live session pipe protocol without any mocking.
//
// Run with:
//
//	go test -tags integration ./internal/pop3/ -run TestSessionPipe_MailboxWorker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/infodancer/pop3d/internal/auth"
	"github.com/infodancer/pop3d/internal/pop3"
)

// credentialedStore mirrors the unexported interface sessionPipeStore
// satisfies, so external tests can call SetCredentials without depending on
// package pop3's internals.
type credentialedStore interface {
	SetCredentials(actx *auth.Context)
}

// buildMailboxWorkerBin compiles the pop3d binary into a temp dir. Skips the
// test if the build fails (e.g. no network access to resolve dependencies).
func buildMailboxWorkerBin(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "pop3d")
	cmd := exec.Command("go", "build", "-o", bin, "github.com/infodancer/pop3d/cmd/pop3d")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("build pop3d failed: %v\n%s", err, out)
	}
	return bin
}

// makeMaildir creates a maildir tree at basePath/{cur,new,tmp} and delivers n
// test messages into new/.
func makeMaildir(t *testing.T, basePath string, n int) {
	t.Helper()
	for _, sub := range []string{"cur", "new", "tmp"} {
		dir := filepath.Join(basePath, sub)
		if err := os.MkdirAll(dir, 0700); err != nil {
			t.Fatalf("makeMaildir: mkdir %s: %v", dir, err)
		}
	}
	for i := range n {
		name := fmt.Sprintf("100000000%d.%05d.testhost", i, i)
		body := fmt.Sprintf(
			"From: sender@example.com\r\nTo: alice@test.local\r\nSubject: Message %d\r\n\r\nBody line %d\r\n",
			i+1, i+1,
		)
		path := filepath.Join(basePath, "new", name)
		if err := os.WriteFile(path, []byte(body), 0600); err != nil {
			t.Fatalf("makeMaildir: write %s: %v", path, err)
		}
	}
}

// countMaildirMessages returns the total number of files in cur/ and new/.
func countMaildirMessages(t *testing.T, basePath string) int {
	t.Helper()
	total := 0
	for _, sub := range []string{"cur", "new"} {
		entries, err := os.ReadDir(filepath.Join(basePath, sub))
		if err != nil {
			t.Fatalf("countMaildirMessages: %v", err)
		}
		total += len(entries)
	}
	return total
}

func TestSessionPipe_MailboxWorker_Integration(t *testing.T) {
	bin := buildMailboxWorkerBin(t)

	basePath := t.TempDir()
	mailbox := basePath
	makeMaildir(t, basePath, 2)

	configPath := filepath.Join(t.TempDir(), "pop3d.toml")
	if err := os.WriteFile(configPath, []byte("hostname = \"test.local\"\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Create OS pipe pairs:
	//   authPipeR/W — auth signal (write-once by sessionPipeStore, read by dispatcher)
	//   fromWorkerR/W — mailbox-worker stdout → protocol-handler
	//   toWorkerR/W   — protocol-handler → mailbox-worker stdin
	authPipeR, authPipeW, err := os.Pipe()
	if err != nil {
		t.Fatalf("auth pipe: %v", err)
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		t.Fatalf("fromWorker pipe: %v", err)
	}
	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		t.Fatalf("toWorker pipe: %v", err)
	}

	workerCmd := exec.Command(bin, "mailbox-worker",
		"--config", configPath,
		"--driver", "maildir",
		"--basepath", basePath,
	)
	workerCmd.Stdin = toWorkerR
	workerCmd.Stdout = fromWorkerW
	workerCmd.Stderr = os.Stderr
	if err := workerCmd.Start(); err != nil {
		t.Fatalf("start mailbox-worker: %v", err)
	}

	// Parent relinquishes the child-owned pipe ends.
	_ = toWorkerR.Close()
	_ = fromWorkerW.Close()

	// Drain the auth pipe in the background (simulates the dispatcher).
	go func() {
		_, _ = io.Copy(io.Discard, authPipeR)
		_ = authPipeR.Close()
	}()

	// Build the sessionPipeStore — the same type injected by cmd/pop3d/handler.go.
	store := pop3.NewSessionPipeStore(authPipeW, fromWorkerR, toWorkerW)
	store.(credentialedStore).SetCredentials(&auth.Context{User: "alice@test.local", MailboxPath: mailbox, MailboxDriver: "maildir"})
	ctx := context.Background()

	// ── List ──────────────────────────────────────────────────────────────────
	// First call triggers the auth signal + MAILBOX handshake, then LIST.
	msgs, err := store.List(ctx, mailbox)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("List: expected 2 messages, got %d", len(msgs))
	}

	// ── Retrieve ──────────────────────────────────────────────────────────────
	uid0 := msgs[0].UID
	rc, err := store.Retrieve(ctx, mailbox, uid0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("Retrieve ReadAll: %v", err)
	}
	if !strings.Contains(string(data), "From: sender@example.com") {
		t.Errorf("Retrieve: missing From header; got:\n%s", string(data))
	}

	// ── Delete + Expunge ─────────────────────────────────────────────────────
	// Delete one message then commit. COMMIT causes mailbox-worker to exit.
	if err := store.Delete(ctx, mailbox, uid0); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Expunge(ctx, mailbox); err != nil {
		t.Fatalf("Expunge (COMMIT): %v", err)
	}

	// Wait for mailbox-worker to exit cleanly.
	if err := workerCmd.Wait(); err != nil {
		t.Errorf("mailbox-worker exited with error: %v", err)
	}

	// Verify one message was expunged from disk.
	if got := countMaildirMessages(t, basePath); got != 1 {
		t.Errorf("after delete+expunge: expected 1 message on disk, got %d", got)
	}
}
