package mailbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	gomaildir "github.com/emersion/go-maildir"
)

type maildirMsg struct {
	key     string
	size    int64
	mtime   time.Time
	deleted bool
}

type maildirState struct {
	dir      gomaildir.Dir
	messages []maildirMsg
}

// Maildir implements Store for the qmail-style new/cur/tmp mailbox format,
// using github.com/emersion/go-maildir for the on-disk bookkeeping. Grounded
// on maildir.c: messages are ordered by mtime, excluding anything whose
// mtime is not strictly before the scan started (an in-flight delivery);
// deletion is unlink, and every surviving message in new/ is best-effort
// moved into cur/ once seen.
type Maildir struct {
	mu   sync.Mutex
	open map[string]*maildirState
}

func NewMaildir() *Maildir {
	return &Maildir{open: make(map[string]*maildirState)}
}

func (m *Maildir) List(ctx context.Context, mailbox string) ([]MessageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.open[mailbox]; ok {
		return messagesToInfo(st.messages), nil
	}

	dir := gomaildir.Dir(mailbox)
	if err := dir.Init(); err != nil {
		return nil, fmt.Errorf("maildir init %s: %w", mailbox, err)
	}

	scanStart := time.Now()
	keys, err := dir.Keys()
	if err != nil {
		return nil, fmt.Errorf("maildir keys %s: %w", mailbox, err)
	}

	msgs := make([]maildirMsg, 0, len(keys))
	for _, key := range keys {
		path, err := dir.Filename(key)
		if err != nil {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.ModTime().Before(scanStart) {
			// In-flight delivery; exclude from this session's view.
			continue
		}
		msgs = append(msgs, maildirMsg{key: key, size: info.Size(), mtime: info.ModTime()})
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].mtime.Before(msgs[j].mtime) })

	st := &maildirState{dir: dir, messages: msgs}
	m.open[mailbox] = st
	return messagesToInfo(msgs), nil
}

func messagesToInfo(msgs []maildirMsg) []MessageInfo {
	out := make([]MessageInfo, 0, len(msgs))
	for _, msg := range msgs {
		if msg.deleted {
			continue
		}
		out = append(out, MessageInfo{UID: msg.key, Size: msg.size})
	}
	return out
}

func (m *Maildir) findMessage(st *maildirState, uid string) (*maildirMsg, error) {
	for i := range st.messages {
		if st.messages[i].key == uid {
			return &st.messages[i], nil
		}
	}
	return nil, fmt.Errorf("no such message %q", uid)
}

func (m *Maildir) Retrieve(ctx context.Context, mailbox, uid string) (io.ReadCloser, error) {
	m.mu.Lock()
	st, ok := m.open[mailbox]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mailbox %s not opened", mailbox)
	}

	msg, err := m.findMessage(st, uid)
	if err != nil {
		return nil, err
	}
	if msg.deleted {
		return nil, fmt.Errorf("message %q already deleted", uid)
	}

	f, err := st.dir.Open(uid)
	if err != nil {
		return nil, fmt.Errorf("maildir open %s: %w", uid, err)
	}
	return f, nil
}

func (m *Maildir) Delete(ctx context.Context, mailbox, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.open[mailbox]
	if !ok {
		return fmt.Errorf("mailbox %s not opened", mailbox)
	}
	msg, err := m.findMessage(st, uid)
	if err != nil {
		return err
	}
	msg.deleted = true
	return nil
}

func (m *Maildir) Expunge(ctx context.Context, mailbox string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.open[mailbox]
	if !ok {
		return fmt.Errorf("mailbox %s not opened", mailbox)
	}
	defer delete(m.open, mailbox)

	for _, msg := range st.messages {
		if msg.deleted {
			if err := st.dir.Remove(msg.key); err != nil {
				return fmt.Errorf("maildir remove %s: %w", msg.key, err)
			}
			continue
		}
		// Best-effort: a message that survives the session has been seen,
		// so nudge it from new/ into cur/, exactly as maildir_apply_changes
		// does with rename(2) ("doesn't matter if it can't").
		if path, err := st.dir.Filename(msg.key); err == nil {
			renameNewToCur(path)
		}
	}
	return nil
}

func renameNewToCur(path string) {
	subdir := filepath.Dir(path)
	if filepath.Base(subdir) != "new" {
		return
	}
	curPath := filepath.Join(filepath.Dir(subdir), "cur", filepath.Base(path))
	_ = os.Rename(path, curPath)
}

func (m *Maildir) Close(mailbox string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, mailbox)
	return nil
}
