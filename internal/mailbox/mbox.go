package mailbox

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/infodancer/pop3d/internal/mailbox/lock"
)

// msgRegion is one message's byte range within the mapped mailbox, mirroring
// the original's indexpoint: offset of the "From " line, its length, and the
// total message length (header + body) used to step to the next message.
type msgRegion struct {
	offset, fromLineLen, msgLength int
	uid                            string
	deleted                        bool
}

type mboxState struct {
	path    string
	data    []byte // mmap'd file content
	fd      int
	locker  *lock.FileLock
	regions []msgRegion
	empty   bool
}

// Mbox implements Store for the Berkeley "From "-delimited mailbox format.
// Grounded on mailspool.c: messages are bounded by a blank line followed by
// "From ", the UID is the hex MD5 of the first 512 bytes of each message,
// and deletion is applied by memmove-style compaction followed by truncate.
type Mbox struct {
	mu    sync.Mutex
	open  map[string]*mboxState
	useDotlock bool
}

func NewMbox(useDotlock bool) *Mbox {
	return &Mbox{open: make(map[string]*mboxState), useDotlock: useDotlock}
}

func (m *Mbox) List(ctx context.Context, mailbox string) ([]MessageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.open[mailbox]; ok {
		return regionsToInfo(st.regions), nil
	}

	st, err := m.openAndIndex(mailbox)
	if err != nil {
		return nil, err
	}
	m.open[mailbox] = st
	return regionsToInfo(st.regions), nil
}

func regionsToInfo(regions []msgRegion) []MessageInfo {
	out := make([]MessageInfo, 0, len(regions))
	for _, r := range regions {
		if r.deleted {
			continue
		}
		out = append(out, MessageInfo{UID: r.uid, Size: int64(r.msgLength)})
	}
	return out
}

func (m *Mbox) openAndIndex(path string) (*mboxState, error) {
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &mboxState{path: path, empty: true, fd: -1}, nil
	}
	if err != nil {
		return nil, err
	}

	fileLock, err := lock.Acquire(path, m.useDotlock)
	if err != nil {
		return nil, fmt.Errorf("locking mailbox %s: %w", path, err)
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		fileLock.Release()
		return nil, err
	}

	size := int(st.Size())
	var data []byte
	if size > 0 {
		data, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(fd)
			fileLock.Release()
			return nil, fmt.Errorf("mmap %s: %w", path, err)
		}
	}

	regions := buildIndex(data)

	return &mboxState{path: path, data: data, fd: fd, locker: fileLock, regions: regions}, nil
}

// buildIndex scans for "\n\nFrom " boundaries (and the file's leading "From "
// line) the way mailspool_build_index does, then hashes the first 512 bytes
// of each message for its UID.
func buildIndex(data []byte) []msgRegion {
	if len(data) == 0 {
		return nil
	}

	var starts []int
	if bytes.HasPrefix(data, []byte("From ")) {
		starts = append(starts, 0)
	}
	sep := []byte("\n\nFrom ")
	for i := 0; i < len(data); {
		idx := bytes.Index(data[i:], sep)
		if idx < 0 {
			break
		}
		start := i + idx + 2
		starts = append(starts, start)
		i = start + 5
	}
	if len(starts) == 0 {
		return nil
	}

	regions := make([]msgRegion, len(starts))
	for i, off := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		lineEnd := bytes.IndexByte(data[off:end], '\n')
		if lineEnd < 0 {
			lineEnd = end - off
		}
		msgLen := end - off
		n := 512
		if n > msgLen {
			n = msgLen
		}
		sum := md5.Sum(data[off : off+n])
		regions[i] = msgRegion{
			offset:      off,
			fromLineLen: lineEnd,
			msgLength:   msgLen,
			uid:         hex.EncodeToString(sum[:]),
		}
	}
	return regions
}

func (m *Mbox) findRegion(st *mboxState, uid string) (*msgRegion, error) {
	for i := range st.regions {
		if st.regions[i].uid == uid {
			return &st.regions[i], nil
		}
	}
	return nil, fmt.Errorf("no such message %q", uid)
}

func (m *Mbox) Retrieve(ctx context.Context, mailbox, uid string) (io.ReadCloser, error) {
	m.mu.Lock()
	st, ok := m.open[mailbox]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mailbox %s not opened", mailbox)
	}

	region, err := m.findRegion(st, uid)
	if err != nil {
		return nil, err
	}
	if region.deleted {
		return nil, fmt.Errorf("message %q already deleted", uid)
	}

	raw := st.data[region.offset : region.offset+region.msgLength]
	// Skip the From_ line; callers want the RFC822 headers+body only.
	body := raw[region.fromLineLen+1:]
	translated := bytes.ReplaceAll(body, []byte("\n"), []byte("\r\n"))
	return io.NopCloser(bytes.NewReader(translated)), nil
}

func (m *Mbox) Delete(ctx context.Context, mailbox, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.open[mailbox]
	if !ok {
		return fmt.Errorf("mailbox %s not opened", mailbox)
	}
	region, err := m.findRegion(st, uid)
	if err != nil {
		return err
	}
	region.deleted = true
	return nil
}

// Expunge applies pending deletions by compacting the mapped file in place
// (mirroring mailspool_apply_changes's memmove dance) and truncating,
// then releases the mailbox lock.
func (m *Mbox) Expunge(ctx context.Context, mailbox string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.open[mailbox]
	if !ok {
		return fmt.Errorf("mailbox %s not opened", mailbox)
	}
	defer delete(m.open, mailbox)
	if st.empty {
		return nil
	}

	numDeleted := 0
	for _, r := range st.regions {
		if r.deleted {
			numDeleted++
		}
	}

	defer m.closeState(st)

	if numDeleted == 0 {
		return nil
	}
	if numDeleted == len(st.regions) {
		return unix.Ftruncate(st.fd, 0)
	}

	i := 0
	for i < len(st.regions) && !st.regions[i].deleted {
		i++
	}
	if i == len(st.regions) {
		return fmt.Errorf("mailbox %s: expunge found no deleted messages despite numDeleted > 0", mailbox)
	}
	d := st.regions[i].offset

	for i < len(st.regions) {
		// Skip the deleted block starting at i.
		j := i
		for j < len(st.regions) && st.regions[j].deleted {
			j++
		}
		if j == len(st.regions) {
			break
		}
		// Copy the surviving block [j, k).
		copyStart := st.regions[j].offset
		copyLen := 0
		k := j
		for k < len(st.regions) && !st.regions[k].deleted {
			copyLen += st.regions[k].msgLength
			k++
		}
		copy(st.data[d:d+copyLen], st.data[copyStart:copyStart+copyLen])
		d += copyLen
		i = k
	}

	return unix.Ftruncate(st.fd, int64(d))
}

func (m *Mbox) Close(mailbox string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.open[mailbox]
	if !ok {
		return nil
	}
	delete(m.open, mailbox)
	return m.closeState(st)
}

func (m *Mbox) closeState(st *mboxState) error {
	if st.data != nil {
		unix.Munmap(st.data)
	}
	if st.fd >= 0 {
		unix.Close(st.fd)
	}
	if st.locker != nil {
		return st.locker.Release()
	}
	return nil
}
