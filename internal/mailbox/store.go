// Package mailbox implements the mbox and Maildir message store drivers and
// the directory discovery that locates a mailbox for a given identity.
package mailbox

import (
	"context"
	"io"
)

// MessageInfo describes one message in a mailbox listing.
type MessageInfo struct {
	UID  string
	Size int64
}

// Store is the interface a POP3 session uses to enumerate, retrieve, delete
// and commit deletions against a mailbox. Implementations (mbox, Maildir)
// hold any locks they need for the lifetime between List and Expunge/Close.
type Store interface {
	// List opens (locking as needed) and indexes the mailbox, returning its
	// messages in original order.
	List(ctx context.Context, mailbox string) ([]MessageInfo, error)
	// Retrieve returns the full RFC822 content of the message with the
	// given UID, bare-LF translated to CRLF by the caller.
	Retrieve(ctx context.Context, mailbox, uid string) (io.ReadCloser, error)
	// Delete marks a message for removal; it takes effect on Expunge.
	Delete(ctx context.Context, mailbox, uid string) error
	// Expunge commits pending deletions and releases the mailbox lock.
	Expunge(ctx context.Context, mailbox string) error
	// Close releases the mailbox lock without committing deletions
	// (equivalent to POP3 RSET-then-disconnect, e.g. on an aborted session).
	Close(mailbox string) error
}

// Driver name constants, used both as config values and as the MailboxDriver
// field an auth.Context may carry.
const (
	DriverMbox    = "mbox"
	DriverMaildir = "maildir"
)
