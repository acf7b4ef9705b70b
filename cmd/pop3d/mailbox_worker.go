package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/infodancer/pop3d/internal/config"
	"github.com/infodancer/pop3d/internal/logging"
	"github.com/infodancer/pop3d/internal/mailbox"
)

// runMailboxWorker serves one mailbox over the session pipe protocol
// (stdin/stdout, inherited from the dispatcher) and then exits. It runs with
// the uid/gid the dispatcher assigned after authentication, so it never has
// more filesystem access than the mailbox it was told to open.
//
// Wire protocol (CRLF-terminated lines), one command per line from stdin,
// one or more response lines to stdout per command:
//
//	MAILBOX <path>     -> +OK | -ERR
//	LIST               -> +OK <count> <octets>\r\n then <count> "<uid> <size>" lines
//	GET <uid>          -> +DATA <size>\r\n then exactly <size> bytes | -ERR
//	DELETE <uid>       -> +OK | -ERR
//	COMMIT             -> +OK, then exit
//	CLOSE              -> +OK, then exit (no pending deletions committed)
func runMailboxWorker() {
	fs := flag.NewFlagSet("mailbox-worker", flag.ExitOnError)
	configPath := fs.String("config", "./pop3d.toml", "path to configuration file")
	driver := fs.String("driver", mailbox.DriverMaildir, "mailbox driver (mbox, maildir)")
	basePath := fs.String("basepath", "", "mailbox path this worker is authorized to serve")
	fs.Parse(os.Args[1:]) //nolint:errcheck // flag.ExitOnError handles failures

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailbox-worker: error loading config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if *basePath == "" {
		logger.Error("mailbox-worker: --basepath is required")
		os.Exit(1)
	}

	store, err := mailbox.Open(*driver, true)
	if err != nil {
		logger.Error("mailbox-worker: error opening store", "driver", *driver, "error", err.Error())
		os.Exit(1)
	}

	logger.Debug("mailbox-worker started", "driver", *driver, "basepath", *basePath)

	w := newMailboxWorker(store, *basePath, logger)
	w.run(context.Background(), os.Stdin, os.Stdout)
}

type mailboxWorker struct {
	store    mailbox.Store
	basePath string
	logger   *slog.Logger

	ready    bool
	messages []mailbox.MessageInfo
}

func newMailboxWorker(store mailbox.Store, basePath string, logger *slog.Logger) *mailboxWorker {
	return &mailboxWorker{store: store, basePath: basePath, logger: logger}
}

func (w *mailboxWorker) run(ctx context.Context, in io.Reader, out io.Writer) {
	r := bufio.NewReader(in)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			w.logger.Debug("mailbox-worker: session pipe closed", "error", err.Error())
			return
		}
		fields := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(fields) == 0 {
			continue
		}

		switch strings.ToUpper(fields[0]) {
		case "MAILBOX":
			w.handleMailbox(ctx, out, fields)
		case "LIST":
			w.handleList(out)
		case "GET":
			w.handleGet(ctx, out, fields)
		case "DELETE":
			w.handleDelete(ctx, out, fields)
		case "COMMIT":
			w.handleCommit(ctx, out)
			return
		case "CLOSE":
			w.handleClose(out)
			return
		default:
			fmt.Fprintf(out, "-ERR unknown command\r\n")
		}
	}
}

func (w *mailboxWorker) handleMailbox(ctx context.Context, out io.Writer, fields []string) {
	if len(fields) != 2 {
		fmt.Fprintf(out, "-ERR MAILBOX requires exactly one path argument\r\n")
		return
	}
	if fields[1] != w.basePath {
		fmt.Fprintf(out, "-ERR MAILBOX path does not match assigned mailbox\r\n")
		return
	}
	msgs, err := w.store.List(ctx, w.basePath)
	if err != nil {
		fmt.Fprintf(out, "-ERR %s\r\n", err)
		return
	}
	w.messages = msgs
	w.ready = true
	fmt.Fprintf(out, "+OK\r\n")
}

func (w *mailboxWorker) handleList(out io.Writer) {
	if !w.ready {
		fmt.Fprintf(out, "-ERR MAILBOX not yet issued\r\n")
		return
	}
	var total int64
	for _, m := range w.messages {
		total += m.Size
	}
	fmt.Fprintf(out, "+OK %d %d\r\n", len(w.messages), total)
	for _, m := range w.messages {
		fmt.Fprintf(out, "%s %d\r\n", m.UID, m.Size)
	}
}

func (w *mailboxWorker) handleGet(ctx context.Context, out io.Writer, fields []string) {
	if !w.ready || len(fields) != 2 {
		fmt.Fprintf(out, "-ERR GET requires a uid argument\r\n")
		return
	}
	rc, err := w.store.Retrieve(ctx, w.basePath, fields[1])
	if err != nil {
		fmt.Fprintf(out, "-ERR %s\r\n", err)
		return
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		fmt.Fprintf(out, "-ERR %s\r\n", err)
		return
	}
	fmt.Fprintf(out, "+DATA %d\r\n", len(data))
	out.Write(data) //nolint:errcheck // pipe write failure surfaces on the next command anyway
}

func (w *mailboxWorker) handleDelete(ctx context.Context, out io.Writer, fields []string) {
	if !w.ready || len(fields) != 2 {
		fmt.Fprintf(out, "-ERR DELETE requires a uid argument\r\n")
		return
	}
	if err := w.store.Delete(ctx, w.basePath, fields[1]); err != nil {
		fmt.Fprintf(out, "-ERR %s\r\n", err)
		return
	}
	fmt.Fprintf(out, "+OK\r\n")
}

func (w *mailboxWorker) handleCommit(ctx context.Context, out io.Writer) {
	if !w.ready {
		fmt.Fprintf(out, "-ERR MAILBOX not yet issued\r\n")
		return
	}
	if err := w.store.Expunge(ctx, w.basePath); err != nil {
		fmt.Fprintf(out, "-ERR %s\r\n", err)
		return
	}
	fmt.Fprintf(out, "+OK\r\n")
}

func (w *mailboxWorker) handleClose(out io.Writer) {
	if w.ready {
		if err := w.store.Close(w.basePath); err != nil {
			fmt.Fprintf(out, "-ERR %s\r\n", err)
			return
		}
	}
	fmt.Fprintf(out, "+OK\r\n")
}
