package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			os.Args = os.Args[1:]
			runServe()
			return
		case "protocol-handler":
			os.Args = os.Args[1:]
			runProtocolHandler()
			return
		case "mailbox-worker":
			os.Args = os.Args[1:]
			runMailboxWorker()
			return
		case "-h", "-help", "--help", "help":
			printUsage()
			return
		}
	}
	// No recognised subcommand: treat the whole argument list as flags for
	// "serve", the default mode (e.g. "pop3d --config pop3d.toml").
	runServe()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `pop3d: a POP3 (RFC 1939) server

Usage:
  pop3d serve [--config path] [--debug]
      Run the listener/dispatcher. Spawns a protocol-handler subprocess per
      connection and, after a successful login, a privilege-dropped
      mailbox-worker subprocess.

  pop3d protocol-handler --config path
      Internal: runs the POP3 state machine for one inherited connection.
      Not meant to be invoked directly.

  pop3d mailbox-worker --config path --driver name --basepath path
      Internal: serves one mailbox over the session pipe, running with the
      uid/gid the dispatcher assigned. Not meant to be invoked directly.
`)
}
