package pop3

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/pop3d/internal/auth"
	"github.com/infodancer/pop3d/internal/mailbox"
)

// AuthProvider authenticates USER/PASS, APOP, and SASL PLAIN logins. The
// production implementation is *auth.Switch; tests supply fakes.
type AuthProvider interface {
	Authenticate(ctx context.Context, username, password, clientIP string) (*auth.Session, error)
	AuthenticateAPOP(ctx context.Context, username, timestamp, digest, clientIP string) (*auth.Session, error)
}

func clientIPOf(conn ConnectionLogger) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := splitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// splitHostPort wraps net.SplitHostPort, tolerating addresses with no port
// (e.g. unix sockets or test doubles).
func splitHostPort(addr string) (string, string, error) {
	if idx := strings.LastIndex(addr, ":"); idx >= 0 && !strings.Contains(addr[idx+1:], "]") {
		return addr[:idx], addr[idx+1:], nil
	}
	return addr, "", nil
}

// credentialedStore is implemented by message stores that need the resolved
// auth context before their first mailbox operation (the subprocess session
// pipe store, which must forward uid/gid to the dispatcher).
type credentialedStore interface {
	SetCredentials(actx *auth.Context)
}

// applyCredentials forwards authSession's resolved context to msgStore if it
// implements credentialedStore. A no-op for stores that don't need it.
func applyCredentials(msgStore mailbox.Store, authSession *auth.Session) {
	if cs, ok := msgStore.(credentialedStore); ok {
		cs.SetCredentials(authSession.Context)
	}
}

// capaCommand implements the CAPA command (RFC 2449).
type capaCommand struct{}

func (c *capaCommand) Name() string {
	return "CAPA"
}

func (c *capaCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "CAPA command takes no arguments"}, nil
	}

	caps := sess.Capabilities()

	return Response{
		OK:      true,
		Message: "Capability list follows",
		Lines:   caps,
	}, nil
}

// stlsCommand implements the STLS command (RFC 2595).
type stlsCommand struct{}

func (s *stlsCommand) Name() string {
	return "STLS"
}

func (s *stlsCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "STLS command takes no arguments"}, nil
	}

	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if !sess.CanSTLS() {
		if sess.IsTLSActive() {
			return Response{OK: false, Message: "Already using TLS"}, nil
		}
		return Response{OK: false, Message: "TLS not available"}, nil
	}

	// Return success - the handler will perform the TLS upgrade
	return Response{OK: true, Message: "Begin TLS negotiation"}, nil
}

// userCommand implements the USER command (RFC 1939).
type userCommand struct{}

func (u *userCommand) Name() string {
	return "USER"
}

func (u *userCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if sess.TLSConfig() != nil && !sess.IsTLSActive() {
		return Response{OK: false, Message: "TLS required for authentication"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "USER command requires username argument"}, nil
	}

	username := args[0]
	if username == "" {
		return Response{OK: false, Message: "Username cannot be empty"}, nil
	}

	sess.SetUsername(username)

	return Response{OK: true, Message: fmt.Sprintf("User %s accepted", username)}, nil
}

// passCommand implements the PASS command (RFC 1939).
type passCommand struct {
	authProvider AuthProvider
	msgStore     mailbox.Store
	maxAttempts  int
}

func (p *passCommand) Name() string {
	return "PASS"
}

func (p *passCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if sess.TLSConfig() != nil && !sess.IsTLSActive() {
		return Response{OK: false, Message: "TLS required for authentication"}, nil
	}

	username := sess.Username()
	if username == "" {
		return Response{OK: false, Message: "No username specified"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "PASS command requires password argument"}, nil
	}

	password := args[0]

	authSession, err := p.authProvider.Authenticate(ctx, username, password, clientIPOf(conn))
	if err != nil {
		conn.Logger().Info("authentication failed", "username", username, "error", err.Error())
		sess.RecordAuthFailure()
		if sess.TooManyAuthFailures(p.maxAttempts) {
			return Response{OK: false, Message: "Too many authentication failures"}, ErrTooManyAuthFailures
		}
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	sess.SetAuthenticated(authSession)

	if p.msgStore != nil {
		applyCredentials(p.msgStore, authSession)
		if err := sess.InitializeMailbox(ctx, p.msgStore); err != nil {
			conn.Logger().Error("failed to initialize mailbox",
				"username", username,
				"mailbox", authSession.Context.MailboxPath,
				"error", err.Error(),
			)
			return Response{OK: false, Message: "Failed to access mailbox"}, nil
		}
	}

	conn.Logger().Info("authentication successful", "username", username, "mailbox", authSession.Context.MailboxPath)

	return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", username)}, nil
}

// apopCommand implements the APOP command (RFC 1939 section 7).
type apopCommand struct {
	authProvider AuthProvider
	msgStore     mailbox.Store
	maxAttempts  int
}

func (a *apopCommand) Name() string {
	return "APOP"
}

func (a *apopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) != 2 {
		return Response{OK: false, Message: "APOP command requires username and digest"}, nil
	}

	username, digest := args[0], strings.ToLower(args[1])
	if !isHexDigest(digest) {
		return Response{OK: false, Message: "Malformed digest"}, nil
	}

	authSession, err := a.authProvider.AuthenticateAPOP(ctx, username, sess.APOPBanner(), digest, clientIPOf(conn))
	if err != nil {
		conn.Logger().Info("APOP authentication failed", "username", username, "error", err.Error())
		sess.RecordAuthFailure()
		if sess.TooManyAuthFailures(a.maxAttempts) {
			return Response{OK: false, Message: "Too many authentication failures"}, ErrTooManyAuthFailures
		}
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	sess.SetUsername(username)
	sess.SetAuthenticated(authSession)

	if a.msgStore != nil {
		applyCredentials(a.msgStore, authSession)
		if err := sess.InitializeMailbox(ctx, a.msgStore); err != nil {
			conn.Logger().Error("failed to initialize mailbox",
				"username", username,
				"mailbox", authSession.Context.MailboxPath,
				"error", err.Error(),
			)
			return Response{OK: false, Message: "Failed to access mailbox"}, nil
		}
	}

	conn.Logger().Info("APOP authentication successful", "username", username, "mailbox", authSession.Context.MailboxPath)

	return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", username)}, nil
}

// isHexDigest reports whether s is a 32-character lowercase hex MD5 digest.
func isHexDigest(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// quitCommand implements the QUIT command (RFC 1939).
type quitCommand struct{}

func (q *quitCommand) Name() string {
	return "QUIT"
}

func (q *quitCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "QUIT command takes no arguments"}, nil
	}

	var message string

	switch sess.State() {
	case StateAuthorization:
		message = "Goodbye"

	case StateTransaction:
		sess.EnterUpdate()
		message = "Logging out"

	default:
		message = "Goodbye"
	}

	return Response{OK: true, Message: message}, nil
}

// authCommand implements the AUTH command (RFC 5034).
type authCommand struct {
	authProvider AuthProvider
	msgStore     mailbox.Store
	maxAttempts  int
}

func (a *authCommand) Name() string {
	return "AUTH"
}

func (a *authCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if sess.TLSConfig() != nil && !sess.IsTLSActive() {
		return Response{OK: false, Message: "TLS required for authentication"}, nil
	}

	if len(args) < 1 {
		return Response{OK: false, Message: "AUTH command requires mechanism argument"}, nil
	}

	mechanism := strings.ToUpper(args[0])

	supported := false
	for _, mech := range SupportedSASLMechanisms() {
		if strings.EqualFold(mech, mechanism) {
			supported = true
			break
		}
	}
	if !supported {
		return Response{OK: false, Message: fmt.Sprintf("Unsupported mechanism: %s", mechanism)}, nil
	}

	var server sasl.Server
	switch mechanism {
	case sasl.Plain:
		server = sasl.NewPlainServer(func(identity, username, password string) error {
			authSession, err := a.authProvider.Authenticate(ctx, username, password, clientIPOf(conn))
			if err != nil {
				conn.Logger().Info("SASL authentication failed", "mechanism", mechanism, "username", username, "error", err.Error())
				return err
			}

			sess.SetAuthenticated(authSession)
			sess.SetUsername(username)

			if a.msgStore != nil {
				applyCredentials(a.msgStore, authSession)
				if err := sess.InitializeMailbox(ctx, a.msgStore); err != nil {
					conn.Logger().Error("failed to initialize mailbox",
						"username", username,
						"mailbox", authSession.Context.MailboxPath,
						"error", err.Error(),
					)
					return err
				}
			}

			conn.Logger().Info("SASL authentication successful", "mechanism", mechanism, "username", username, "mailbox", authSession.Context.MailboxPath)
			return nil
		})
	default:
		return Response{OK: false, Message: fmt.Sprintf("Unsupported mechanism: %s", mechanism)}, nil
	}

	sess.SetSASLServer(mechanism, server)

	var initialResponse []byte
	if len(args) > 1 {
		if args[1] == "=" {
			initialResponse = []byte{}
		} else {
			var err error
			initialResponse, err = DecodeSASLResponse(args[1])
			if err != nil {
				sess.ClearSASL()
				return Response{OK: false, Message: "Invalid base64 encoding"}, nil
			}
		}

		return a.processSASLStep(ctx, sess, conn, initialResponse)
	}

	return Response{Continuation: true, Challenge: ""}, nil
}

// processSASLStep processes a SASL response and returns the next challenge or completion.
func (a *authCommand) processSASLStep(ctx context.Context, sess *Session, conn ConnectionLogger, response []byte) (Response, error) {
	server := sess.SASLServer()
	if server == nil {
		return Response{OK: false, Message: "No SASL exchange in progress"}, nil
	}

	challenge, done, err := server.Next(response)
	if err != nil {
		sess.ClearSASL()
		sess.RecordAuthFailure()
		if sess.TooManyAuthFailures(a.maxAttempts) {
			return Response{OK: false, Message: "Too many authentication failures"}, ErrTooManyAuthFailures
		}
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	if done {
		sess.ClearSASL()
		return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", sess.Username())}, nil
	}

	return Response{Continuation: true, Challenge: EncodeSASLChallenge(challenge)}, nil
}

// ProcessSASLResponse processes a SASL response from the handler.
func (a *authCommand) ProcessSASLResponse(ctx context.Context, sess *Session, conn ConnectionLogger, line string) (Response, error) {
	if line == "*" {
		sess.ClearSASL()
		return Response{OK: false, Message: "Authentication cancelled"}, nil
	}

	response, err := DecodeSASLResponse(line)
	if err != nil {
		sess.ClearSASL()
		return Response{OK: false, Message: "Invalid base64 encoding"}, nil
	}

	return a.processSASLStep(ctx, sess, conn, response)
}

// RegisterAuthCommands registers all authentication-related commands.
func RegisterAuthCommands(authProvider AuthProvider, msgStore mailbox.Store, maxAuthAttempts int) {
	RegisterCommand(&capaCommand{})
	RegisterCommand(&stlsCommand{})
	RegisterCommand(&userCommand{})
	RegisterCommand(&passCommand{authProvider: authProvider, msgStore: msgStore, maxAttempts: maxAuthAttempts})
	RegisterCommand(&apopCommand{authProvider: authProvider, msgStore: msgStore, maxAttempts: maxAuthAttempts})
	RegisterCommand(&authCommand{authProvider: authProvider, msgStore: msgStore, maxAttempts: maxAuthAttempts})
	RegisterCommand(&quitCommand{})
}
