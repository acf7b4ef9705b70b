package auth

import "context"

// APOPRequest carries everything a driver needs to verify an APOP login.
type APOPRequest struct {
	User      string
	LocalPart string
	Domain    string
	Timestamp string // the banner the client signed
	Digest    string // lowercase hex, client-supplied
	ClientIP  string
	ServerIP  string
}

// UserPassRequest carries everything a driver needs to verify a USER/PASS
// or SASL PLAIN login.
type UserPassRequest struct {
	User      string
	LocalPart string
	Domain    string
	Secret    string
	ClientIP  string
	ServerIP  string
}

// Driver is one authenticator in the switch. A driver returns (nil, nil) to
// mean "this driver has no opinion, try the next one" — not an error. A
// non-nil error marks the driver unavailable for this attempt; the switch
// logs it and proceeds to the next driver, exactly as it would for a nil
// match.
type Driver interface {
	Name() string
	Init() error
	TryAPOP(ctx context.Context, req APOPRequest) (*Context, error)
	TryUserPass(ctx context.Context, req UserPassRequest) (*Context, error)
	// OnLogin is a fire-and-forget notification offered to every enabled
	// driver after a successful authentication, regardless of which driver
	// produced the context.
	OnLogin(ctx context.Context, actx *Context, clientIP, serverIP string)
	// PostFork lets a driver reinitialize per-process state (e.g. a DB
	// connection pool) in the privilege-dropped mailbox-worker child.
	PostFork() error
	Close() error
}
