package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Switch tries a chain of Drivers in order until one produces a Context,
// consulting an optional result Cache first. Grounded on the original
// auth_check/auth_switch dispatch: APOP results are never cached, since
// caching a one-time challenge/response would make the cached entry replay
// a value the client can never resubmit.
type Switch struct {
	drivers      []Driver
	cache        *Cache
	appendDomain string
	serverIP     string
	logger       *slog.Logger
}

// NewSwitch builds a Switch over drivers, tried in the given order.
// cache may be nil to disable result caching. appendDomain, if non-empty,
// is appended to usernames presented with no domain component.
func NewSwitch(drivers []Driver, cache *Cache, appendDomain, serverIP string, logger *slog.Logger) *Switch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{drivers: drivers, cache: cache, appendDomain: appendDomain, serverIP: serverIP, logger: logger}
}

// DecomposeUsername splits a presented username into local-part and domain
// on the first '@', '%', or '!' found, matching the original's
// split_username. If no separator is present and appendDomain is non-empty,
// appendDomain becomes the domain.
func DecomposeUsername(user, appendDomain string) (localPart, domain string) {
	idx := strings.IndexAny(user, "@%!")
	if idx < 0 {
		return user, appendDomain
	}
	return user[:idx], user[idx+1:]
}

// Authenticate runs a USER/PASS (or SASL PLAIN) login through the cache and
// driver chain, returning the first successful Session.
func (s *Switch) Authenticate(ctx context.Context, user, password, clientIP string) (*Session, error) {
	localPart, domain := DecomposeUsername(user, s.appendDomain)

	if s.cache != nil {
		if cached, ok := s.cache.Lookup(user, localPart, domain, password, clientIP); ok {
			s.fanOutLogin(ctx, cached, clientIP)
			return &Session{Username: user, Context: cached}, nil
		}
	}

	req := UserPassRequest{User: user, LocalPart: localPart, Domain: domain, Secret: password, ClientIP: clientIP, ServerIP: s.serverIP}

	for _, d := range s.drivers {
		actx, err := d.TryUserPass(ctx, req)
		if err != nil {
			s.logger.Warn("auth driver error", "driver", d.Name(), "error", err)
			continue
		}
		if actx == nil {
			continue
		}
		actx.Tag = d.Name()
		if s.cache != nil {
			s.cache.Save(user, localPart, domain, password, clientIP, d.Name(), actx)
		}
		s.fanOutLogin(ctx, actx, clientIP)
		return &Session{Username: user, Context: actx}, nil
	}

	return nil, fmt.Errorf("authentication failed for %q", user)
}

// AuthenticateAPOP verifies an APOP login. Never consults or populates the
// cache: the digest is a one-time value tied to a banner timestamp that
// will never be presented again.
func (s *Switch) AuthenticateAPOP(ctx context.Context, user, timestamp, digest, clientIP string) (*Session, error) {
	localPart, domain := DecomposeUsername(user, s.appendDomain)
	req := APOPRequest{User: user, LocalPart: localPart, Domain: domain, Timestamp: timestamp, Digest: digest, ClientIP: clientIP, ServerIP: s.serverIP}

	for _, d := range s.drivers {
		actx, err := d.TryAPOP(ctx, req)
		if err != nil {
			s.logger.Warn("auth driver error", "driver", d.Name(), "error", err)
			continue
		}
		if actx == nil {
			continue
		}
		actx.Tag = d.Name()
		s.fanOutLogin(ctx, actx, clientIP)
		return &Session{Username: user, Context: actx}, nil
	}

	return nil, fmt.Errorf("APOP authentication failed for %q", user)
}

func (s *Switch) fanOutLogin(ctx context.Context, actx *Context, clientIP string) {
	for _, d := range s.drivers {
		d.OnLogin(ctx, actx, clientIP, s.serverIP)
	}
}

// Close releases all driver resources, in registration order, joining any
// errors encountered.
func (s *Switch) Close() error {
	var errs []error
	for _, d := range s.drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	msg := make([]string, len(errs))
	for i, e := range errs {
		msg[i] = e.Error()
	}
	return fmt.Errorf("closing auth drivers: %s", strings.Join(msg, "; "))
}
