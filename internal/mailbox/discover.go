package mailbox

import (
	"fmt"

	"github.com/infodancer/pop3d/internal/subst"
)

// Locations resolves the mailbox path and driver for an authenticated
// identity. Grounded on the original's find_mailbox/try_mailbox_locations:
// an authentication driver's explicit MailboxPath/MailboxDriver always
// wins; otherwise a list of path templates is tried in order against the
// filesystem until one exists.
type Locations struct {
	// Templates use $(user), $(local_part), $(domain), $(home).
	Templates []string
	// DefaultDriver is used when a template's driver can't be guessed
	// from its trailing slash.
	DefaultDriver string
}

// Vars bundles the substitution variables available when resolving a
// mailbox location template.
type Vars struct {
	User, LocalPart, Domain, Home string
}

func (v Vars) asMap() map[string]string {
	return map[string]string{"user": v.User, "local_part": v.LocalPart, "domain": v.Domain, "home": v.Home}
}

// Resolve returns the first template, rendered with vars, that exists on
// disk, along with a guessed driver name (maildir if it ends in "/",
// otherwise mbox).
func (l Locations) Resolve(vars Vars) (path, driver string, err error) {
	for _, tmpl := range l.Templates {
		candidate, err := subst.Expand(tmpl, vars.asMap())
		if err != nil {
			return "", "", fmt.Errorf("mailbox location template %q: %w", tmpl, err)
		}
		if pathExists(candidate) {
			return candidate, guessDriver(candidate, l.DefaultDriver), nil
		}
	}
	if len(l.Templates) > 0 {
		// Nothing exists yet: fall back to the first template so a new
		// mailbox can be created at its expected location.
		candidate, err := subst.Expand(l.Templates[0], vars.asMap())
		if err != nil {
			return "", "", err
		}
		return candidate, guessDriver(candidate, l.DefaultDriver), nil
	}
	return "", "", fmt.Errorf("no mailbox location templates configured")
}

func guessDriver(path, fallback string) string {
	if len(path) > 0 && path[len(path)-1] == '/' {
		return DriverMaildir
	}
	if fallback != "" {
		return fallback
	}
	return DriverMbox
}

// Open returns the Store implementation for the named driver.
func Open(driver string, useDotlock bool) (Store, error) {
	switch driver {
	case DriverMbox:
		return NewMbox(useDotlock), nil
	case DriverMaildir:
		return NewMaildir(), nil
	default:
		return nil, fmt.Errorf("unknown mailbox driver %q", driver)
	}
}
