package drivers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/infodancer/pop3d/internal/auth"
	"github.com/infodancer/pop3d/internal/subst"
)

// LDAPConfig configures the LDAP driver. Grounded on auth_ldap.c's
// ldapinfo: a bind DN/password used for the search step, then a second bind
// as the user's own DN to verify the password.
type LDAPConfig struct {
	URL      string // e.g. ldap://dir.example.org:389
	BindDN   string
	BindPass string
	BaseDN   string
	// FilterTemplate uses $(local_part) and $(domain); defaults to
	// "(mail=$(local_part)@$(domain))".
	FilterTemplate string

	MailboxAttr  string
	MboxTypeAttr string
	UserAttr     string
	GroupAttr    string

	DefaultUID int
	DefaultGID int

	UseTLS bool
}

// LDAP authenticates against a directory server via a search-then-bind
// sequence.
type LDAP struct {
	cfg LDAPConfig
}

func NewLDAP(cfg LDAPConfig) *LDAP {
	if cfg.FilterTemplate == "" {
		cfg.FilterTemplate = "(mail=$(local_part)@$(domain))"
	}
	return &LDAP{cfg: cfg}
}

func (l *LDAP) Name() string { return "ldap" }

func (l *LDAP) Init() error { return nil }

func (l *LDAP) PostFork() error { return nil }

func (l *LDAP) Close() error { return nil }

func (l *LDAP) OnLogin(ctx context.Context, actx *auth.Context, clientIP, serverIP string) {}

func (l *LDAP) TryAPOP(ctx context.Context, req auth.APOPRequest) (*auth.Context, error) {
	// A directory bind verifies a plaintext password, not an MD5 digest
	// against a shared secret; the directory never sees the secret itself.
	return nil, nil
}

func (l *LDAP) TryUserPass(ctx context.Context, req auth.UserPassRequest) (*auth.Context, error) {
	conn, err := goldap.DialURL(l.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ldap dial: %w", err)
	}
	defer conn.Close()

	if l.cfg.UseTLS {
		if err := conn.StartTLS(nil); err != nil {
			return nil, fmt.Errorf("ldap starttls: %w", err)
		}
	}

	if err := conn.Bind(l.cfg.BindDN, l.cfg.BindPass); err != nil {
		return nil, fmt.Errorf("ldap bind: %w", err)
	}

	filter, err := subst.Expand(l.cfg.FilterTemplate, map[string]string{
		"local_part": escapeFilter(req.LocalPart),
		"domain":     escapeFilter(req.Domain),
	})
	if err != nil {
		return nil, fmt.Errorf("ldap filter: %w", err)
	}

	attrs := []string{}
	for _, a := range []string{l.cfg.MailboxAttr, l.cfg.MboxTypeAttr, l.cfg.UserAttr, l.cfg.GroupAttr} {
		if a != "" {
			attrs = append(attrs, a)
		}
	}

	search := goldap.NewSearchRequest(l.cfg.BaseDN, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases,
		0, 0, false, filter, attrs, nil)

	result, err := conn.Search(search)
	if err != nil {
		return nil, fmt.Errorf("ldap search: %w", err)
	}
	if len(result.Entries) != 1 {
		return nil, nil
	}
	entry := result.Entries[0]

	userConn, err := goldap.DialURL(l.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ldap dial: %w", err)
	}
	defer userConn.Close()
	if l.cfg.UseTLS {
		if err := userConn.StartTLS(nil); err != nil {
			return nil, fmt.Errorf("ldap starttls: %w", err)
		}
	}
	if err := userConn.Bind(entry.DN, req.Secret); err != nil {
		return nil, nil
	}

	uid, gid := l.cfg.DefaultUID, l.cfg.DefaultGID
	if l.cfg.UserAttr != "" {
		if v := entry.GetAttributeValue(l.cfg.UserAttr); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				uid = n
			}
		}
	}
	if l.cfg.GroupAttr != "" {
		if v := entry.GetAttributeValue(l.cfg.GroupAttr); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				gid = n
			}
		}
	}

	var mailbox, mboxType string
	if l.cfg.MailboxAttr != "" {
		mailbox = entry.GetAttributeValue(l.cfg.MailboxAttr)
	}
	if l.cfg.MboxTypeAttr != "" {
		mboxType = entry.GetAttributeValue(l.cfg.MboxTypeAttr)
	}
	if mailbox != "" && mboxType == "" {
		if strings.HasSuffix(mailbox, "/") {
			mboxType = "maildir"
		} else {
			mboxType = "mbox"
		}
	}

	return &auth.Context{
		UID:           uid,
		GID:           gid,
		User:          req.User,
		LocalPart:     req.LocalPart,
		Domain:        req.Domain,
		MailboxPath:   mailbox,
		MailboxDriver: mboxType,
	}, nil
}

func escapeFilter(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '(', ')', '\\':
			fmt.Fprintf(&b, "\\%02x", r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
