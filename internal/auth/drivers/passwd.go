// Package drivers implements the concrete authentication backends selected
// by the pop3d auth switch: system passwd/shadow, SQL, LDAP, a flat file,
// and an external-process protocol.
package drivers

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"

	"github.com/infodancer/pop3d/internal/auth"
	"github.com/infodancer/pop3d/internal/subst"
)

// PasswdConfig configures the Passwd driver.
type PasswdConfig struct {
	// ShadowPath defaults to /etc/shadow. Reading it requires the running
	// process to still hold root privileges, i.e. this driver only works
	// before the mailbox-worker drops privileges.
	ShadowPath string
	// PasswdPath defaults to /etc/passwd.
	PasswdPath string
	// MailspoolDir, if set, is used with "%s/%s" (dir, user) to build the
	// mailbox path instead of the user's home directory.
	MailspoolDir string
	// MailboxTemplate, if set, overrides MailspoolDir: a subst template
	// using $(home), $(user), $(local_part), $(domain) (original
	// auth-passwd-mailbox), e.g. "$(home)/Mail/inbox".
	MailboxTemplate string
	// MailGID, if non-zero, overrides the gid from /etc/passwd for every
	// authenticated user (auth-passwd-mail-group in the original config).
	MailGID int
}

// Passwd authenticates against the system /etc/passwd and /etc/shadow
// databases. Grounded on auth_passwd.c.
type Passwd struct {
	cfg PasswdConfig
}

func NewPasswd(cfg PasswdConfig) *Passwd {
	if cfg.ShadowPath == "" {
		cfg.ShadowPath = "/etc/shadow"
	}
	if cfg.PasswdPath == "" {
		cfg.PasswdPath = "/etc/passwd"
	}
	return &Passwd{cfg: cfg}
}

func (p *Passwd) Name() string { return "passwd" }

func (p *Passwd) Init() error { return nil }

func (p *Passwd) PostFork() error { return nil }

func (p *Passwd) Close() error { return nil }

func (p *Passwd) OnLogin(ctx context.Context, actx *auth.Context, clientIP, serverIP string) {}

func (p *Passwd) TryAPOP(ctx context.Context, req auth.APOPRequest) (*auth.Context, error) {
	// APOP requires an MD5 digest of (timestamp + shared secret); system
	// passwd/shadow only stores a one-way crypt hash, so it cannot recover
	// the shared secret needed to verify the digest.
	return nil, nil
}

func (p *Passwd) TryUserPass(ctx context.Context, req auth.UserPassRequest) (*auth.Context, error) {
	pwEnt, err := lookupPasswdEntry(p.cfg.PasswdPath, req.User)
	if err != nil {
		return nil, nil
	}

	hash := pwEnt.passwd
	if shEnt, err := lookupShadowEntry(p.cfg.ShadowPath, req.User); err == nil {
		hash = shEnt.hash
	}
	if hash == "" || hash == "*" || hash == "!" {
		return nil, nil
	}

	crypter, err := crypt.NewFromHash(hash)
	if err != nil {
		return nil, nil
	}
	if err := crypter.Verify(hash, []byte(req.Secret)); err != nil {
		return nil, nil
	}

	gid := pwEnt.gid
	if p.cfg.MailGID != 0 {
		gid = p.cfg.MailGID
	}

	mailbox := pwEnt.home
	if p.cfg.MailspoolDir != "" {
		mailbox = p.cfg.MailspoolDir + "/" + req.User
	}
	if p.cfg.MailboxTemplate != "" {
		vars := map[string]string{"home": pwEnt.home, "user": req.User, "local_part": req.LocalPart, "domain": req.Domain}
		if expanded, err := subst.Expand(p.cfg.MailboxTemplate, vars); err == nil {
			mailbox = expanded
		}
	}

	return &auth.Context{
		UID:       pwEnt.uid,
		GID:       gid,
		Home:      pwEnt.home,
		User:      req.User,
		LocalPart: req.LocalPart,
		Domain:    req.Domain,
		MailboxPath: mailbox,
	}, nil
}

type passwdEntry struct {
	name, passwd, home string
	uid, gid            int
}

func lookupPasswdEntry(path, user string) (*passwdEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 || fields[0] != user {
			continue
		}
		uid, _ := strconv.Atoi(fields[2])
		gid, _ := strconv.Atoi(fields[3])
		return &passwdEntry{name: fields[0], passwd: fields[1], uid: uid, gid: gid, home: fields[5]}, nil
	}
	return nil, fmt.Errorf("no passwd entry for %q", user)
}

type shadowEntry struct {
	name, hash string
}

func lookupShadowEntry(path, user string) (*shadowEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Split(line, ":")
		if len(fields) < 2 || fields[0] != user {
			continue
		}
		return &shadowEntry{name: fields[0], hash: fields[1]}, nil
	}
	return nil, fmt.Errorf("no shadow entry for %q", user)
}
