package drivers

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "modernc.org/sqlite"

	"github.com/infodancer/pop3d/internal/auth"
	"github.com/infodancer/pop3d/internal/subst"
)

// SQLConfig configures the SQL driver. Grounded on auth_mysql.c /
// auth_pgsql.c: a popbox/domain join query template with $(local_part)/
// $(domain) substitutions, returning the mailbox path, unix user and a
// password hash (or APOP password) column.
//
// The modernc.org/sqlite driver is pure Go and needs no cgo toolchain,
// which keeps the mailbox-worker's privilege-dropped re-exec path free of
// any dynamic library dependency; a real deployment points DSN at whatever
// database/sql driver is registered under DriverName.
type SQLConfig struct {
	DriverName string // e.g. "sqlite"
	DSN        string

	UserPassQuery string // columns: uid, gid, mboxtype, mailbox, password_hash
	APOPQuery     string // columns: uid, gid, mboxtype, mailbox, apop_secret

	DefaultGID int
}

// SQL authenticates against popbox/domain tables in a relational database.
type SQL struct {
	cfg SQLConfig
	db  *sql.DB
}

func NewSQL(cfg SQLConfig) *SQL {
	return &SQL{cfg: cfg}
}

func (s *SQL) Name() string { return "sql" }

func (s *SQL) Init() error {
	db, err := sql.Open(s.cfg.DriverName, s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("sql auth driver: open: %w", err)
	}
	s.db = db
	return db.Ping()
}

func (s *SQL) PostFork() error {
	// No per-process state to reset: the pool opened by Init lives only in
	// the process that called Init, and the mailbox-worker child builds no
	// auth drivers.
	return nil
}

func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQL) OnLogin(ctx context.Context, actx *auth.Context, clientIP, serverIP string) {}

func (s *SQL) TryUserPass(ctx context.Context, req auth.UserPassRequest) (*auth.Context, error) {
	if s.db == nil || req.LocalPart == "" {
		return nil, nil
	}
	query, err := subst.Expand(s.cfg.UserPassQuery, map[string]string{
		"local_part": sqlEscape(req.LocalPart),
		"domain":     sqlEscape(req.Domain),
	})
	if err != nil {
		return nil, fmt.Errorf("sql auth driver: query template: %w", err)
	}

	var uid, gid int
	var mboxtype, mailbox, hash sql.NullString
	row := s.db.QueryRowContext(ctx, query)
	if err := row.Scan(&uid, &gid, &mboxtype, &mailbox, &hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sql auth driver: query: %w", err)
	}

	if !verifyHash(hash.String, req.Secret) {
		return nil, nil
	}

	return s.context(req.User, req.LocalPart, req.Domain, uid, gid, mboxtype.String, mailbox.String), nil
}

func (s *SQL) TryAPOP(ctx context.Context, req auth.APOPRequest) (*auth.Context, error) {
	if s.db == nil || req.LocalPart == "" {
		return nil, nil
	}
	query, err := subst.Expand(s.cfg.APOPQuery, map[string]string{
		"local_part": sqlEscape(req.LocalPart),
		"domain":     sqlEscape(req.Domain),
	})
	if err != nil {
		return nil, fmt.Errorf("sql auth driver: query template: %w", err)
	}

	var uid, gid int
	var mboxtype, mailbox, secret sql.NullString
	row := s.db.QueryRowContext(ctx, query)
	if err := row.Scan(&uid, &gid, &mboxtype, &mailbox, &secret); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sql auth driver: query: %w", err)
	}

	sum := md5.Sum([]byte(req.Timestamp + secret.String))
	if hex.EncodeToString(sum[:]) != strings.ToLower(req.Digest) {
		return nil, nil
	}

	return s.context(req.User, req.LocalPart, req.Domain, uid, gid, mboxtype.String, mailbox.String), nil
}

func (s *SQL) context(user, localPart, domain string, uid, gid int, mboxtype, mailbox string) *auth.Context {
	gidOut := gid
	if gid == 0 && s.cfg.DefaultGID != 0 {
		gidOut = s.cfg.DefaultGID
	}
	return &auth.Context{
		UID: uid, GID: gidOut,
		User: user, LocalPart: localPart, Domain: domain,
		MailboxDriver: mboxtype, MailboxPath: mailbox,
	}
}

// verifyHash supports a crypt-style hash (checked with a Crypter built by
// crypt.NewFromHash) or a plain-text column.
func verifyHash(hash, secret string) bool {
	if hash == "" {
		return false
	}
	if strings.HasPrefix(hash, "$") {
		crypter, err := crypt.NewFromHash(hash)
		if err != nil {
			return false
		}
		return crypter.Verify(hash, []byte(secret)) == nil
	}
	return hash == secret
}

func sqlEscape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
