package drivers

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/infodancer/pop3d/internal/auth"
	"github.com/infodancer/pop3d/internal/subst"
)

// FlatFileConfig configures the FlatFile driver. Grounded on
// auth_flatfile.c: one passwd-style file per domain, resolved from a path
// template, each line "local_part:secret" (colon-separated, extra fields
// ignored). The secret is stored in the clear so that APOP digests
// (MD5(timestamp+secret)) can be verified; there is no library in reach
// here for anything fancier, and the original format is itself plaintext.
type FlatFileConfig struct {
	PathTemplate string // uses $(domain), e.g. "/etc/pop3d/passwd.$(domain)"
	UID, GID     int
}

// FlatFile authenticates virtual-domain users against a per-domain flat
// file of local_part:secret lines.
type FlatFile struct {
	cfg FlatFileConfig
}

func NewFlatFile(cfg FlatFileConfig) *FlatFile {
	return &FlatFile{cfg: cfg}
}

func (f *FlatFile) Name() string { return "flatfile" }

func (f *FlatFile) Init() error { return nil }

func (f *FlatFile) PostFork() error { return nil }

func (f *FlatFile) Close() error { return nil }

func (f *FlatFile) OnLogin(ctx context.Context, actx *auth.Context, clientIP, serverIP string) {}

func (f *FlatFile) TryUserPass(ctx context.Context, req auth.UserPassRequest) (*auth.Context, error) {
	if req.LocalPart == "" {
		return nil, nil
	}
	secret, err := f.lookupSecret(req.LocalPart, req.Domain)
	if err != nil {
		return nil, nil
	}
	if secret != req.Secret {
		return nil, nil
	}
	return &auth.Context{UID: f.cfg.UID, GID: f.cfg.GID, User: req.User, LocalPart: req.LocalPart, Domain: req.Domain}, nil
}

func (f *FlatFile) TryAPOP(ctx context.Context, req auth.APOPRequest) (*auth.Context, error) {
	if req.LocalPart == "" {
		return nil, nil
	}
	secret, err := f.lookupSecret(req.LocalPart, req.Domain)
	if err != nil {
		return nil, nil
	}
	sum := md5.Sum([]byte(req.Timestamp + secret))
	if hex.EncodeToString(sum[:]) != strings.ToLower(req.Digest) {
		return nil, nil
	}
	return &auth.Context{UID: f.cfg.UID, GID: f.cfg.GID, User: req.User, LocalPart: req.LocalPart, Domain: req.Domain}, nil
}

func (f *FlatFile) lookupSecret(localPart, domain string) (string, error) {
	path, err := subst.Expand(f.cfg.PathTemplate, map[string]string{"domain": domain})
	if err != nil {
		return "", err
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, ":", 3)
		if len(fields) < 2 || fields[0] != localPart {
			continue
		}
		return fields[1], nil
	}
	return "", fmt.Errorf("no entry for %q in %s", localPart, path)
}
