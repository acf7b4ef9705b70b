// Package domain implements virtual-domain lookup: given the domain
// component of a decomposed username, resolve per-domain mailbox location
// templates and configuration overrides.
//
// Grounded on how auth_flatfile.c, auth_ldap.c and auth_mysql.c treat a
// domain purely as a routing key into per-domain flat files or filter/query
// substitutions; there is no "domain object" in the original beyond that.
// This package gives the concept a real, filesystem-backed home: one TOML
// file per domain, the way the rest of this codebase's configuration is
// expressed.
package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Domain is the per-domain configuration resolved from <DomainsPath>/<name>.toml.
type Domain struct {
	Name             string   `toml:"name"`
	MailboxTemplates []string `toml:"mailbox_templates"`
	MailboxDriver    string   `toml:"mailbox_driver"`
	MailUID          int      `toml:"mail_uid"`
	MailGID          int      `toml:"mail_gid"`
	// Drivers, if non-empty, restricts which auth driver names apply to
	// this domain (by Driver.Name()); empty means "all configured drivers".
	Drivers []string `toml:"drivers"`
}

// Provider resolves a domain by name, caching results until Invalidate.
type Provider interface {
	GetDomain(name string) *Domain
}

// FilesystemProvider loads one TOML file per domain from a directory,
// lazily and then caches it in memory.
type FilesystemProvider struct {
	path string

	mu      sync.RWMutex
	domains map[string]*Domain
}

func NewFilesystemProvider(path string) *FilesystemProvider {
	return &FilesystemProvider{path: path, domains: make(map[string]*Domain)}
}

// GetDomain returns the Domain for name, or nil if no matching file exists
// or it fails to parse. A nil return means "use global defaults", not an
// error — callers fall back to the server's top-level auth/mailbox config.
func (p *FilesystemProvider) GetDomain(name string) *Domain {
	p.mu.RLock()
	if d, ok := p.domains[name]; ok {
		p.mu.RUnlock()
		return d
	}
	p.mu.RUnlock()

	d, err := p.load(name)
	if err != nil {
		return nil
	}

	p.mu.Lock()
	p.domains[name] = d
	p.mu.Unlock()
	return d
}

func (p *FilesystemProvider) load(name string) (*Domain, error) {
	file := filepath.Join(p.path, name+".toml")
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var d Domain
	if err := toml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing domain file %s: %w", file, err)
	}
	if d.Name == "" {
		d.Name = name
	}
	return &d, nil
}

// Invalidate drops the cached entry for name, forcing the next GetDomain to
// re-read its file.
func (p *FilesystemProvider) Invalidate(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.domains, name)
}
