package pop3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/infodancer/pop3d/internal/auth"
	"github.com/infodancer/pop3d/internal/auth/drivers"
	"github.com/infodancer/pop3d/internal/config"
	"github.com/infodancer/pop3d/internal/domain"
	"github.com/infodancer/pop3d/internal/mailbox"
	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/server"
)

// StackConfig groups the configuration needed to build a Stack.
// TLSConfig is caller-supplied; tests may omit it (nil = plain POP3 only).
type StackConfig struct {
	Config     config.Config
	ConfigPath string        // absolute path to config file, used by subprocesses
	TLSConfig  *tls.Config
	MsgStore   mailbox.Store // overrides driver selection from Config when non-nil
	Collector  metrics.Collector
	Logger     *slog.Logger
}

// Stack owns all components of a running pop3d instance and manages their lifecycle.
type Stack struct {
	server     *server.Server
	authSwitch *auth.Switch
	closers    []io.Closer
	logger     *slog.Logger
}

// NewStack creates a Stack from the given configuration, wiring up all components.
func NewStack(cfg StackConfig) (*Stack, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	s := &Stack{logger: logger}

	authSwitch, err := BuildAuthSwitch(cfg.Config, logger)
	if err != nil {
		return nil, err
	}
	s.authSwitch = authSwitch
	s.closers = append(s.closers, authSwitch)

	var domainProvider domain.Provider
	if cfg.Config.DomainsPath != "" {
		domainProvider = domain.NewFilesystemProvider(cfg.Config.DomainsPath)
		logger.Info("domain provider enabled", "path", cfg.Config.DomainsPath)
	}

	authProvider := &DomainRouter{
		Switch:  authSwitch,
		Domains: domainProvider,
	}

	// Create message store: caller-supplied store takes priority over config.
	var msgStore mailbox.Store
	if cfg.MsgStore != nil {
		msgStore = cfg.MsgStore
		logger.Info("message store enabled", "type", "caller-supplied")
	} else if cfg.Config.Maildir != "" {
		store, err := mailbox.Open(mailbox.DriverMaildir, true)
		if err != nil {
			s.Close() //nolint:errcheck
			return nil, err
		}
		msgStore = store
		logger.Info("message store enabled", "type", mailbox.DriverMaildir, "path", cfg.Config.Maildir)
	}

	srv, err := server.New(server.Config{
		Cfg:       &cfg.Config,
		TLSConfig: cfg.TLSConfig,
		Logger:    logger,
	})
	if err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}

	handler := Handler(HandlerConfig{
		Hostname:        cfg.Config.Hostname,
		AuthProvider:    authProvider,
		MsgStore:        msgStore,
		TLSConfig:       cfg.TLSConfig,
		Collector:       collector,
		MaxAuthAttempts: cfg.Config.Limits.MaxAuthAttempts,
		ErrorBudget:     cfg.Config.Limits.ErrorBudget,
	})
	srv.SetHandler(handler)

	s.server = srv
	return s, nil
}

// BuildAuthSwitch constructs the authentication switch and its result cache
// from configuration, instantiating one driver per enabled entry in
// cfg.Auth.Drivers, ordered by cfg.Auth.Order if non-empty, otherwise in
// config order.
func BuildAuthSwitch(cfg config.Config, logger *slog.Logger) (*auth.Switch, error) {
	byName := make(map[string]auth.Driver, len(cfg.Auth.Drivers))
	for _, dc := range cfg.Auth.Drivers {
		if !dc.Enable {
			continue
		}
		d, err := buildDriver(dc, logger)
		if err != nil {
			return nil, fmt.Errorf("auth driver %q: %w", dc.Name, err)
		}
		if err := d.Init(); err != nil {
			return nil, fmt.Errorf("auth driver %q: init: %w", dc.Name, err)
		}
		byName[dc.Name] = d
	}

	var ordered []auth.Driver
	order := cfg.Auth.Order
	if len(order) == 0 {
		for _, dc := range cfg.Auth.Drivers {
			if dc.Enable {
				order = append(order, dc.Name)
			}
		}
	}
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		d, ok := byName[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		ordered = append(ordered, d)
	}

	var cache *auth.Cache
	if cfg.Auth.Cache.Enabled {
		cache = auth.NewCache(cfg.Auth.Cache.Lifetime(), cfg.Auth.Cache.UseClientHost, cfg.Hostname)
	}

	return auth.NewSwitch(ordered, cache, cfg.AppendDomain, cfg.Hostname, logger), nil
}

func buildDriver(dc config.AuthDriverConfig, logger *slog.Logger) (auth.Driver, error) {
	switch dc.Type {
	case "passwd":
		return drivers.NewPasswd(drivers.PasswdConfig{
			ShadowPath:      dc.ShadowPath,
			PasswdPath:      dc.PasswdPath,
			MailboxTemplate: dc.Mailbox,
			MailGID:         dc.MailGID,
		}), nil
	case "sql":
		return drivers.NewSQL(drivers.SQLConfig{
			DriverName:    dc.Driver,
			DSN:           dc.DSN,
			UserPassQuery: dc.AuthQuery,
			APOPQuery:     dc.APOPQuery,
			DefaultGID:    dc.DefaultGID,
		}), nil
	case "ldap":
		return drivers.NewLDAP(drivers.LDAPConfig{
			URL:            dc.URL,
			BindDN:         dc.BindDN,
			BindPass:       dc.BindPassword,
			BaseDN:         dc.BaseDN,
			FilterTemplate: dc.Filter,
			MailboxAttr:    dc.MailboxAttr,
			MboxTypeAttr:   dc.MboxTypeAttr,
			UserAttr:       dc.UserAttr,
			GroupAttr:      dc.GroupAttr,
			DefaultUID:     dc.DefaultUID,
			DefaultGID:     dc.LDAPDefaultGID,
			UseTLS:         dc.UseTLS,
		}), nil
	case "flatfile":
		return drivers.NewFlatFile(drivers.FlatFileConfig{
			PathTemplate: dc.PathTemplate,
			UID:          dc.UID,
			GID:          dc.GID,
		}), nil
	case "external":
		return drivers.NewOther(drivers.OtherConfig{
			Program: dc.Program,
			UID:     dc.RunUID,
			GID:     dc.RunGID,
			Timeout: dc.Duration(),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown driver type %q", dc.Type)
	}
}

// DomainRouter wraps an auth.Switch, filling in a successful login's
// mailbox location when the driver didn't supply one (the flat-file driver
// never does: per domain.go, a domain is purely a routing key, so the
// mailbox location template lives in the domain's configuration, not the
// driver's).
type DomainRouter struct {
	Switch  *auth.Switch
	Domains domain.Provider

	// DefaultTemplates/DefaultDriver apply when Domains is nil or has no
	// entry for the login's domain.
	DefaultTemplates []string
	DefaultDriver    string
}

func (r *DomainRouter) Authenticate(ctx context.Context, username, password, clientIP string) (*auth.Session, error) {
	sess, err := r.Switch.Authenticate(ctx, username, password, clientIP)
	if err != nil {
		return nil, err
	}
	r.resolveMailbox(sess)
	return sess, nil
}

func (r *DomainRouter) AuthenticateAPOP(ctx context.Context, username, timestamp, digest, clientIP string) (*auth.Session, error) {
	sess, err := r.Switch.AuthenticateAPOP(ctx, username, timestamp, digest, clientIP)
	if err != nil {
		return nil, err
	}
	r.resolveMailbox(sess)
	return sess, nil
}

func (r *DomainRouter) resolveMailbox(sess *auth.Session) {
	if sess == nil || sess.Context == nil || sess.Context.MailboxPath != "" {
		return
	}

	templates := r.DefaultTemplates
	driverName := r.DefaultDriver
	if r.Domains != nil {
		if d := r.Domains.GetDomain(sess.Context.Domain); d != nil && len(d.MailboxTemplates) > 0 {
			templates = d.MailboxTemplates
			if d.MailboxDriver != "" {
				driverName = d.MailboxDriver
			}
		}
	}
	if len(templates) == 0 {
		return
	}

	loc := mailbox.Locations{Templates: templates, DefaultDriver: driverName}
	path, drv, err := loc.Resolve(mailbox.Vars{
		User:      sess.Context.User,
		LocalPart: sess.Context.LocalPart,
		Domain:    sess.Context.Domain,
		Home:      sess.Context.Home,
	})
	if err != nil {
		return
	}
	sess.Context.MailboxPath = path
	sess.Context.MailboxDriver = drv
}

// Run starts the server and blocks until the context is cancelled.
func (s *Stack) Run(ctx context.Context) error {
	return s.server.Run(ctx)
}

// Close shuts down all closeable components in reverse registration order.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunSingleConn processes exactly one POP3 session on the given connection.
// For POP3S mode, the connection is wrapped with TLS before the session starts.
func (s *Stack) RunSingleConn(conn net.Conn, mode config.ListenerMode, tlsConfig *tls.Config) error {
	cfg := s.server.Config()
	connCfg := server.ConnectionConfig{
		IdleTimeout:    cfg.Timeouts.ConnectionTimeout(),
		CommandTimeout: cfg.Timeouts.CommandTimeout(),
		LogTransaction: cfg.LogLevel == "debug",
		Logger:         s.logger,
	}
	c := server.NewConnection(conn, connCfg)
	if mode == config.ModePop3s {
		if tlsConfig == nil {
			return fmt.Errorf("POP3S mode requires TLS configuration")
		}
		if err := c.UpgradeToTLS(tlsConfig); err != nil {
			return fmt.Errorf("TLS upgrade: %w", err)
		}
	}
	ctx := context.Background()
	handler := s.server.Handler()
	if handler == nil {
		return fmt.Errorf("no handler configured on server")
	}
	handler(ctx, c)
	return nil
}
