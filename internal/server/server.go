package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/config"
	"github.com/watzon/fngate/internal/functions"
	"github.com/watzon/fngate/internal/gateway"
	"github.com/watzon/fngate/internal/invocation"
	"github.com/watzon/fngate/internal/metrics"
	"github.com/watzon/fngate/internal/policy"
	"github.com/watzon/fngate/internal/resolve"
	"github.com/watzon/fngate/internal/scheduler"
	"github.com/watzon/fngate/internal/server/requestlog"
)

type Server struct {
	cfg     *config.Config
	version string
	natives []native

	registry    *functions.Registry
	dispatcher  *gateway.Dispatcher
	scheduler   *scheduler.Scheduler
	watcher     *functions.Watcher
	keys        *keyring
	auth        *resolve.BearerAuth
	lockout     *resolve.Lockout
	limits      *resolve.RateLimit
	maintenance atomic.Bool
	requestLogs *requestlog.Store
	httpServer  *http.Server
	router      *Router
}

const defaultRequestLogCapacity = 1000

type native struct {
	route   string
	doc     string
	handler invocation.Handler
}

type Option func(*Server)

func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithFunction serves a Go handler at route next to the file-backed
// functions. doc is parsed like a function's doc comment.
func WithFunction(route, doc string, h invocation.Handler) Option {
	return func(s *Server) {
		s.natives = append(s.natives, native{route: route, doc: doc, handler: h})
	}
}

// New builds the gateway and loads the functions directory. A directory
// that fails to load is fatal unless dev mode is on, in which case the
// server starts empty and waits for a fix.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	srv := &Server{
		cfg:         cfg,
		version:     "dev",
		requestLogs: requestlog.NewStore(defaultRequestLogCapacity),
	}

	for _, opt := range opts {
		opt(srv)
	}

	loader, err := NewLoader(cfg)
	if err != nil {
		return nil, err
	}
	for _, n := range srv.natives {
		if err := loader.Register(n.route, n.doc, n.handler); err != nil {
			return nil, fmt.Errorf("registering %s: %w", n.route, err)
		}
	}
	srv.registry = functions.NewRegistry(loader)

	origins, err := originPolicy(cfg.Origins)
	if err != nil {
		return nil, err
	}

	srv.keys = newKeyring(cfg.Gateway.Keys, cfg.Gateway.KeyEnvPrefix)
	srv.maintenance.Store(cfg.Gateway.Maintenance.Enabled)

	srv.dispatcher = gateway.New(srv.registry, gateway.Options{
		Timeout:           cfg.Gateway.Timeout,
		BackgroundTimeout: cfg.Gateway.BackgroundTimeout,
		MaxBodySize:       cfg.Gateway.MaxBodySize,
		Origins:           origins,
		Resolver:          srv.resolvers(),
		Keys:              srv.keys,
		OnError:           reportError,
		Observer:          metrics.Observer{},
		ExposeStacks:      cfg.Gateway.ExposeStacks,
		AllowHeaders:      cfg.Gateway.AllowHeaders,
		StreamQueue:       cfg.Gateway.StreamQueue,
	})

	srv.scheduler = scheduler.NewScheduler(srv.dispatcher, nil)
	srv.registry.OnReload(srv.applyTable)

	if err := srv.registry.Load(); err != nil {
		if !cfg.Dev.Enabled {
			srv.stopResolvers()
			return nil, fmt.Errorf("loading functions: %w", err)
		}
		metrics.RecordReload(0, err)
		log.Error().Err(err).Msg("Functions failed to load, waiting for changes")
	}

	if cfg.Dev.Enabled && cfg.Dev.Watch {
		w, err := functions.NewWatcher(srv.registry)
		if err != nil {
			log.Warn().Err(err).Msg("File watching disabled")
		} else {
			w.SetDebounceDuration(cfg.Dev.Debounce)
			srv.watcher = w
		}
	}

	srv.router = NewRouter(srv)
	srv.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return srv, nil
}

// NewLoader builds a function loader from the functions config section.
func NewLoader(cfg *config.Config) (*functions.Loader, error) {
	runtimes := make(map[functions.Runtime]functions.RuntimeConfig, len(cfg.Functions.Runtimes))
	for name, rt := range cfg.Functions.Runtimes {
		runtimes[functions.Runtime(name)] = functions.RuntimeConfig{Command: rt.Command, Args: rt.Args}
	}
	return functions.NewLoader(functions.LoaderOptions{
		Dir:      cfg.Functions.Path,
		Ignore:   cfg.Functions.Ignore,
		Runtimes: runtimes,
		Env:      cfg.Functions.Env,
	})
}

func originPolicy(cfg config.OriginsConfig) (gateway.OriginPolicy, error) {
	allow := policy.NewAllowList(cfg.Allow)
	if cfg.Rule == "" {
		return allow, nil
	}
	expr, err := policy.NewExpression(cfg.Rule, allow)
	if err != nil {
		return nil, fmt.Errorf("origins.rule: %w", err)
	}
	return expr, nil
}

// resolvers runs maintenance first, then token checks, then rate limits.
func (s *Server) resolvers() gateway.Resolver {
	chain := resolve.Chain{
		resolve.Maintenance{
			Enabled: s.maintenance.Load,
			Message: s.cfg.Gateway.Maintenance.Message,
		},
	}

	if s.cfg.Auth.Enabled {
		if lo := s.cfg.Auth.Lockout; lo.Threshold > 0 {
			s.lockout = resolve.NewLockout(lo.Threshold, lo.Window)
		}
		s.auth = resolve.NewBearerAuth(resolve.BearerAuthConfig{
			Secret:   s.cfg.Auth.JWT.Secret,
			Issuer:   s.cfg.Auth.JWT.Issuer,
			Audience: s.cfg.Auth.JWT.Audience,
			Required: s.cfg.Auth.Required,
			Lockout:  s.lockout,
		})
		chain = append(chain, s.auth)
	}

	if rl := s.cfg.RateLimit; rl.Enabled {
		s.limits = &resolve.RateLimit{
			Unauthenticated: resolve.NewRateLimiter(resolve.Rule{Max: rl.Unauthenticated.Max, Window: rl.Unauthenticated.Window}),
			Authenticated:   resolve.NewRateLimiter(resolve.Rule{Max: rl.Authenticated.Max, Window: rl.Authenticated.Window}),
			Subject:         s.subject,
		}
		chain = append(chain, s.limits)
	}

	return chain
}

// subject reports the verified token subject of a request.
func (s *Server) subject(r *http.Request) (string, bool) {
	if s.auth == nil {
		return "", false
	}
	return s.auth.Subject(r)
}

func (s *Server) stopResolvers() {
	if s.limits != nil {
		s.limits.Stop()
	}
	if s.lockout != nil {
		s.lockout.Stop()
	}
}

// applyTable runs after every successful load.
func (s *Server) applyTable(t *functions.Table) {
	defs := t.Functions()
	metrics.RecordReload(len(defs), nil)
	s.keys.refresh(defs)
	if err := s.scheduler.Sync(t); err != nil {
		log.Error().Err(err).Msg("Some schedules could not be registered")
	}
	log.Info().Int("functions", len(defs)).Int("schedules", s.scheduler.Len()).Msg("Route table published")
}

func reportError(ec *invocation.Context, err *apierror.Error) {
	log.Error().
		Str("execution_id", ec.ExecutionID).
		Str("function", ec.Function).
		Str("mode", ec.Mode.String()).
		Str("type", string(err.Kind)).
		Msg(err.Message)
}

func (s *Server) Start(ctx context.Context) error {
	log.Info().
		Str("addr", s.cfg.Server.Address()).
		Str("functions", s.cfg.Functions.Path).
		Msg("Starting server")

	s.scheduler.Start()

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return fmt.Errorf("starting watcher: %w", err)
		}
		go s.watchReloads(ctx)
	}

	var err error
	if tls := s.cfg.Server.TLS; tls != nil && tls.Enabled {
		err = s.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// watchReloads records failed watcher reloads; successful ones are
// recorded by applyTable.
func (s *Server) watchReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-s.watcher.Reloaded():
			if !ok {
				return
			}
			if err != nil {
				metrics.RecordReload(0, err)
			}
		}
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down server")

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			log.Warn().Err(err).Msg("Error stopping watcher")
		}
	}

	err := s.httpServer.Shutdown(ctx)

	s.scheduler.Stop()
	s.stopResolvers()

	return err
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Config() *config.Config {
	return s.cfg
}

func (s *Server) Registry() *functions.Registry {
	return s.registry
}

func (s *Server) Dispatcher() *gateway.Dispatcher {
	return s.dispatcher
}

func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

func (s *Server) RequestLogs() *requestlog.Store {
	return s.requestLogs
}

// SetMaintenance turns maintenance mode on or off.
func (s *Server) SetMaintenance(enabled bool) {
	s.maintenance.Store(enabled)
	log.Info().Bool("enabled", enabled).Msg("Maintenance mode changed")
}

// Maintenance reports whether maintenance mode is on.
func (s *Server) Maintenance() bool {
	return s.maintenance.Load()
}
