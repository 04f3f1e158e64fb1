package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	cfg "github.com/example/panelauth/internal/config"
	"github.com/example/panelauth/internal/csrf"
	"github.com/example/panelauth/internal/dbmigrate"
	"github.com/example/panelauth/internal/guard"
	"github.com/example/panelauth/internal/logger"
	"github.com/example/panelauth/internal/metrics"
	"github.com/example/panelauth/internal/password"
	"github.com/example/panelauth/internal/token"
)

const janitorInterval = 10 * time.Minute

type App struct {
	DB DB

	logger    *slog.Logger
	issuer    *token.Issuer
	verifier  *token.Verifier
	refresher *token.Refresher
	passwords *password.Pool
	csrf      *csrf.Guard
	limiter   *RateLimiter
	validate  *validator.Validate

	cookieSecure bool
	storeTimeout time.Duration
	defaultRole  string
	corsOrigins  []string
	dummyHash    string
}

// NewApp wires the auth components around db.
func NewApp(c *cfg.Config, db DB, log *slog.Logger) (*App, error) {
	tc := token.Config{
		Secret:    []byte(c.JwtSecret),
		Issuer:    c.JwtIssuer,
		AccessTTL: c.AccessTokenTTL,
	}
	issuer, err := token.NewIssuer(tc, db)
	if err != nil {
		return nil, err
	}
	verifier, err := token.NewVerifier(tc, db)
	if err != nil {
		return nil, err
	}

	guardCSRF, err := csrf.New(csrf.Config{
		Secret:         []byte(c.CSRFSecret),
		ExemptPrefixes: c.CSRFExemptList(),
		Secure:         c.CookieSecure,
		OnReject:       rejectCSRF,
	}, logger.WithComponent(log, "csrf"))
	if err != nil {
		return nil, err
	}

	hasher := password.NewHasher(password.Params{N: c.ScryptN, R: password.DefaultParams.R, P: password.DefaultParams.P})
	dummy, err := hasher.Hash("not-a-real-password")
	if err != nil {
		return nil, fmt.Errorf("computing dummy hash: %w", err)
	}

	return &App{
		DB:           db,
		logger:       log,
		issuer:       issuer,
		verifier:     verifier,
		refresher:    token.NewRefresher(verifier, issuer, identityResolver{db: db}),
		passwords:    password.NewPool(c.PasswordWorkers, hasher, metrics.ObservePassword),
		csrf:         guardCSRF,
		limiter:      NewRateLimiter(c.LoginRatePerMinute),
		validate:     newValidator(),
		cookieSecure: c.CookieSecure,
		storeTimeout: c.StoreTimeout,
		defaultRole:  c.DefaultRole,
		corsOrigins:  c.CORSOriginList(),
		dummyHash:    dummy,
	}, nil
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)
	r.Use(a.csrf.Middleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	// preflight requests are answered by CORS
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	v1 := r.PathPrefix("/api/v1").Subrouter()

	auth := v1.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/csrf", a.HandleCSRF).Methods(http.MethodGet)
	auth.Handle("/register", a.RateLimit(http.HandlerFunc(a.HandleRegister))).Methods(http.MethodPost)
	auth.Handle("/login", a.RateLimit(http.HandlerFunc(a.HandleLogin))).Methods(http.MethodPost)
	auth.HandleFunc("/refresh", a.HandleRefresh).Methods(http.MethodPost)

	authed := guard.RequireAuthenticated
	auth.Handle("/logout", a.Require(authed)(http.HandlerFunc(a.HandleLogout))).Methods(http.MethodPost)
	auth.Handle("/me", a.Require(authed)(http.HandlerFunc(a.HandleMe))).Methods(http.MethodGet)
	auth.Handle("/password", a.Require(authed)(a.RateLimit(http.HandlerFunc(a.HandleChangePassword)))).Methods(http.MethodPost)

	admin := v1.PathPrefix("/admin").Subrouter()
	requireAdmin := a.Require(guard.RequireAdmin)
	admin.Handle("/identities/{id}/roles", requireAdmin(http.HandlerFunc(a.HandleSetRoles))).Methods(http.MethodPut)
	admin.Handle("/identities/{id}/sessions", requireAdmin(http.HandlerFunc(a.HandleRevokeSessions))).Methods(http.MethodDelete)
	admin.Handle("/identities/{id}", a.Require(guard.RequireSuperAdmin)(http.HandlerFunc(a.HandleDeleteIdentity))).Methods(http.MethodDelete)
	admin.Handle("/introspect", requireAdmin(http.HandlerFunc(a.HandleIntrospect))).Methods(http.MethodPost)

	return r
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.DB.(interface{ ping() bool }); ok && !p.ping() {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "Database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

type sessionPurger interface {
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// runJanitor drops expired session records and idle rate-limit entries until
// ctx is done.
func (a *App) runJanitor(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.sweep(ctx)
		}
	}
}

func (a *App) sweep(ctx context.Context) {
	if p, ok := a.DB.(sessionPurger); ok {
		sctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
		n, err := p.PurgeExpiredSessions(sctx, time.Now())
		cancel()
		if err != nil {
			a.logger.Warn("purging expired sessions", "error", err)
		} else if n > 0 {
			a.logger.Info("purged expired sessions", "count", n)
		}
	}
	a.limiter.Sweep(time.Hour)
}

func openDB(ctx context.Context, c *cfg.Config, log *slog.Logger) (DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		return NewSQLiteDB(ctx, c.SQLiteFile)
	case "postgres":
		log.Info("applying database migrations", "dir", c.MigrationsDir)
		if err := dbmigrate.Apply(c.MigrationsDir, c.PostgresDSN, logger.WithComponent(log, "migrate")); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		p, err := NewPostgresDB(ctx, c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Info("connected to PostgreSQL database")
		return p, nil
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
		return NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
}

func main() {
	c, err := cfg.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(c.LogLevel, c.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, c, log)
	if err != nil {
		log.Error("database init", "adapter", c.DBAdapter, "error", err)
		os.Exit(1)
	}

	app, err := NewApp(c, db, log)
	if err != nil {
		log.Error("app init", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Handler:           app.Router(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "port", c.Port, "adapter", c.DBAdapter)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return app.runJanitor(gCtx, janitorInterval)
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if closer, ok := db.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server exited properly")
}
