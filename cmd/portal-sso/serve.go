package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lstoll/oidcrp"
	"github.com/lstoll/oidcrp/config"
	"github.com/lstoll/oidcrp/metrics"
	"github.com/lstoll/oidcrp/middleware"
	"github.com/lstoll/oidcrp/provision"
	"github.com/lstoll/oidcrp/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the portal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	key, err := cfg.CredentialKey()
	if err != nil {
		return err
	}
	creds, err := storage.NewCredentialStore(key)
	if err != nil {
		return err
	}
	users := storage.NewUserStore(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	prov, err := provision.New(users, creds, &provision.Options{
		Attributes:     cfg.OIDC.Attributes,
		UsernamePrefix: cfg.OIDC.UsernamePrefix,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return err
	}

	auth, err := oidcrp.New(cfg.OIDC, prov, &oidcrp.Options{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return fmt.Errorf("%+v", err)
	}

	store, closeStore, err := newSessionStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	base, err := url.Parse(cfg.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("parsing base URL: %w", err)
	}

	h := &middleware.Handler{
		Authenticator: auth,
		SessionStore:  store,
		BaseURL:       base.JoinPath("/").String(),
		CallbackURL:   base.JoinPath("/callback").String(),
		Logger:        logger,
	}

	p := &portal{users: users, creds: creds, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer)
	r.Get("/", p.home)
	r.Get("/login", h.Login)
	r.Get("/callback", h.Callback)
	r.Get("/logout", h.Logout)
	r.Method(http.MethodGet, "/account", h.Wrap(http.HandlerFunc(p.account)))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("Listening", slog.String("addr", cfg.Server.Listen), slog.String("base_url", cfg.Server.BaseURL))
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func newSessionStore(cfg *config.Config) (middleware.SessionStore, func(), error) {
	cookie := &http.Cookie{
		Name:     cfg.Session.CookieName,
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.Session.Secure,
		SameSite: http.SameSiteLaxMode,
	}

	switch cfg.Session.Store {
	case config.SessionStoreMemory:
		return &middleware.MemorySessionStore{CookieTemplate: cookie}, func() {}, nil
	case config.SessionStoreRedis:
		rc := redis.NewClient(&redis.Options{Addr: cfg.Session.RedisAddr})
		return &middleware.RedisSessionStore{
			Client:         rc,
			CookieTemplate: cookie,
			TTL:            time.Duration(cfg.Session.TTL),
		}, func() { _ = rc.Close() }, nil
	default:
		keys, err := cfg.CookieKeyPairs()
		if err != nil {
			return nil, nil, err
		}
		cs := sessions.NewCookieStore(keys...)
		cs.Options.Path = cookie.Path
		cs.Options.HttpOnly = cookie.HttpOnly
		cs.Options.Secure = cookie.Secure
		cs.Options.SameSite = cookie.SameSite
		return &middleware.GorillaSessions{Store: cs, SessionName: cfg.Session.CookieName}, func() {}, nil
	}
}
