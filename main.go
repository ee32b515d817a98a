package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/drydock-dev/gangway/internal/activity"
	"github.com/drydock-dev/gangway/internal/auth"
	"github.com/drydock-dev/gangway/internal/config"
	"github.com/drydock-dev/gangway/internal/database"
	"github.com/drydock-dev/gangway/internal/handlers"
	"github.com/drydock-dev/gangway/internal/hostkeys"
	"github.com/drydock-dev/gangway/internal/keyring"
	"github.com/drydock-dev/gangway/internal/logging"
	"github.com/drydock-dev/gangway/internal/opk"
	"github.com/drydock-dev/gangway/internal/session"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	kr := keyring.New()
	store := keyring.NewStore(kr)

	keys, err := hostkeys.New(config.Cfg.DataDir)
	if err != nil {
		log.Fatalf("Host key store init: %v", err)
	}

	tokens := opk.NewTokenStore(kr)
	opkBinary := config.Cfg.OPKBinaryPath
	if opkBinary == "" {
		opkBinary = "opkssh"
	}
	opkMgr := opk.NewManager(opkBinary, config.Cfg.DataDir, config.Cfg.Origin, tokens)
	if config.Cfg.OPKTimeout > 0 {
		opkMgr.Timeout = config.Cfg.OPKTimeout
	}

	c := cron.New()
	if err := tokens.SchedulePurge(c); err != nil {
		log.Fatalf("Schedule token purge: %v", err)
	}
	c.Start()

	registry := session.NewRegistry(config.Cfg.MaxTerminalSessions, config.Cfg.MaxSessionsPerUser)

	handlers.Verifier = auth.NewVerifier(config.Cfg.JWTSecret)
	handlers.Registry = registry
	handlers.OPKMgr = opkMgr
	handlers.Keyring = kr
	handlers.InternalAuthToken = config.Cfg.InternalAuthToken
	handlers.SessionDeps = session.Deps{
		Store:          store,
		Keys:           keys,
		Tokens:         tokens,
		OPK:            opkMgr,
		Activity:       activity.New(config.Cfg.ActivityLogURL, config.Cfg.InternalAuthToken),
		ConnectTimeout: config.Cfg.ConnectTimeout,
		AuthTimeout:    config.Cfg.AuthTimeout,
		ShellTimeout:   config.Cfg.ShellTimeout,
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Get("/ws/terminal", handlers.TerminalWS)
	r.Get("/ws/tunnel", handlers.TunnelWS)
	r.Get("/ws/files", handlers.FilesWS)
	r.Get("/ws/stats", handlers.StatsWS)
	r.Get("/ws/docker", handlers.DockerWS)

	r.Get("/ssh/opkssh-callback", handlers.OPKCallback)
	r.Get("/ssh/opkssh-chooser/{requestId}", handlers.OPKChooser)
	r.HandleFunc("/ssh/opkssh-chooser/{requestId}/*", handlers.OPKChooser)

	r.Post("/internal/keyring/unlock", handlers.KeyringUnlock)
	r.Post("/internal/keyring/lock", handlers.KeyringLock)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.Shutdown(shutdownCtx)
	opkMgr.Shutdown()
	c.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
