// Package app wires all components in dependency order:
// store -> registry -> broadcast -> hub manager -> router -> transport -> HTTP.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"classhub/internal/api"
	"classhub/internal/auth"
	"classhub/internal/broadcast"
	"classhub/internal/config"
	"classhub/internal/hub"
	"classhub/internal/registry"
	"classhub/internal/router"
	"classhub/internal/store"
	"classhub/internal/ws"
)

// Application owns every long-lived component of the process.
type Application struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      *store.SQLite
	registry   *registry.Registry
	hubs       *hub.Manager
	cmdRouter  *router.Router
	httpServer *http.Server

	cleanupStop chan struct{}
}

// New builds the application. Open sessions persisted by a previous run get
// their hubs rehydrated so student clients can reconnect after a restart.
func New(cfg *config.Config, log zerolog.Logger) (*Application, error) {
	db, err := store.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	reg := registry.New()
	engine := broadcast.New(reg, log)
	hubs := hub.NewManager(reg, engine, log, hub.ManagerOptions{
		Capacity:      cfg.SessionCapacity,
		IdleTimeout:   cfg.SessionIdleTimeout,
		TeardownGrace: cfg.TeardownGrace,
	})
	reg.SetGate(hubs)

	hubs.OnSessionEnded = func(code string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.MarkEnded(ctx, code); err != nil {
			log.Error().Err(err).Str("session", code).Msg("failed to persist session end")
		}
	}

	// Rehydrate hubs for sessions that were open when the process last
	// stopped.
	startup, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	records, err := db.ListOpen(startup)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	for _, rec := range records {
		if _, err := hubs.Open(rec.Code, rec.TeacherID, rec.Name); err != nil {
			log.Warn().Err(err).Str("session", rec.Code).Msg("failed to rehydrate session hub")
		}
	}
	if len(records) > 0 {
		log.Info().Int("sessions", len(records)).Msg("rehydrated open sessions")
	}

	verifier := auth.NewVerifier(cfg.TokenSecret, cfg.TokenTTL)
	cmdRouter := router.New(hubs, cfg.ActivityReportsPerMinute, log)
	wsHandler := ws.NewHandler(reg, verifier, cmdRouter, ws.Config{
		PingInterval:   cfg.PingInterval,
		ReadDeadline:   cfg.ReadDeadline,
		WriteTimeout:   cfg.WriteTimeout,
		SendBufferSize: cfg.SendBufferSize,
		AuthTimeout:    cfg.AuthTimeout,
	}, log)
	apiServer := api.NewServer(db, db, verifier, hubs, reg, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)
	mux.Handle("/", apiServer)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	return &Application{
		cfg:         cfg,
		log:         log,
		store:       db,
		registry:    reg,
		hubs:        hubs,
		cmdRouter:   cmdRouter,
		httpServer:  httpServer,
		cleanupStop: make(chan struct{}),
	}, nil
}

// Start begins serving. It returns once the listener is up or startup fails.
func (a *Application) Start(ctx context.Context) error {
	a.log.Info().Str("addr", a.httpServer.Addr).Msg("starting classhub")

	go a.cleanupLoop()

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		a.log.Info().Msg("classhub started")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts everything down: listener first so no new connections arrive,
// then hubs, then the store.
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info().Msg("stopping classhub")

	close(a.cleanupStop)
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("http shutdown did not complete cleanly")
	}
	a.hubs.Shutdown()
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	a.log.Info().Msg("classhub stopped")
	return nil
}

func (a *Application) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.cmdRouter.CleanupLimiter()
		case <-a.cleanupStop:
			return
		}
	}
}
