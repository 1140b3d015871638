// ABOUTME: Gateway orchestrator wiring the HTTP server, store, and lifecycle components
// ABOUTME: Owns startup and graceful shutdown of the WebSocket endpoints and sweeper

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/bot"
	"github.com/2389/hearth/internal/broadcast"
	"github.com/2389/hearth/internal/config"
	"github.com/2389/hearth/internal/presence"
	"github.com/2389/hearth/internal/room"
	"github.com/2389/hearth/internal/store"
	"github.com/2389/hearth/internal/sweeper"
)

// Gateway orchestrates the hearth-gateway server components: the HTTP
// server carrying both WebSocket endpoints, the broadcast router, the room
// engine, the presence registry, and the background sweeper.
type Gateway struct {
	config     *config.Config
	store      store.Store
	gate       *auth.Gate
	router     *broadcast.Router
	engine     *room.Engine
	presence   *presence.Registry
	sweeper    *sweeper.Sweeper
	httpServer *http.Server
	echo       *echo.Echo
	logger     *slog.Logger
}

// New creates a Gateway with all components wired. The store is owned by
// the gateway and closed on shutdown.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	gate := auth.NewGate(verifier, s, logger)
	router := broadcast.NewRouter(logger)

	var responder bot.Responder
	if cfg.Bot.Enabled {
		responder = bot.NewOpenAIResponder(&bot.Config{
			BaseURL: cfg.Bot.BaseURL,
			APIKey:  cfg.Bot.APIKey,
			Model:   cfg.Bot.Model,
		})
	}

	g := &Gateway{
		config:   cfg,
		store:    s,
		gate:     gate,
		router:   router,
		engine:   room.NewEngine(s, gate, router, responder, logger),
		presence: presence.NewRegistry(s, router, logger),
		sweeper: sweeper.New(s, router,
			cfg.Sessions.SweepInterval, cfg.Sessions.GracePeriod, logger),
		logger: logger.With("component", "gateway"),
	}

	g.echo = g.buildEcho()
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// buildEcho assembles the HTTP routes.
func (g *Gateway) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			g.logger.Debug("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status)
			return nil
		},
	}))

	e.GET("/healthz", g.handleHealth)
	e.GET("/ws/visitor", g.handleVisitorWS)
	e.GET("/ws/agent", g.handleAgentWS)
	return e
}

// Start runs the HTTP server and the sweeper until ctx is cancelled, then
// shuts everything down.
func (g *Gateway) Start(ctx context.Context) error {
	g.sweeper.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.config.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	return g.Shutdown()
}

// Shutdown stops the HTTP server, waits for the sweeper, and closes the
// router and store.
func (g *Gateway) Shutdown() error {
	g.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	g.sweeper.Wait()
	g.router.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	g.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// handleHealth reports liveness plus basic runtime counts.
func (g *Gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
