// Package server wires the HTTP surface: the websocket endpoint, health, and
// metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	aictx "github.com/anima-research/animachat/ai/context"
	"github.com/anima-research/animachat/ai/metrics"
	"github.com/anima-research/animachat/ai/provider"
	"github.com/anima-research/animachat/chat"
	"github.com/anima-research/animachat/config"
	"github.com/anima-research/animachat/grants"
	"github.com/anima-research/animachat/internal/profile"
	"github.com/anima-research/animachat/server/room"
	"github.com/anima-research/animachat/store/blob"
	"github.com/anima-research/animachat/store/eventlog"
	"github.com/anima-research/animachat/store/state"
	"github.com/anima-research/animachat/users"
)

// Server is the assembled service.
type Server struct {
	Profile *profile.Profile

	echo     *echo.Echo
	log      *eventlog.Manager
	blobs    *blob.Store
	states   *state.Store
	svc      *chat.Service
	users    *users.Store
	ledger   *grants.Ledger
	loader   *config.Loader
	engine   *aictx.Engine
	selector *provider.Selector
	driver   *provider.Driver
	rooms    *room.Manager
	exporter *metrics.Exporter

	limiter *userLimiter

	heartbeatCancel context.CancelFunc
}

// NewServer opens every store, replays state, and registers routes. The
// returned server is ready to Start.
func NewServer(ctx context.Context, p *profile.Profile) (*Server, error) {
	log, err := eventlog.Open(p.Data)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.Open(p.Data + "/blobs")
	if err != nil {
		return nil, err
	}
	states, err := state.Open(p.Data+"/conversation-state", p.Data+"/user-conversation-state")
	if err != nil {
		return nil, err
	}
	loader, err := config.NewLoader(p.ConfigDir)
	if err != nil {
		return nil, err
	}

	exporter := metrics.NewExporter(metrics.DefaultConfig())
	log.SetMetrics(exporter)
	blobs.SetMetrics(exporter)
	svc := chat.NewService(log, states)
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}
	userStore := users.NewStore(log)
	if err := userStore.Replay(); err != nil {
		return nil, err
	}
	ledger := grants.NewLedger(log)
	if err := ledger.Replay(); err != nil {
		return nil, err
	}

	rooms := room.NewManager(room.WithMetrics(exporter))
	engine := aictx.NewEngine()
	selector := provider.NewSelector()
	driver := provider.NewDriver(svc, engine, selector, loader, rooms,
		provider.WithStreamTimeout(time.Duration(p.StreamTimeoutSeconds)*time.Second),
		provider.WithMetrics(exporter))

	s := &Server{
		Profile:  p,
		log:      log,
		blobs:    blobs,
		states:   states,
		svc:      svc,
		users:    userStore,
		ledger:   ledger,
		loader:   loader,
		engine:   engine,
		selector: selector,
		driver:   driver,
		rooms:    rooms,
		exporter: exporter,
		limiter:  newUserLimiter(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI: true, LogStatus: true, LogMethod: true,
		LogValuesFunc: logRequest,
	}))

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	e.GET("/api/ws", s.handleWebsocket)
	e.POST("/api/reload", s.handleReload)
	s.echo = e
	return s, nil
}

// Start begins serving and launches the heartbeat sweep. Blocks until the
// listener fails or Shutdown runs.
func (s *Server) Start(ctx context.Context) error {
	hbCtx, cancel := context.WithCancel(ctx)
	s.heartbeatCancel = cancel
	go s.rooms.RunHeartbeat(hbCtx)
	return s.echo.Start(s.Profile.ListenAddr())
}

// Shutdown stops the listener and closes the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.log.Close()
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.Profile.Version,
	})
}

// handleReload re-reads config.json and models.json.
func (s *Server) handleReload(c echo.Context) error {
	if err := s.loader.Reload(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "reload failed").SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func logRequest(c echo.Context, v middleware.RequestLoggerValues) error {
	slog.Info("http request",
		"method", v.Method, "uri", v.URI, "status", v.Status)
	return nil
}
