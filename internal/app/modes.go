package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/bidround/internal/server"
	"github.com/alanyoungcy/bidround/internal/server/handler"
	"github.com/alanyoungcy/bidround/internal/server/ws"
	"github.com/alanyoungcy/bidround/internal/service"
	"github.com/alanyoungcy/bidround/internal/settlement"
)

// services is what every mode runs on top of the wired dependencies.
type services struct {
	engine *settlement.Engine
	sink   *service.EventSink
	rounds *service.RoundService
	ledger *service.LedgerService
	hub    *ws.Hub
}

// buildServices constructs the settlement engine and the services around
// it. withHub adds the websocket hub, which also receives events directly
// when no signal bus is configured.
func (a *App) buildServices(deps *Dependencies, withHub bool) *services {
	s := &services{}

	var local service.Publisher
	if withHub {
		s.hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:           a.cfg.Mode,
			Channel:        service.ChannelRounds,
			AllowedOrigins: a.cfg.Server.CORSOrigins,
			Stream:         service.StreamRounds,
			StartedAt:      time.Now().UTC(),
		})
		local = s.hub
	}

	s.sink = service.NewEventSink(service.SinkDeps{
		Bus:      deps.SignalBus,
		Local:    local,
		Audit:    deps.auditStore(),
		Notifier: deps.Notifier,
	}, a.logger.With(slog.String("component", "event_sink")))

	s.engine = settlement.NewEngine(
		deps.Store,
		deps.LockManager,
		deps.Book,
		deps.Issuer,
		settlement.Config{
			HeirTimeout:    a.cfg.Settlement.HeirTimeout.Duration,
			LockTTL:        a.cfg.Settlement.LockTTL.Duration,
			LockRetry:      a.cfg.Settlement.LockWait.Duration,
			RoundDeposit:   a.cfg.Settlement.RoundDeposit,
			VoucherDeposit: a.cfg.Settlement.VoucherDeposit,
		},
		a.logger.With(slog.String("component", "settlement")),
	)
	s.engine.SetEmitter(s.sink)

	s.rounds = service.NewRoundService(s.engine, deps.Store, deps.RoundCache, deps.archiver(), a.logger)
	s.ledger = service.NewLedgerService(deps.Store, deps.Book, a.logger)
	return s
}

// APIMode serves the HTTP and websocket API.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps, true)
	a.startEventSink(ctx, g, svc)
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// MaintenanceMode runs the migration sweep and the audit archive loop
// without serving requests.
func (a *App) MaintenanceMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting maintenance mode")

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps, false)
	a.startEventSink(ctx, g, svc)
	g.Go(func() error {
		return a.runMaintenance(ctx, deps, svc)
	})
	return g.Wait()
}

// FullMode runs the API and the maintenance loop in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps, true)
	a.startEventSink(ctx, g, svc)
	a.startHTTPServer(ctx, g, deps, svc)
	g.Go(func() error {
		return a.runMaintenance(ctx, deps, svc)
	})
	return g.Wait()
}

func (a *App) startEventSink(ctx context.Context, g *errgroup.Group, svc *services) {
	g.Go(func() error {
		return svc.sink.Run(ctx)
	})
}

// startHTTPServer adds the websocket hub and the HTTP server to the given
// errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Rounds: handler.NewRoundHandler(svc.rounds, a.logger),
		Ledger: handler.NewLedgerHandler(svc.ledger, a.logger),
	}
	if deps.Archiver != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.Archiver, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		OperatorKey: a.cfg.Server.OperatorKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, svc.hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return svc.hub.Run(ctx)
	})

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// runMaintenance performs one pass immediately and then one per configured
// interval until ctx is cancelled.
func (a *App) runMaintenance(ctx context.Context, deps *Dependencies, svc *services) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.maintenancePass(ctx, deps, svc)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *App) maintenancePass(ctx context.Context, deps *Dependencies, svc *services) {
	start := time.Now()

	migrated, err := svc.rounds.MigrateAll(ctx, a.cfg.Archive.MigratePageSize)
	if err != nil && ctx.Err() == nil {
		a.logger.ErrorContext(ctx, "maintenance: migration sweep failed",
			slog.String("error", err.Error()),
		)
	}

	var archived int64
	if deps.Archiver != nil && deps.Audit != nil && a.cfg.Archive.Retention.Duration > 0 {
		cutoff := time.Now().UTC().Add(-a.cfg.Archive.Retention.Duration)
		archived, err = deps.Archiver.ArchiveAudit(ctx, cutoff)
		if err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "maintenance: audit archive failed",
				slog.Time("cutoff", cutoff),
				slog.String("error", err.Error()),
			)
		}
	}

	a.logger.InfoContext(ctx, "maintenance: pass complete",
		slog.Int("migrated", migrated),
		slog.Int64("audit_archived", archived),
		slog.Duration("elapsed", time.Since(start)),
	)
}
