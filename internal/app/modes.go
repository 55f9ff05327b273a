package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/comicmarket/internal/crypto"
	"github.com/alanyoungcy/comicmarket/internal/server"
	"github.com/alanyoungcy/comicmarket/internal/server/handler"
	"github.com/alanyoungcy/comicmarket/internal/server/ws"
)

const shutdownTimeout = 5 * time.Second

// ServerMode serves the HTTP API and WebSocket feed. The notifier runs
// alongside because request handlers finalize settlements.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// SweeperMode runs only the reservation sweeper. Several sweeper processes
// coordinate through the redis lock when redis is enabled.
func (a *App) SweeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweeper mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	g.Go(func() error {
		return deps.Sweeper.Run(ctx)
	})
	return g.Wait()
}

// ArchiveMode runs only the cold-storage archive loop.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return errors.New("app: archive mode needs an archiver (postgres backend and s3)")
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startArchiveLoop(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the server, sweeper and archive loop in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	g.Go(func() error {
		return deps.Sweeper.Run(ctx)
	})
	if deps.Archiver != nil {
		a.startArchiveLoop(ctx, g, deps)
	}
	return g.Wait()
}

func (a *App) startNotifier(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Notifier.Run(ctx)
	})
}

// startArchiveLoop archives on start and then on every interval tick.
// A failed run is logged and retried on the next tick.
func (a *App) startArchiveLoop(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	interval := a.cfg.Archive.Interval.Duration
	retention := a.cfg.Archive.RetentionDays

	run := func() {
		before := archiveCutoff(time.Now(), retention)
		n, err := deps.Archiver.ArchiveTransactions(ctx, before)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "archive run failed",
					slog.Time("before", before),
					slog.String("error", err.Error()),
				)
				deps.Notifier.Incident(ctx, "transaction archive failed", map[string]any{
					"before": before.Format(time.RFC3339),
					"error":  err.Error(),
				})
			}
			return
		}
		a.logger.InfoContext(ctx, "archive run complete",
			slog.Time("before", before),
			slog.Int64("records", n),
		)
	}

	g.Go(func() error {
		run()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				run()
			}
		}
	})
}

// startHTTPServer adds the HTTP server and, when a signal bus is wired, the
// WebSocket hub to g. The server shuts down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sc := a.cfg.Server

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, sc.CORSOrigins, a.root)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "websocket feed disabled: redis is off")
	}

	srvCfg := server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
	}
	if sc.IdentitySecret != "" {
		srvCfg.Identity = &crypto.IdentityAuth{
			Secret:  []byte(sc.IdentitySecret),
			MaxSkew: sc.IdentityMaxSkew.Duration,
		}
	}
	if deps.RateLimiter != nil {
		srvCfg.RateLimit = sc.RateLimit
	}

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.cfg.Mode, a.cfg.Storage.Backend, deps.Pingers, a.root),
		Listings: handler.NewListingHandler(deps.Coordinator, deps.Listings, a.root),
		Attempts: handler.NewAttemptHandler(deps.Coordinator, a.root),
		Ledger:   handler.NewLedgerHandler(deps.Ledger, deps.Stats, a.root),
		History:  handler.NewHistoryHandler(deps.History, deps.Coordinator, a.root),
	}
	srv := server.NewServer(srvCfg, handlers, hub, deps.RateLimiter, a.root)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
