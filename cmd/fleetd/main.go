// Command fleetd launches the bike-share fleet coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/dragorhast/fleet/internal/app/rental"
	"github.com/dragorhast/fleet/internal/app/reservation"
	"github.com/dragorhast/fleet/internal/app/session"
	"github.com/dragorhast/fleet/internal/app/sourcer"
	"github.com/dragorhast/fleet/internal/app/ticketstore"
	"github.com/dragorhast/fleet/internal/events"
	"github.com/dragorhast/fleet/internal/infra/config"
	"github.com/dragorhast/fleet/internal/infra/persistence/memstore"
	"github.com/dragorhast/fleet/internal/infra/persistence/migrations"
	"github.com/dragorhast/fleet/internal/infra/persistence/postgres"
	httpserver "github.com/dragorhast/fleet/internal/infra/server/http"
	"github.com/dragorhast/fleet/internal/logging"
	"github.com/dragorhast/fleet/internal/telemetry"
)

const (
	defaultConfigPath     = "config/app.yaml"
	fleetdLoggerPrefix    = "fleetd "
	serverShutdownTimeout = 5 * time.Second
	lifecycleShutdownWait = 10 * time.Second
	telemetryShutdownWait = 5 * time.Second
)

func main() {
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newFleetdLogger()

	configPath := resolveConfigPath()
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: environment=%s", appCfg.Environment)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	appLog := logging.NewSlogLogger(nil)

	registry, sessionPickups, reservationPickups, rentalStore, reservationStore, pool := initPersistence(ctx, logger, appCfg)
	if pool != nil {
		defer pool.Close()
	}

	hub := events.NewHub(appLog, session.Events, rental.Events, reservation.Events)

	tickets := ticketstore.New(appCfg.TicketStore.MaxPerRemote, appCfg.TicketStore.Expiry)

	sessionMgr := session.New(session.Config{
		Registry:   registry,
		Pickups:    sessionPickups,
		Tickets:    tickets,
		Hub:        hub,
		Log:        appLog,
		RPCTimeout: appCfg.RPC.DefaultTimeout,
	})

	rentalMgr := rental.New(rental.Config{
		Store:     rentalStore,
		Locations: sessionMgr,
		Hub:       hub,
	})

	reservationMgr := reservation.New(reservation.Config{
		Store:   reservationStore,
		Pickups: reservationPickups,
		Bikes:   sessionMgr,
		Rentals: rentalMgr,
		Hub:     hub,
	})

	sourcerMgr := sourcer.New(reservationMgr, hub, appLog)
	if err := sourcerMgr.Subscribe(); err != nil {
		logger.Fatalf("subscribe reservation sourcer: %v", err)
	}

	if err := rentalMgr.Rebuild(ctx, todayMidnight()); err != nil {
		logger.Printf("rebuild rentals: %v", err)
	}
	if err := reservationMgr.Rebuild(ctx); err != nil {
		logger.Printf("rebuild reservations: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { tickets.RunSweeper(ctx, appCfg.TicketStore.SweepInterval, appLog) })
	lifecycle.Go(func() { runExpirySweeper(ctx, reservationMgr, appCfg.Reservation.ExpirySweep, appLog) })
	lifecycle.Go(func() { sourcerMgr.Run(ctx, appCfg.Reservation.SourcerInterval) })

	handler := httpserver.NewHandler(sessionMgr, appLog)
	server := &http.Server{
		Addr:              appCfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: appCfg.Server.ReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server: %v", err)
		}
	})
	logger.Printf("bike session server listening on %s", server.Addr)

	logger.Print("fleetd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, closing bike sockets")
	sessionMgr.CloseAll()
	sourcerMgr.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: http server: %v", err)
	}

	waitWithTimeout(&lifecycle, lifecycleShutdownWait, logger)

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownWait)
	defer telemetryCancel()
	if err := telemetryProvider.Shutdown(telemetryCtx); err != nil {
		logger.Printf("shutdown: telemetry: %v", err)
	}

	logger.Print("shutdown complete")
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newFleetdLogger() *log.Logger {
	return log.New(os.Stdout, fleetdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath() string {
	if path := os.Getenv("FLEET_CONFIG_PATH"); path != "" {
		return path
	}
	return defaultConfigPath
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = appCfg.Telemetry.Enabled
	telemetryCfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	telemetryCfg.OTLPInsecure = appCfg.Telemetry.OTLPInsecure
	telemetryCfg.MetricInterval = appCfg.Telemetry.MetricInterval
	telemetryCfg.ShutdownTimeout = appCfg.Telemetry.ShutdownTimeout
	telemetryCfg.Environment = string(appCfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialised: endpoint=%s", telemetryCfg.OTLPEndpoint)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// initPersistence wires postgres when a DSN is configured and reachable,
// falling back to the in-memory store for local runs and demos.
func initPersistence(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (
	session.Registry, session.PickupIndex, reservation.Pickups, rental.Store, reservation.Store, *pgxpool.Pool,
) {
	if appCfg.Postgres.DSN == "" {
		logger.Printf("no postgres dsn configured, using in-memory store")
		store := memstore.New()
		return store, store, store, store, store, nil
	}

	pool, err := pgxpool.New(ctx, appCfg.Postgres.DSN)
	if err != nil {
		logger.Printf("connect postgres: %v, falling back to in-memory store", err)
		store := memstore.New()
		return store, store, store, store, store, nil
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Printf("ping postgres: %v, falling back to in-memory store", err)
		pool.Close()
		store := memstore.New()
		return store, store, store, store, store, nil
	}

	if err := migrations.Apply(ctx, appCfg.Postgres.DSN, appCfg.Postgres.MigrationsPath, logger); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	store := postgres.New(pool)
	return store, store, store, store, store, pool
}

func runExpirySweeper(ctx context.Context, mgr *reservation.Manager, period time.Duration, log logging.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := mgr.ExpireOverdue(ctx, now); err != nil {
				log.Error("expire overdue reservations", logging.F("error", err.Error()))
			} else if n > 0 {
				log.Debug("expired overdue reservations", logging.F("count", n))
			}
		}
	}
}

func waitWithTimeout(lifecycle *conc.WaitGroup, timeout time.Duration, logger *log.Logger) {
	done := make(chan struct{})
	go func() {
		lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Printf("shutdown: timed out waiting for background loops")
	}
}

func todayMidnight() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
