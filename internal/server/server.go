// Package server wires the orchestration core together: key-value store,
// COMMS client, event bus and store, dispatcher, saga orchestrator and the
// HTTP health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/orchestration-core/internal/config"
	"github.com/morezero/orchestration-core/pkg/bootstrap"
	"github.com/morezero/orchestration-core/pkg/commsutil"
	"github.com/morezero/orchestration-core/pkg/db"
	"github.com/morezero/orchestration-core/pkg/dispatcher"
	"github.com/morezero/orchestration-core/pkg/events"
	"github.com/morezero/orchestration-core/pkg/kv"
	"github.com/morezero/orchestration-core/pkg/saga"
)

const logPrefix = "server:server"

// Setup registers handlers, read models and saga definitions before the
// server recovers instances and starts accepting requests.
type Setup func(ctx context.Context, d *dispatcher.Dispatcher, o *saga.Orchestrator) error

// Server holds the running components.
type Server struct {
	cfg        *config.Config
	store      kv.Store
	redis      *kv.RedisStore
	pool       *pgxpool.Pool
	nc         *comms.Conn
	subs       []*comms.Subscription
	disp       *dispatcher.Dispatcher
	orch       *saga.Orchestrator
	httpServer *http.Server
	ready      atomic.Bool
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run(setups ...Setup) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	slog.Info(fmt.Sprintf("%s - Starting %s", logPrefix, cfg.COMMSName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}

	// Step 1: Connect to database when a backend needs it
	if cfg.NeedsDatabase() {
		if cfg.RunMigrations {
			if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
				return fmt.Errorf("%s - failed to ensure database: %w", logPrefix, err)
			}
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool

		// Step 1b: Run migrations if enabled
		if cfg.RunMigrations {
			migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
			if err != nil {
				s.close()
				return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrations); err != nil {
				s.close()
				return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
	}

	// Step 2: Key-value store
	switch cfg.KVBackend {
	case config.KVBackendPostgres:
		s.store = kv.NewPostgresStore(s.pool)
	default:
		s.redis = kv.NewRedisStore(kv.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s.store = s.redis
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.HealthCheckTimeout)
	err = s.store.Ping(pingCtx)
	pingCancel()
	if err != nil {
		s.close()
		return fmt.Errorf("%s - key-value store unreachable: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Key-value backend: %s", logPrefix, cfg.KVBackend))

	// Step 3: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		s.close()
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	// Step 4: Event bus and store
	bus := events.NewNatsBus(nc, &events.NatsBusOpts{SubjectPrefix: cfg.EventSubjectPrefix})
	var eventStore events.Store
	switch cfg.EventStore {
	case config.EventStorePostgres:
		eventStore = db.NewEventRepository(s.pool)
	default:
		eventStore = events.NewMemoryStore()
	}
	slog.Info(fmt.Sprintf("%s - Event store: %s", logPrefix, cfg.EventStore))

	// Step 5: Dispatcher and saga orchestrator
	if err := s.build(bus, eventStore); err != nil {
		s.close()
		return err
	}
	defs, err := bootstrap.LoadDefinitions(cfg.SagaDefinitionsFile)
	if err != nil {
		s.close()
		return fmt.Errorf("%s - failed to load saga definitions: %w", logPrefix, err)
	}
	if err := bootstrap.Register(s.orch, defs); err != nil {
		s.close()
		return err
	}
	for _, setup := range setups {
		if err := setup(ctx, s.disp, s.orch); err != nil {
			s.close()
			return fmt.Errorf("%s - setup failed: %w", logPrefix, err)
		}
	}

	// Step 6: Resume unfinished sagas, then start the background loops
	if _, err := s.orch.Recover(ctx); err != nil {
		s.close()
		return fmt.Errorf("%s - failed to recover sagas: %w", logPrefix, err)
	}
	go func() {
		if err := s.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error(fmt.Sprintf("%s - saga sweep stopped: %v", logPrefix, err))
		}
	}()
	if purger, ok := s.store.(*kv.PostgresStore); ok {
		go s.purgeLoop(ctx, purger)
	}

	// Step 7: Subscribe to request subjects
	if err := s.subscribe(ctx); err != nil {
		s.close()
		return err
	}

	// Step 8: Start HTTP health server
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	s.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - Orchestrator is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	s.ready.Store(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
	}
	cancel()
	s.close()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// build creates the dispatcher and the saga orchestrator on top of s.store.
func (s *Server) build(bus events.Bus, eventStore events.Store) error {
	disp, err := dispatcher.New(dispatcher.Params{
		Store:      s.store,
		Bus:        bus,
		EventStore: eventStore,
		Config: dispatcher.Config{
			CommandRetention:     s.cfg.CommandRetention,
			QueryCacheDefaultTTL: s.cfg.QueryCacheDefaultTTL,
			QueryCacheTTLs:       s.cfg.QueryCacheTTLs,
		},
	})
	if err != nil {
		return fmt.Errorf("%s - failed to create dispatcher: %w", logPrefix, err)
	}
	s.disp = disp

	orch, err := saga.New(saga.Params{
		Dispatcher: disp,
		Store:      s.store,
		Bus:        bus,
		Config: saga.Config{
			Retention:     s.cfg.SagaRetention,
			SweepInterval: s.cfg.SagaSweepInterval,
		},
	})
	if err != nil {
		return fmt.Errorf("%s - failed to create saga orchestrator: %w", logPrefix, err)
	}
	s.orch = orch
	return nil
}

func (s *Server) purgeLoop(ctx context.Context, store *kv.PostgresStore) {
	ticker := time.NewTicker(s.cfg.KVPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - failed to purge expired entries: %v", logPrefix, err))
				continue
			}
			if n > 0 {
				slog.Info(fmt.Sprintf("%s - Purged %d expired entries", logPrefix, n))
			}
		}
	}
}

// close releases whatever has been started, in reverse order.
func (s *Server) close() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - unsubscribe %s: %v", logPrefix, sub.Subject, err))
		}
	}
	s.subs = nil
	if s.orch != nil {
		if err := s.orch.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - saga orchestrator close: %v", logPrefix, err))
		}
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			slog.Warn(fmt.Sprintf("%s - NATS drain: %v", logPrefix, err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - redis close: %v", logPrefix, err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
