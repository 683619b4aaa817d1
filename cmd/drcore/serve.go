package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/drcore/internal/api"
	"github.com/FairForge/drcore/internal/audit"
	"github.com/FairForge/drcore/internal/config"
	"github.com/FairForge/drcore/internal/consistency"
	"github.com/FairForge/drcore/internal/database"
	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/failover"
	"github.com/FairForge/drcore/internal/health"
	"github.com/FairForge/drcore/internal/metrics"
	"github.com/FairForge/drcore/internal/replication"
	"github.com/FairForge/drcore/internal/routing"
	"github.com/FairForge/drcore/internal/topology"
	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the failover orchestrator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	desc, err := topology.LoadDescriptor(cfg.Topology.Path)
	if err != nil {
		return err
	}
	registry, err := topology.NewRegistry(desc.RegionList(), logger)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	bus := events.NewBus(cfg.Events.HistorySize, collector)
	eventLogger := events.NewEventLogger(logger.Named("events"), cfg.Events.BufferSize)
	defer eventLogger.Close()
	if err := eventLogger.Attach(bus); err != nil {
		return err
	}

	monitor := health.NewMonitor(cfg.Health, registry.IDs(), logger, collector)
	monitor.Subscribe(func(t health.Transition) {
		if !t.IsBreach() {
			return
		}
		_ = bus.Publish(ctx, events.New(events.HealthBreach, events.SeverityCritical, string(t.Region),
			fmt.Sprintf("%s is unhealthy", t.Region)).
			With("epoch", t.Epoch).
			With("from", t.From.String()))
	})

	coord, err := replication.NewCoordinator(cfg.Replication.Coordinator(),
		replication.ChannelsFromDescriptor(desc), logger, collector)
	if err != nil {
		return err
	}
	poller := replication.NewPoller(cfg.Replication.Poller, coord,
		replication.NewSourceFactory(logger), bus, logger, collector)

	store, closeStore := routingStore(cfg, logger)
	defer closeStore()
	router := routing.NewRouter(store, logger, collector)

	journal, closeJournal, err := decisionJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	engineCfg := cfg.Failover
	engineCfg.RecordSetID = desc.Routing.RecordSetID
	engineCfg.RoutingMode = routing.Mode(desc.Routing.Mode)

	deps := failover.Dependencies{
		Registry:    registry,
		Health:      monitor,
		Replication: coord,
		Router:      router,
		Journal:     journal,
		Bus:         bus,
	}

	var auditor *consistency.Auditor
	if cfg.Consistency.Enabled {
		source, err := consistency.NewSQLSource(regionDSNs(cfg.Consistency.DSNs), cfg.Consistency.Tables, logger)
		if err != nil {
			return err
		}
		defer func() { _ = source.Close() }()
		auditor = consistency.NewAuditor(cfg.Consistency.Auditor(), source, bus, logger, collector)
		deps.Auditor = auditor
	}

	engine, err := failover.NewEngine(engineCfg, deps, logger, collector)
	if err != nil {
		return err
	}
	monitor.Subscribe(engine.Observe)

	server := api.NewServer(cfg, api.Dependencies{
		Engine:      engine,
		Health:      monitor,
		Replication: coord,
		Router:      router,
		Topology:    registry,
		Journal:     journal,
		Events:      bus,
	}, logger, collector)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(engine.Run(ctx)) })
	g.Go(func() error { return poller.Run(ctx) })
	if auditor != nil {
		g.Go(func() error {
			return auditor.RunCapture(ctx, func() topology.RegionID {
				p, _ := registry.Primary()
				return p.ID
			})
		})
	}

	if cfg.Topology.Watch {
		watcher := topology.NewWatcher(cfg.Topology.Path, logger)
		if err := watcher.Watch(ctx, reloadTopology(ctx, registry, monitor, coord, bus, logger)); err != nil {
			return err
		}
	}

	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	primary, _ := registry.Primary()
	logger.Info("drcore started",
		zap.Int("port", cfg.Server.Port),
		zap.String("primary", string(primary.ID)),
		zap.Int("regions", len(desc.Regions)),
		zap.Int("channels", len(desc.Channels)),
		zap.String("record_set", engineCfg.RecordSetID))

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// routingStore uses Redis when configured so that several orchestrator
// replicas share one versioned record set
func routingStore(cfg *config.Config, logger *zap.Logger) (routing.Store, func()) {
	if cfg.Redis.Addr == "" {
		return routing.NewMemoryStore(), func() {}
	}
	client := rdb.NewClient(&rdb.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info("using redis routing store", zap.String("addr", cfg.Redis.Addr))
	return routing.NewRedisStore(client, cfg.Redis.Prefix), func() { _ = client.Close() }
}

func decisionJournal(ctx context.Context, cfg *config.Config, logger *zap.Logger) (audit.Journal, func(), error) {
	if !cfg.Database.Enabled() {
		logger.Warn("no database configured, failover decisions are kept in memory only")
		return audit.NewMemoryJournal(), func() {}, nil
	}

	db, err := database.NewPostgres(cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.Ping(initCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect decision journal: %w", err)
	}
	if err := db.CreateTables(initCtx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return audit.NewPostgresJournal(db, logger), func() { _ = db.Close() }, nil
}

func reloadTopology(ctx context.Context, registry *topology.Registry, monitor *health.Monitor,
	coord *replication.Coordinator, bus *events.Bus, logger *zap.Logger) topology.ReloadFunc {
	return func(desc *topology.Descriptor) error {
		version, err := registry.Reload(desc.RegionList())
		if err != nil {
			return err
		}
		monitor.SyncRegions(registry.IDs())
		current, _ := registry.Primary()
		declared := desc.DeclaredPrimary()
		if declared == "" {
			declared = current.ID
		}
		if err := coord.SyncChannels(replication.ChannelsFromDescriptor(desc), declared, current.ID); err != nil {
			logger.Error("replication channels not synced", zap.Error(err))
		}
		return bus.Publish(ctx, events.New(events.TopologyReloaded, events.SeverityInfo, "",
			"topology descriptor reloaded").
			With("version", version).
			With("regions", len(desc.Regions)))
	}
}

func regionDSNs(in map[string]string) map[topology.RegionID]string {
	out := make(map[topology.RegionID]string, len(in))
	for region, dsn := range in {
		out[topology.RegionID(region)] = dsn
	}
	return out
}
