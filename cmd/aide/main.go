package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/aide/internal/agent"
	"github.com/nidhogg/aide/internal/api"
	"github.com/nidhogg/aide/internal/bus"
	"github.com/nidhogg/aide/internal/config"
	"github.com/nidhogg/aide/internal/embedding"
	"github.com/nidhogg/aide/internal/graph"
	"github.com/nidhogg/aide/internal/localdb"
	"github.com/nidhogg/aide/internal/memory"
	"github.com/nidhogg/aide/internal/notify"
	"github.com/nidhogg/aide/internal/orchestrator"
	"github.com/nidhogg/aide/internal/proactive"
	pgstore "github.com/nidhogg/aide/internal/store"
	"github.com/nidhogg/aide/internal/task"
	"github.com/nidhogg/aide/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	cfgPath := config.Path()
	cfg, cfgErr := config.Load(cfgPath)
	if errors.Is(cfgErr, fs.ErrNotExist) {
		cfg, cfgErr = config.Default(), nil
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	if cfgErr != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(cfgErr))
	}
	logger.Info("Starting aide...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Message bus
	var mb bus.Bus
	if cfg.Database.Redis.URL != "" {
		rb, err := bus.NewRedisBus(cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, using in-process bus", zap.Error(err))
		} else {
			mb = rb
		}
	}
	if mb == nil {
		mb = bus.NewLocalBus(logger)
	}
	defer mb.Close()

	// Memory stack
	writer := memory.NewWriter(logger)
	defer writer.Close()

	unified, err := memory.NewUnified(cfg.Unified(), writer, logger)
	if err != nil {
		logger.Fatal("failed to load unified memory", zap.Error(err))
	}

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		logger.Fatal("bad embedding config", zap.Error(err))
	}
	var index vectorstore.Index
	if embedder != nil {
		index = vectorstore.NewMemoryIndex()
		if cfg.Database.Qdrant.Host != "" {
			q, qErr := vectorstore.NewQdrant(cfg.Database.Qdrant)
			if qErr != nil {
				logger.Warn("Qdrant unavailable, using in-process index", zap.Error(qErr))
			} else {
				index = q
				logger.Info("Qdrant connected", zap.String("host", cfg.Database.Qdrant.Host))
			}
		}
		defer index.Close()
	}
	longTerm, err := memory.NewLongTerm(cfg.Memory.DataDir, embedder, index, writer, logger)
	if err != nil {
		logger.Fatal("failed to load long-term memory", zap.Error(err))
	}

	var records memory.RecordStore
	var insights proactive.InsightStore
	if path := cfg.Database.SQLite.Path; path != "" {
		db, dbErr := localdb.Open(path, logger)
		if dbErr != nil {
			logger.Warn("SQLite unavailable, enhanced memory is in-process only", zap.Error(dbErr))
		} else {
			defer db.Close()
			records, insights = db, db
		}
	}
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := graph.New(ctx, cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, insights stay local", zap.Error(gErr))
		} else {
			if sErr := g.EnsureSchema(ctx); sErr != nil {
				logger.Warn("Neo4j schema setup failed", zap.Error(sErr))
			}
			defer g.Close(context.Background())
			insights = g
		}
	}

	enhanced := memory.NewEnhanced(cfg.Memory.Enhanced, records, logger)
	if err := enhanced.Load(ctx); err != nil {
		logger.Warn("failed to load enhanced memory", zap.Error(err))
	}

	// PostgreSQL archive
	var pg *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without archive", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			defer ps.Close()
			pg = ps
		}
	}

	var sink memory.HistorySink
	if pg != nil {
		sink = pg
	}
	history := memory.NewHistory(cfg.Memory.DataDir, sink, writer, logger)
	sessions := memory.NewSessions(cfg.Memory.SessionDir, writer, logger)
	learner := memory.NewLearner(unified, memory.NewRegexExtractor(), logger)

	// Notifications
	out := notify.NewBroadcaster(logger)
	out.Register(notify.NewLogSink(logger))
	if c := cfg.Notify.Slack; c.Token != "" && c.Channel != "" {
		out.Register(notify.NewSlackSink(c.Token, c.Channel, logger))
	}
	if c := cfg.Notify.Discord; c.Token != "" && c.Channel != "" {
		ds, dErr := notify.NewDiscordSink(c.Token, c.Channel, logger)
		if dErr != nil {
			logger.Warn("Discord sink disabled", zap.Error(dErr))
		} else {
			out.Register(ds)
		}
	}
	defer out.Close()

	// Master and agents
	master := orchestrator.NewMaster(mb, cfg.Master(), logger)
	master.SetResolver(orchestrator.ProfileResolver{Profile: unified})
	if pg != nil {
		master.SetArchiver(pg)
	}
	if err := master.Start(ctx); err != nil {
		logger.Fatal("failed to start master", zap.Error(err))
	}
	defer master.Stop()

	agentCfg := cfg.Agent()
	stores := agent.MemoryStores{Unified: unified, LongTerm: longTerm, Enhanced: enhanced}
	if err := master.AddAgent(agent.NewMemoryAgent(stores, mb, agentCfg, logger)); err != nil {
		logger.Fatal("failed to start memory agent", zap.Error(err))
	}
	newNotify := func() (agent.Agent, error) {
		return agent.NewNotifyAgent(out, mb, agentCfg, logger), nil
	}
	proto, _ := newNotify()
	master.RegisterFactory(orchestrator.Factory{
		Name:         agent.NotifyAgentName,
		Capabilities: proto.Capabilities(),
		New:          newNotify,
	})

	// Proactive loops
	thinking := proactive.NewThinkingEngine(unified, insights, unified, cfg.ThinkingSettings(), logger)
	scheduler := proactive.NewScheduler(cfg.SchedulerSettings(), logger)
	scheduler.SetFallback(func(ctx context.Context, t *task.Task) error {
		resp := master.Submit(ctx, t)
		if resp.Status != task.StatusCompleted {
			return fmt.Errorf("%s: %s", t.Type, resp.Error)
		}
		return nil
	})
	scheduler.SetDrain(thinking.Drain)
	thinking.Start(ctx)
	defer thinking.Stop()
	scheduler.Start(ctx)
	defer scheduler.Stop()

	handler := api.NewHandler(api.Deps{
		Master:    master,
		Scheduler: scheduler,
		Thinking:  thinking,
		Unified:   unified,
		Enhanced:  enhanced,
		Learner:   learner,
		Sessions:  sessions,
		History:   history,
	}, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 3210
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("aide listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down aide...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := unified.Flush(); err != nil {
		logger.Warn("flush memory", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg != nil && cfg.Server.LogLevel == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
