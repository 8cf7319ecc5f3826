package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/directory"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/repository"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	// Config overrides the session config file when set.
	Config *config.Session
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMetrics,
			provideRepositories,
			provideRemote,
			provideEnricher,
			provideSyncStatus,
			provideOrchestrator,
			provideRunner,
			provideStream,
			provideLive,
			provideSender,
			provideCacheService,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Session, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadSession(session.SessionConfigPath(p.SessionName))
		if err != nil {
			return nil, fmt.Errorf("load session config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session %q: %w", p.SessionName, err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Session) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Daemon.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is only opened by its holder.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func provideRepositories(db *store.DB, logger *zap.Logger) intsync.Repositories {
	return intsync.Repositories{
		Messages:      repository.NewMessageRepository(db, logger.Named("messages")),
		Conversations: repository.NewConversationRepository(db, logger.Named("conversations")),
		Metadata:      repository.NewMetadataRepository(db),
	}
}

func provideRemote(cfg *config.Session, logger *zap.Logger) *remote.HTTPClient {
	return remote.NewHTTPClient(remote.HTTPOptions{
		BaseURL:        cfg.Remote.BaseURL,
		Token:          cfg.Remote.Token,
		SelfJID:        cfg.SelfJID,
		RequestTimeout: cfg.Remote.RequestTimeout.Duration,
		Logger:         logger.Named("remote"),
	})
}

func provideEnricher(client *remote.HTTPClient, db *store.DB, cfg *config.Session, logger *zap.Logger) (*directory.Enricher, error) {
	return directory.New(client, repository.NewDirectoryRepository(db), cfg.Sync.DirectoryTTL.Duration, logger.Named("directory"))
}

func provideSyncStatus() *intsync.Status {
	return intsync.NewStatus()
}

func provideOrchestrator(client *remote.HTTPClient, db *store.DB, repos intsync.Repositories, cfg *config.Session, enricher *directory.Enricher, syncing *intsync.Status, m *metrics.Metrics, logger *zap.Logger) *intsync.Orchestrator {
	return intsync.NewOrchestrator(client, repos, intsync.Options{
		SelfJID:             cfg.SelfJID,
		PageSize:            cfg.Sync.PageSize,
		IncrementalPageSize: cfg.Sync.IncrementalPageSize,
		PageTimeout:         cfg.Sync.PageTimeout.Duration,
		PassTimeout:         cfg.Sync.PassTimeout.Duration,
		Workers:             cfg.Sync.Workers,
		Enricher:            enricher,
		Status:              syncing,
		Metrics:             m,
		Cache:               db,
	}, logger.Named("sync"))
}

func provideRunner(orch *intsync.Orchestrator, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Runner {
	return NewRunner(orch, machine, b, logger.Named("runner"))
}

func provideStream(cfg *config.Session, runner *Runner, logger *zap.Logger) *remote.Stream {
	return remote.NewStream(remote.StreamOptions{
		BaseURL:      cfg.Remote.BaseURL,
		Token:        cfg.Remote.Token,
		OnConnect:    runner.StreamConnected,
		OnDisconnect: runner.StreamDisconnected,
		Logger:       logger.Named("stream"),
	})
}

func provideLive(stream *remote.Stream, repos intsync.Repositories, cfg *config.Session, m *metrics.Metrics, logger *zap.Logger) *intsync.Live {
	return intsync.NewLive(stream, repos, cfg.SelfJID, m, logger.Named("live"))
}

func provideSender(db *store.DB, repos intsync.Repositories, client *remote.HTTPClient, b *bus.Bus, cfg *config.Session, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, outbox.Repositories{
		Messages:      repos.Messages,
		Conversations: repos.Conversations,
	}, client, b, cfg.Daemon.OutboxInterval.Duration, logger.Named("outbox"))
}

func provideCacheService(p Params, db *store.DB, repos intsync.Repositories, sender *outbox.Sender, machine *status.Machine, syncing *intsync.Status, orch *intsync.Orchestrator, runner *Runner, b *bus.Bus, logger *zap.Logger) *api.CacheService {
	return api.NewCacheService(api.Options{
		SessionName:   p.SessionName,
		DB:            db,
		Conversations: repos.Conversations,
		Messages:      repos.Messages,
		Metadata:      repos.Metadata,
		Outbox:        sender,
		Machine:       machine,
		Syncing:       syncing,
		Sync:          orch,
		Trigger:       runner.Trigger,
		Bus:           b,
		Logger:        logger.Named("api"),
	})
}

func provideMetricsServer(cfg *config.Session, m *metrics.Metrics, logger *zap.Logger) (*MetricsServer, error) {
	return NewMetricsServer(cfg.Daemon.MetricsAddr, m, logger)
}

type lifecycleParams struct {
	fx.In

	Lifecycle     fx.Lifecycle
	Server        *Server
	MetricsServer *MetricsServer
	Lock          *lock.Lock
	DB            *store.DB
	Repos         intsync.Repositories
	Syncing       *intsync.Status
	Enricher      *directory.Enricher
	Runner        *Runner
	Live          *intsync.Live
	Sender        *outbox.Sender
	Bus           *bus.Bus
	Logger        *zap.Logger
}

func registerLifecycle(p lifecycleParams) {
	var unforward func()
	logger := p.Logger
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Watchers see changes from the first write on.
			unforward = forwardChanges(p.Bus, p.Repos.Messages, p.Repos.Conversations, p.Syncing)

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			p.MetricsServer.Start()

			p.Sender.Start(context.Background())
			p.Runner.Start(context.Background())

			p.Live.Start(context.Background())
			go func() {
				<-p.Live.Done()
				if err := p.Live.Err(); err != nil {
					p.Runner.StreamFailed(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Live.Stop()
			p.Runner.Stop()
			p.Sender.Stop()
			p.Server.Stop(ctx)
			p.MetricsServer.Stop(ctx)
			if unforward != nil {
				unforward()
			}
			p.Enricher.Close()
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
