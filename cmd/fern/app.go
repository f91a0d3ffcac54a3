package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/errortracking"
	"github.com/Ramsey-B/fern/pkg/formatters"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/queries"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/reports"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tasks"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
	"github.com/Ramsey-B/fern/pkg/warehouse"
)

// app holds every service a command may need. Connections are opened by
// the startup sequence; the rest is built once they are up.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	startup *startup.Startup

	db          database.DB
	warehouseDB database.DB
	redis       *redis.Client
	store       storage.Store
	tracker     errortracking.Tracker
	events      kafka.Publisher
	producer    *kafka.Producer

	repos       *repositories.Repositories
	locker      *redis.Locker
	markers     *redis.Markers
	dlq         *redis.DeadLetterQueue
	broker      *tasks.Broker
	checker     permissions.Checker
	engine      *queries.Engine
	processors  *formatters.Registry
	pipeline    *reports.Pipeline
	queryTasks  *tasks.Manager
	reportTasks *tasks.Manager

	shutdownTracing func(context.Context) error
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapLogger, err := zapCfg.Build(zap.Fields(zap.String("app", cfg.AppName)))
	if err != nil {
		return nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

// newApp registers the connection dependencies. migrate adds the schema
// migration step before anything touches the database.
func newApp(cfg *config.Config, logger ectologger.Logger, migrate bool) *app {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}

	a.startup.AddDependency(&startup.Dependency{
		Name:    "tracing",
		StartFn: a.startTracing,
		StopFn: func(ctx context.Context) error {
			if a.shutdownTracing == nil {
				return nil
			}
			return a.shutdownTracing(ctx)
		},
	})
	a.startup.AddDependency(&startup.Dependency{
		Name:    "database",
		StartFn: a.openDatabase,
		StopFn: func(context.Context) error {
			if a.warehouseDB != nil && a.warehouseDB != a.db {
				_ = a.warehouseDB.Close()
			}
			return a.db.Close()
		},
	})
	if migrate {
		a.startup.AddDependency(&startup.Dependency{
			Name:     "migrations",
			Requires: []string{"database"},
			StartFn:  a.migrate,
		})
	}
	a.startup.AddDependency(&startup.Dependency{
		Name: "redis",
		StartFn: func(context.Context) error {
			client, err := redis.NewClient(redis.Config{
				Host:     cfg.RedisHost,
				Port:     cfg.RedisPort,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}, logger)
			if err != nil {
				return err
			}
			a.redis = client
			return nil
		},
		StopFn: func(context.Context) error { return a.redis.Close() },
	})
	a.startup.AddDependency(&startup.Dependency{
		Name: "storage",
		StartFn: func(ctx context.Context) error {
			store, err := storage.Open(ctx, storage.Config{
				Driver: storage.Driver(cfg.StorageDriver),
				Root:   cfg.StorageRoot,
				S3: storage.S3Config{
					Region:    cfg.StorageRegion,
					Bucket:    cfg.StorageBucket,
					Endpoint:  cfg.StorageEndpoint,
					PathStyle: cfg.StoragePathStyle,
				},
			})
			if err != nil {
				return err
			}
			a.store = store
			return nil
		},
	})
	a.startup.AddDependency(&startup.Dependency{
		Name: "errortracking",
		StartFn: func(context.Context) error {
			tracker, err := errortracking.New(errortracking.Config{
				DSN:         cfg.SentryDSN,
				Environment: cfg.Environment,
				Release:     cfg.Version,
			}, logger)
			if err != nil {
				return err
			}
			a.tracker = tracker
			return nil
		},
		StopFn: func(context.Context) error {
			a.tracker.Flush(2 * time.Second)
			return nil
		},
	})
	a.startup.AddDependency(&startup.Dependency{
		Name: "events",
		StartFn: func(context.Context) error {
			if strings.TrimSpace(cfg.KafkaBrokers) == "" {
				a.events = kafka.Nop{}
				return nil
			}
			a.producer = kafka.NewProducer(kafka.ParseConfig(cfg.KafkaBrokers, cfg.KafkaEventTopic), logger)
			a.events = a.producer
			return nil
		},
		StopFn: func(context.Context) error {
			if a.producer == nil {
				return nil
			}
			return a.producer.Close()
		},
	})
	a.startup.AddDependency(&startup.Dependency{
		Name:     "services",
		Requires: []string{"database", "redis", "storage", "errortracking", "events"},
		StartFn:  a.build,
	})
	return a
}

func (a *app) Start(ctx context.Context) error {
	return a.startup.Start(ctx)
}

func (a *app) Stop(ctx context.Context) error {
	return a.startup.Stop(ctx)
}

func (a *app) startTracing(ctx context.Context) error {
	if !a.cfg.OTLPEnabled {
		if a.cfg.PrettyLogs && a.cfg.LogLevel == "debug" {
			a.shutdownTracing = tracing.Init(a.cfg.AppName, &exporters.ConsoleExporter{Logger: a.logger})
		}
		return nil
	}
	exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: a.cfg.OTLPEndpoint,
		Protocol: a.cfg.OTLPProtocol,
		Insecure: a.cfg.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to create otlp exporter: %w", err)
	}
	a.shutdownTracing = tracing.Init(a.cfg.AppName, exporter)
	return nil
}

func (a *app) openDatabase(context.Context) error {
	pool := database.PoolConfig{
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}
	db, err := database.Open(a.cfg.DatabaseDriver, a.cfg.DatabaseDSN(), pool, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	a.warehouseDB = db

	if dsn := a.cfg.WarehouseDSN(); dsn != "" {
		wh, err := database.Open(a.cfg.DatabaseDriver, dsn, pool, a.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to warehouse: %w", err)
		}
		a.warehouseDB = wh
	}
	return nil
}

func (a *app) migrate(context.Context) error {
	instance, ok := a.db.(*database.DatabaseInstance)
	if !ok {
		return errors.New("migrations need a sqlx database instance")
	}
	driver, err := migratepg.WithInstance(instance.DB.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	service := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             a.cfg.DatabaseMigrationVersion,
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
	return service.Migrate(a.cfg.DatabaseName, driver)
}

// build wires the engine, the pipeline and the task layer.
func (a *app) build(context.Context) error {
	entities, err := a.cfg.Entities()
	if err != nil {
		return err
	}
	functions, err := queries.NewRegistry(queries.Builtins()...)
	if err != nil {
		return err
	}
	if a.processors, err = formatters.NewRegistry(formatters.Builtins()...); err != nil {
		return err
	}

	superusers := make([]string, 0, len(a.cfg.Superusers))
	for _, s := range a.cfg.Superusers {
		if s = strings.TrimSpace(s); s != "" {
			superusers = append(superusers, s)
		}
	}
	a.checker = permissions.Default{Superusers: superusers}

	a.repos = repositories.NewPostgres(a.db, a.logger)
	wh := warehouse.NewPostgres(a.warehouseDB, a.logger, a.cfg.WarehouseSampleSize)
	a.engine = queries.NewEngine(a.repos, a.store, wh, entities, functions, a.tracker, a.events, a.logger)
	a.pipeline = reports.NewPipeline(a.repos, a.engine, a.store, a.processors, a.tracker, a.events, a.logger)

	a.locker = redis.NewLocker(a.redis, a.cfg.RedisLockPrefix)
	a.broker = tasks.NewBroker(a.redis, tasks.BrokerConfig{
		Stream:        a.cfg.RedisStreamsTaskQueue,
		ConsumerGroup: a.cfg.RedisStreamsConsumerGroup,
	}, a.logger)
	a.markers = redis.NewMarkers(a.redis, a.broker.Config().RevokedKey)
	a.dlq = redis.NewDeadLetterQueue(a.redis, a.cfg.RedisStreamsDLQ, a.logger)
	a.queryTasks = tasks.NewManager(tasks.KindQuery, a.broker, a.markers, a.locker, a.repos.Queries, a.checker, a.logger)
	a.reportTasks = tasks.NewManager(tasks.KindReport, a.broker, a.markers, a.locker, a.repos.Reports, a.checker, a.logger)
	return nil
}

func (a *app) worker() *tasks.Worker {
	cfg := tasks.DefaultWorkerConfig()
	if a.cfg.RedisStreamsConsumerName != "" {
		cfg.ConsumerName = a.cfg.RedisStreamsConsumerName
	}
	cfg.WorkerCount = a.cfg.WorkerCount
	cfg.LockTTL = a.cfg.WorkerLockTTL
	cfg.MaxRetries = a.cfg.WorkerMaxRetries

	return tasks.NewWorker(a.broker, a.markers, a.locker, a.dlq, map[string]tasks.Handler{
		tasks.KindQuery:  tasks.QueryHandler(a.repos, a.engine),
		tasks.KindReport: tasks.ReportHandler(a.repos, a.pipeline, a.locker),
	}, a.events, cfg, a.logger)
}
