package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/artifacts"
	"github.com/SelimCelen/dataflowhub/internal/engine"
	"github.com/SelimCelen/dataflowhub/internal/execution"
	"github.com/SelimCelen/dataflowhub/internal/metrics"
	"github.com/SelimCelen/dataflowhub/internal/opregistry"
	"github.com/SelimCelen/dataflowhub/internal/pipeline"
	"github.com/SelimCelen/dataflowhub/internal/plugin"
	"github.com/SelimCelen/dataflowhub/internal/registry"
	"github.com/SelimCelen/dataflowhub/internal/scheduler"
	"github.com/SelimCelen/dataflowhub/internal/serving"
	"github.com/SelimCelen/dataflowhub/internal/store"
	"github.com/SelimCelen/dataflowhub/internal/watch"
)

const presetsFile = "presets.yaml"

// AppContext owns every long-lived component of the server. It is built
// once at startup and handed to the handlers.
type AppContext struct {
	Config      ServerConfig
	Log         *zap.Logger
	MongoClient *mongo.Client
	Redis       *redis.Client
	Router      *gin.Engine

	Catalog    *plugin.Catalog
	Operators  *opregistry.Registry
	Pipelines  *pipeline.Registry
	Datasets   *registry.DatasetRegistry
	Servings   *registry.ServingRegistry
	Managers   *registry.DatabaseManagerRegistry
	Text2SQL   *registry.Text2SQLRegistry
	Tasks      *registry.TaskRegistry
	Records    store.RecordStore
	Metrics    *metrics.Recorder
	Exporter   *artifacts.Exporter
	Engine     *engine.Engine
	Executions *execution.Service
	Scheduler  scheduler.Scheduler
	Watcher    *watch.Watcher
}

func NewAppContext(cfg ServerConfig, log *zap.Logger) *AppContext {
	return &AppContext{Config: cfg, Log: log}
}

func (app *AppContext) Initialize(ctx context.Context) error {
	for _, dir := range []string{app.Config.DataDir, app.Config.CacheDir, app.Config.SQLiteDir, app.Config.PipelinesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if app.Config.MongoURI != "" {
		if err := app.initMongoDB(ctx); err != nil {
			return err
		}
		app.createIndexes(ctx)
	}
	app.initCatalog(ctx)
	if err := app.initRegistries(); err != nil {
		return err
	}
	if err := app.initExecution(ctx); err != nil {
		return err
	}
	if app.Config.WatchFiles {
		w, err := watch.New(app.Config.PipelinesDir, app.Pipelines, watch.DefaultDebounce, app.Log)
		if err != nil {
			app.Log.Warn("pipeline watcher disabled", zap.Error(err))
		} else {
			app.Watcher = w
		}
	}
	app.initRouter()
	return nil
}

func (app *AppContext) initCatalog(ctx context.Context) {
	app.Catalog = plugin.NewCatalog()
	plugin.RegisterBuiltins(app.Catalog)
	if _, err := plugin.LoadScriptDir(app.Catalog, app.Config.ScriptsDir, app.Config.JSTimeout, app.Log); err != nil {
		app.Log.Warn("load script operators", zap.Error(err))
	}
	if app.MongoClient != nil {
		app.loadPlugins(ctx)
	}
	app.Operators = opregistry.New(app.Catalog, app.Config.DataFile("ops.json"), app.Log)
	if _, err := app.Operators.DumpOpsToJSON(); err != nil {
		app.Log.Warn("write operator cache", zap.Error(err))
	}
}

func (app *AppContext) initRegistries() error {
	cfg := app.Config
	app.Datasets = registry.NewDatasetRegistry(cfg.DataFile("datasets.yaml"))
	app.Servings = registry.NewServingRegistry(cfg.DataFile("serving.yaml"), serving.Classes())
	app.Managers = registry.NewDatabaseManagerRegistry(cfg.DataFile("db_managers.yaml"))
	app.Text2SQL = registry.NewText2SQLRegistry(cfg.DataFile("text2sql.yaml"), cfg.SQLiteDir)
	app.Tasks = registry.NewTaskRegistry(cfg.DataFile("tasks.json"))

	allow, err := pipeline.LoadAllowList(filepath.Join(cfg.PipelinesDir, presetsFile))
	if err != nil {
		return err
	}
	app.Pipelines = pipeline.NewRegistry(pipeline.Options{
		Path:     cfg.DataFile("pipelines.json"),
		Dir:      cfg.PipelinesDir,
		DataRoot: cfg.DataDir,
		Allow:    allow,
	}, app.Operators, app.Datasets, app.Log)
	if err := app.Pipelines.Sync(); err != nil {
		app.Log.Warn("initial pipeline sync", zap.Error(err))
	}
	return nil
}

func (app *AppContext) initExecution(ctx context.Context) error {
	cfg := app.Config
	if app.MongoClient != nil {
		ms := store.NewMongoStore(app.MongoClient.Database(cfg.DatabaseName))
		if err := ms.EnsureIndexes(ctx); err != nil {
			app.Log.Warn("create execution indexes", zap.Error(err))
		}
		app.Records = ms
	} else {
		app.Records = store.NewDocumentStore(cfg.DataFile("executions.json"))
	}
	app.Metrics = metrics.New()

	deps := engine.Deps{
		Catalog:  app.Catalog,
		Datasets: app.Datasets,
		Servings: app.Servings,
		Factory:  serving.NewFactory(app.Log),
		Managers: app.Managers,
		Records:  app.Records,
		Metrics:  app.Metrics,
	}
	if cfg.MinIO.Enabled() {
		exp, err := artifacts.New(cfg.MinIO)
		if err != nil {
			return err
		}
		if err := exp.EnsureBucket(ctx); err != nil {
			app.Log.Warn("artifact bucket unavailable", zap.String("bucket", cfg.MinIO.Bucket), zap.Error(err))
		}
		app.Exporter = exp
		deps.Exporter = exp
	}
	app.Engine = engine.New(deps, engine.Options{
		CacheRoot:             cfg.CacheDir,
		SQLiteRoot:            cfg.SQLiteDir,
		DefaultServingFilling: cfg.DefaultServingFilling,
	}, app.Log)

	app.Executions = execution.NewService(execution.Options{
		Pipelines: app.Pipelines,
		Engine:    app.Engine,
		Records:   app.Records,
		Tasks:     app.Tasks,
		CacheRoot: cfg.CacheDir,
		MaxInline: cfg.MaxParallel,
	}, app.Log)

	switch cfg.Scheduler {
	case SchedulerRedis:
		app.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := app.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		app.Scheduler = scheduler.NewRedisQueue(app.Redis, scheduler.RedisOptions{
			Prefix:      cfg.RedisPrefix,
			Concurrency: cfg.SchedulerParallel,
			Workers:     cfg.RedisWorkers,
		}, app.Executions.RunJob, app.Metrics, app.Log)
	default:
		app.Scheduler = scheduler.NewLocalPool(app.Executions.RunJob, cfg.SchedulerParallel, app.Metrics, app.Log)
	}
	app.Executions.SetScheduler(app.Scheduler)
	return nil
}

// Close stops the scheduler and disconnects from external stores.
func (app *AppContext) Close(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if app.Scheduler != nil {
		keep(app.Scheduler.Close())
	}
	if app.Redis != nil {
		keep(app.Redis.Close())
	}
	if app.MongoClient != nil {
		keep(app.MongoClient.Disconnect(ctx))
	}
	return first
}
