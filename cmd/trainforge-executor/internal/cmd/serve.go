package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/trainforge/trainforge/internal/cleanup"
	"github.com/trainforge/trainforge/internal/config"
	"github.com/trainforge/trainforge/internal/executor"
	"github.com/trainforge/trainforge/internal/hashcache"
	"github.com/trainforge/trainforge/internal/logging"
	"github.com/trainforge/trainforge/internal/protocol/server"
	"github.com/trainforge/trainforge/internal/resource"
	"github.com/trainforge/trainforge/internal/store"
	"github.com/trainforge/trainforge/internal/taskmanager"
	"github.com/trainforge/trainforge/internal/workdir"
)

var (
	flagNamespace    string
	flagListen       string
	flagStoreBackend string
	flagCacheBackend string
	flagDataRoot     string
	flagModules      []string
	flagPullSecret   string
	flagRootDir      string
	flagDevelopment  bool
	flagLogLevel     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the control protocol and run submitted pipelines",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	def := config.DefaultConfig()
	serveCmd.Flags().StringVar(&flagNamespace, "namespace", def.Namespace, "kubernetes namespace to schedule tasks into")
	serveCmd.Flags().StringVar(&flagListen, "listen", def.ListenAddress, "control protocol listen address")
	serveCmd.Flags().StringVar(&flagStoreBackend, "store-backend", string(def.StoreBackend), "job store backend: memory, document, or relational")
	serveCmd.Flags().StringVar(&flagCacheBackend, "cache-backend", string(def.CacheBackend), "hash cache backend: memory, document, or relational")
	serveCmd.Flags().StringVar(&flagDataRoot, "data-root", def.DataRoot, "filesystem root for per-task scratch directories")
	serveCmd.Flags().StringSliceVar(&flagModules, "modules", def.Modules, "resource handler kinds to register")
	serveCmd.Flags().StringVar(&flagPullSecret, "pull-secret", def.PullSecretName, "registry pull secret name (not passed to the resource handlers: submitted pods always reference the pull secret named \"registry\")")
	serveCmd.Flags().StringVar(&flagRootDir, "root-dir", ".", "directory holding pipeline definition subdirectories")
	serveCmd.Flags().BoolVar(&flagDevelopment, "development", false, "use human-readable console logging instead of JSON")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "override the default log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if cfgFile != "" {
		loaded, err := config.LoadFromFile(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyServeFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{Development: flagDevelopment, Level: flagLogLevel})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// applyServeFlags overwrites the fields of cfg whose matching flag was
// explicitly set on the command line, so a config file's values still
// win when the caller didn't pass that flag.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("namespace") {
		cfg.Namespace = flagNamespace
	}
	if flags.Changed("listen") {
		cfg.ListenAddress = flagListen
	}
	if flags.Changed("store-backend") {
		cfg.StoreBackend = config.StoreBackend(flagStoreBackend)
	}
	if flags.Changed("cache-backend") {
		cfg.CacheBackend = config.StoreBackend(flagCacheBackend)
	}
	if flags.Changed("data-root") {
		cfg.DataRoot = flagDataRoot
	}
	if flags.Changed("modules") {
		cfg.Modules = flagModules
	}
	if flags.Changed("pull-secret") {
		cfg.PullSecretName = flagPullSecret
	}
}

// serve builds every component the control protocol dispatches against
// and blocks serving connections on cfg.ListenAddress until ctx is
// canceled.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("resolve kubernetes config: %w", err)
	}
	coreClient, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("build kubernetes client: %w", err)
	}
	dynamicClient, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("build dynamic client: %w", err)
	}

	registry := resource.NewRegistry()
	if err := resource.RegisterSelected(registry, coreClient, dynamicClient, cfg.Modules); err != nil {
		return fmt.Errorf("register resource modules: %w", err)
	}

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build job store: %w", err)
	}
	cache, err := buildCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build hash cache: %w", err)
	}

	sched := taskmanager.New(registry, coreClient, cfg.Namespace)
	exec := executor.New(st, sched, cache, logger)
	dirs := workdir.New(cfg.DataRoot)
	cleaner := cleanup.New(st, sched, dirs, logger)

	srv := server.New(server.Deps{
		Store:   st,
		Sched:   sched,
		Exec:    exec,
		Cleaner: cleaner,
		RootDir: flagRootDir,
		DataDir: cfg.DataRoot,
	}, logger)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	defer listener.Close()

	logger.Info("trainforge-executor listening", zap.String("address", cfg.ListenAddress), zap.String("namespace", cfg.Namespace))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			defer conn.Close()
			if err := srv.Serve(ctx, conn); err != nil {
				logger.Warn("connection closed", zap.Error(err))
			}
		}()
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendDocument:
		collection, err := connectMongoCollection(ctx, cfg.Document.URI, cfg.Document.Database, cfg.Document.Collection)
		if err != nil {
			return nil, err
		}
		return store.NewDocumentStore(collection), nil
	case config.BackendRelational:
		db, err := sql.Open("postgres", cfg.Relational.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewRelationalStore(db, cfg.Relational.Table), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func buildCache(ctx context.Context, cfg *config.Config) (hashcache.Cache, error) {
	switch cfg.CacheBackend {
	case config.BackendMemory:
		return hashcache.NewMemoryCache(), nil
	case config.BackendDocument:
		collection, err := connectMongoCollection(ctx, cfg.Document.URI, cfg.Document.Database, cfg.Document.Collection+"_cache")
		if err != nil {
			return nil, err
		}
		return hashcache.NewDocumentCache(collection), nil
	case config.BackendRelational:
		db, err := sql.Open("postgres", cfg.Relational.DSN)
		if err != nil {
			return nil, err
		}
		return hashcache.NewRelationalCache(db, cfg.Relational.Table+"_cache"), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func connectMongoCollection(ctx context.Context, uri, database, collection string) (*mongo.Collection, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client.Database(database).Collection(collection), nil
}
