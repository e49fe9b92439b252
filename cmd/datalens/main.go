package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/datalens-ai/datalens/pkg/api"
	"github.com/datalens-ai/datalens/pkg/api/metrics"
	"github.com/datalens-ai/datalens/pkg/executor"
	"github.com/datalens-ai/datalens/pkg/pipeline"
	"github.com/datalens-ai/datalens/pkg/schema"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = ":8080"
	defaultCatalog    = "default"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := schema.NewRegistry(log)

	discoverer, err := schema.NewClickHouseDiscoverer(ctx, &schema.ClickHouseDiscovererConfig{
		Logger:   log,
		Addr:     cfg.ClickHouseAddr,
		Database: cfg.ClickHouseDatabase,
		Username: cfg.ClickHouseUser,
		Password: cfg.ClickHousePassword,
	})
	if err != nil {
		return fmt.Errorf("failed to create schema discoverer: %w", err)
	}
	defer discoverer.Close()

	catalog, err := discoverer.Discover(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover schema: %w", err)
	}
	registry.Register(cfg.CatalogName, catalog, discoverer)
	log.Info("catalog ready", "catalog", cfg.CatalogName, "tables", len(catalog.Tables))

	reducer, err := schema.NewReducer(&schema.ReducerConfig{
		Logger:    log,
		MaxTables: cfg.MaxContextTables,
	})
	if err != nil {
		return fmt.Errorf("failed to create reducer: %w", err)
	}
	defer reducer.Stop()

	cache := executor.NewResultCache(cfg.CacheTTL, cfg.CacheCapacity)
	defer cache.Stop()

	querier := executor.NewClickHouseQuerierWithAuth(cfg.ClickHouseHTTPURL, cfg.ClickHouseUser, cfg.ClickHousePassword)
	exec, err := executor.New(&executor.Config{
		Logger:     log,
		Querier:    querier,
		Cache:      cache,
		PoolSize:   cfg.ExecutionPoolSize,
		RowCap:     cfg.RowCap,
		TimeBudget: cfg.QueryTimeBudget,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	defer exec.Stop()

	llm, err := pipeline.NewAnthropicClient(&pipeline.AnthropicClientConfig{
		Logger: log,
		Models: pipeline.DefaultTierModels(),
	})
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}
	defer llm.Stop()

	synthesizer, err := pipeline.NewSynthesizer(&pipeline.SynthesizerConfig{Logger: log, LLM: llm})
	if err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}
	corrector, err := pipeline.NewCorrector(&pipeline.CorrectorConfig{Logger: log, LLM: llm})
	if err != nil {
		return fmt.Errorf("failed to create corrector: %w", err)
	}
	supervisor, err := pipeline.NewSupervisor(&pipeline.SupervisorConfig{
		Logger:        log,
		Synthesizer:   synthesizer,
		Corrector:     corrector,
		Runner:        exec,
		AttemptBudget: cfg.AttemptBudget,
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}
	service, err := pipeline.NewService(&pipeline.ServiceConfig{
		Logger:     log,
		Registry:   registry,
		Reducer:    reducer,
		Supervisor: supervisor,
		LLM:        llm,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline service: %w", err)
	}

	server, err := api.NewServer(&api.Config{
		Logger:         log,
		Service:        service,
		Registry:       registry,
		Reducer:        reducer,
		Cache:          cache,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Info("api server listening", "address", listener.Addr().String())

	httpServer := &http.Server{Handler: server.Handler()}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

type Config struct {
	ShowVersion bool
	Verbose     bool

	ListenAddr     string
	AllowedOrigins []string

	CatalogName        string
	ClickHouseAddr     string
	ClickHouseHTTPURL  string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	MaxContextTables  int
	ExecutionPoolSize int
	RowCap            int
	QueryTimeBudget   time.Duration
	AttemptBudget     int
	CacheTTL          time.Duration
	CacheCapacity     uint64
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig() (Config, error) {
	var cfg Config
	var originsCSV string
	var cacheCapacity int

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")

	flag.StringVar(&cfg.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", defaultListenAddr), "address to listen on (env: LISTEN_ADDR)")
	flag.StringVar(&originsCSV, "allowed-origins", getenv("ALLOWED_ORIGINS", ""), "CORS allowed origins csv (env: ALLOWED_ORIGINS)")

	flag.StringVar(&cfg.CatalogName, "catalog", getenv("CATALOG_NAME", defaultCatalog), "name of the registered catalog (env: CATALOG_NAME)")
	flag.StringVar(&cfg.ClickHouseAddr, "clickhouse-addr", getenv("CLICKHOUSE_ADDR", ""), "clickhouse native address (env: CLICKHOUSE_ADDR)")
	flag.StringVar(&cfg.ClickHouseHTTPURL, "clickhouse-http-url", getenv("CLICKHOUSE_HTTP_URL", ""), "clickhouse http url (env: CLICKHOUSE_HTTP_URL)")
	flag.StringVar(&cfg.ClickHouseDatabase, "clickhouse-database", getenv("CLICKHOUSE_DATABASE", "default"), "clickhouse database (env: CLICKHOUSE_DATABASE)")
	flag.StringVar(&cfg.ClickHouseUser, "clickhouse-user", getenv("CLICKHOUSE_USER", ""), "clickhouse username (env: CLICKHOUSE_USER)")
	flag.StringVar(&cfg.ClickHousePassword, "clickhouse-password", getenv("CLICKHOUSE_PASSWORD", ""), "clickhouse password (env: CLICKHOUSE_PASSWORD)")

	flag.DurationVar(&cfg.QueryTimeBudget, "query-time-budget", 30*time.Second, "per-query time budget including slot wait (env: QUERY_TIME_BUDGET)")
	flag.DurationVar(&cfg.CacheTTL, "cache-ttl", time.Hour, "result cache entry lifetime (env: CACHE_TTL)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	cfg.AllowedOrigins = splitCSV(originsCSV)

	var err error
	if cfg.MaxContextTables, err = getenvInt("MAX_CONTEXT_TABLES", 5); err != nil {
		return Config{}, err
	}
	if cfg.ExecutionPoolSize, err = getenvInt("EXECUTION_POOL_SIZE", 20); err != nil {
		return Config{}, err
	}
	if cfg.RowCap, err = getenvInt("ROW_CAP", 1000); err != nil {
		return Config{}, err
	}
	if cfg.AttemptBudget, err = getenvInt("ATTEMPT_BUDGET", 3); err != nil {
		return Config{}, err
	}
	if cacheCapacity, err = getenvInt("CACHE_CAPACITY", 1000); err != nil {
		return Config{}, err
	}
	cfg.CacheCapacity = uint64(cacheCapacity)

	if v := getenv("QUERY_TIME_BUDGET", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid QUERY_TIME_BUDGET=%q: %w", v, err)
		}
		cfg.QueryTimeBudget = d
	}
	if v := getenv("CACHE_TTL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CACHE_TTL=%q: %w", v, err)
		}
		cfg.CacheTTL = d
	}

	if cfg.ClickHouseAddr == "" {
		return Config{}, fmt.Errorf("clickhouse address is empty (set CLICKHOUSE_ADDR or --clickhouse-addr)")
	}
	if cfg.ClickHouseHTTPURL == "" {
		return Config{}, fmt.Errorf("clickhouse http url is empty (set CLICKHOUSE_HTTP_URL or --clickhouse-http-url)")
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return Config{}, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}

	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
