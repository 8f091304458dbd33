// Command ghqueued is the single long-running entrypoint of spec.md §6: it
// wires the queue store, manager, fetch client, load handler, and dispatcher
// into one process, serves /healthz and /metrics, and exits 0 on a clean
// shutdown, non-zero on any startup failure.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harborq/ghqueue/internal/config"
	"github.com/harborq/ghqueue/internal/db"
	"github.com/harborq/ghqueue/internal/dispatcher"
	"github.com/harborq/ghqueue/internal/fetch"
	"github.com/harborq/ghqueue/internal/handler"
	"github.com/harborq/ghqueue/internal/manager"
	"github.com/harborq/ghqueue/internal/metrics"
	"github.com/harborq/ghqueue/internal/queue"
	"github.com/harborq/ghqueue/internal/token"
)

// appConfig holds the process-level settings read from the environment,
// distinct from the queue/scheduler settings in internal/config's YAML
// document (spec.md §6).
type appConfig struct {
	Port       string
	Env        string
	LogLevel   string
	SentryDSN  string
	ConfigPath string
}

func main() {
	godotenv.Load()

	app := &appConfig{
		Port:       getEnvWithDefault("PORT", "8080"),
		Env:        getEnvWithDefault("APP_ENV", "development"),
		LogLevel:   getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:  os.Getenv("SENTRY_DSN"),
		ConfigPath: getEnvWithDefault("GHQUEUE_CONFIG", "config.yaml"),
	}

	setupLogging(app)
	setupSentry(app)
	defer sentry.Flush(2 * time.Second)

	cfg, err := config.Load(app.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", app.ConfigPath).Msg("failed to load queue configuration")
	}
	log.Info().Interface("config", cfg.Redacted()).Msg("configuration loaded")

	dbConfig := &db.Config{
		Host:         cfg.DBSettings.Host,
		Port:         getEnvWithDefault("PGPORT", "5432"),
		User:         cfg.DBSettings.User,
		Password:     cfg.DBSettings.Password,
		Database:     cfg.DBSettings.Database,
		MinConns:     cfg.DBSettings.MinConnections,
		MaxOpenConns: cfg.DBSettings.MaxConnections,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgDB, err := db.InitWithRetryConfig(ctx, dbConfig, db.DefaultRetryConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer pgDB.Close()
	log.Info().Msg("connected to PostgreSQL")

	tokens := token.NewRegistry(pgDB.GetDB())
	enabled, err := tokens.Enabled(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list enabled tokens at startup")
	} else if len(enabled) == 0 {
		log.Warn().Msg("no enabled tokens found; fill_queue will not enqueue any work")
	} else {
		log.Info().Int("enabled_tokens", len(enabled)).Msg("token registry ready")
	}

	store := queue.NewStore(pgDB.GetDB())
	mgr := manager.New(store)
	fetcher := fetch.NewClient(30 * time.Second)
	h := handler.New(mgr, store, fetcher, tokens, cfg.GithubAPI.PerPage)

	dispCfg := dispatcher.DefaultConfig()
	dispCfg.QueueThreshold = cfg.Scheduler.QueueThreshold
	dispCfg.ObjectsPerToken = cfg.Scheduler.ObjectsPerToken
	dispCfg.PerPage = cfg.GithubAPI.PerPage
	dispCfg.ClaimMu = time.Duration(cfg.Scheduler.MarkTimestampDeltaMs * float64(time.Second))
	dispCfg.NotifyDSN = dbConfig.ConnectionString()

	disp := dispatcher.New(mgr, h.Run, dispCfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler(pgDB.GetDB()))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{Addr: ":" + app.Port, Handler: mux}
	go func() {
		log.Info().Str("port", app.Port).Msg("serving /healthz and /metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	runErr := disp.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}

	if runErr != nil {
		log.Fatal().Err(runErr).Msg("dispatcher exited with error")
	}
	log.Info().Msg("scheduler shut down cleanly")
}

// healthzHandler reports the process healthy only when the database
// connection pool can still be pinged; orchestrators use this to decide
// whether to route traffic and restart the container.
func healthzHandler(pool *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pool.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ERROR", "error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK", "time": time.Now().Format(time.RFC3339)})
	}
}

func getEnvWithDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func setupLogging(app *appConfig) {
	level, err := zerolog.ParseLevel(app.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if app.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		return
	}

	log.Logger = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "ghqueued").
		Logger()
}

func setupSentry(app *appConfig) {
	if app.SentryDSN == "" {
		log.Warn().Msg("Sentry not initialized: SENTRY_DSN not provided")
		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              app.SentryDSN,
		Environment:      app.Env,
		TracesSampleRate: 0.2,
		EnableTracing:    true,
		Debug:            app.Env == "development",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise Sentry")
	}
}
