package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/imeitools/batch-engine/pkg/batch"
	"github.com/imeitools/batch-engine/pkg/checkpoint"
	"github.com/imeitools/batch-engine/pkg/logging"
	"github.com/imeitools/batch-engine/pkg/lookup"
	"github.com/imeitools/batch-engine/pkg/reconcile"
	"github.com/imeitools/batch-engine/pkg/store"
)

func main() {
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: os.Getenv("LOG_PRETTY") == "true",
		Output: os.Stderr,
	})

	// Configuration from environment
	baseURL := getEnv("LOOKUP_BASE_URL", "")
	apiKey := getEnv("LOOKUP_API_KEY", "")
	username := getEnv("LOOKUP_USERNAME", "")
	dbPath := getEnv("DB_PATH", "work_items.db")
	checkpointDir := getEnv("CHECKPOINT_DIR", "checkpoints")
	redisURL := getEnv("REDIS_URL", "")
	port := getEnv("PORT", "8080")

	client, err := lookup.New(lookup.DefaultConfig(baseURL, apiKey, username))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create lookup client")
	}
	defer client.Close()

	repo, err := store.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("Failed to open store")
	}
	defer repo.Close()

	// Checkpoints live in Redis when one is configured, otherwise on disk.
	var checkpoints checkpoint.Store
	if redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", redisURL).Msg("Failed to connect to Redis")
		}
		checkpoints = checkpoint.NewRedisStore(redisClient)
		log.Info().Str("addr", redisURL).Msg("Using Redis checkpoints")
	} else {
		checkpoints, err = checkpoint.NewFileStore(checkpointDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", checkpointDir).Msg("Failed to create checkpoint directory")
		}
		log.Info().Str("dir", checkpointDir).Msg("Using file checkpoints")
	}

	cfg := batch.DefaultConfig()
	cfg.ChunkSize = getEnvInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.Workers = getEnvInt("WORKERS", cfg.Workers)
	cfg.MaxRetries = getEnvInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.ServiceID = getEnvInt("SERVICE_ID", cfg.ServiceID)

	engine, err := batch.NewEngine(client, repo, checkpoints, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create batch engine")
	}

	loop, err := reconcile.NewLoop(client, repo, reconcile.Config{
		Interval: time.Duration(getEnvInt("RECONCILE_INTERVAL_SECONDS", 300)) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create reconciliation loop")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go loop.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/batches", submitHandler(engine))
	mux.HandleFunc("/reconcile", reconcileHandler(loop))
	mux.HandleFunc("/orders/stats", statsHandler(repo))

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Starting batch daemon")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type submitRequest struct {
	Identifiers  []string `json:"identifiers"`
	ForceRecheck bool     `json:"force_recheck"`
}

type submitResponse struct {
	Fingerprint string              `json:"fingerprint"`
	Total       int                 `json:"total"`
	Successful  int                 `json:"successful"`
	Duplicates  int                 `json:"duplicates"`
	Failed      int                 `json:"failed"`
	SuccessRate float64             `json:"success_rate"`
	Resumed     bool                `json:"resumed"`
	Failures    []batch.ErrorRecord `json:"failures,omitempty"`
}

func submitHandler(engine *batch.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		result, err := engine.Submit(r.Context(), req.Identifiers, batch.Options{
			ForceRecheck: req.ForceRecheck,
		})
		switch {
		case errors.Is(err, batch.ErrEmptyBatch):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, context.Canceled):
			// Client went away; progress is checkpointed for a resubmission.
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, submitResponse{
			Fingerprint: result.Fingerprint,
			Total:       result.Total,
			Successful:  len(result.Successful),
			Duplicates:  len(result.Duplicates),
			Failed:      len(result.Failed),
			SuccessRate: result.SuccessRate(),
			Resumed:     result.Resumed,
			Failures:    result.Failed,
		})
	}
}

func reconcileHandler(loop *reconcile.Loop) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		report, err := loop.RunOnce(r.Context())
		switch {
		case errors.Is(err, reconcile.ErrCycleInProgress):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, report)
	}
}

func statsHandler(repo *store.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := repo.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
