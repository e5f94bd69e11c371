package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/ignite/ices-pipeline/internal/analyzers"
	"github.com/ignite/ices-pipeline/internal/bec"
	"github.com/ignite/ices-pipeline/internal/classify"
	"github.com/ignite/ices-pipeline/internal/config"
	"github.com/ignite/ices-pipeline/internal/ops"
	"github.com/ignite/ices-pipeline/internal/pkg/distlock"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
	"github.com/ignite/ices-pipeline/internal/queue"
	"github.com/ignite/ices-pipeline/internal/store"
	"github.com/ignite/ices-pipeline/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(!cfg.Log.DisableRedaction)

	log.Println("Starting analysis worker...")

	// Redis broker
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}
	log.Println("Connected to redis")

	// Postgres is optional: without it the worker still analyzes and
	// publishes, it just loses dedup, persistence and BEC learning.
	var db *sql.DB
	var st *store.Store
	var profiles *bec.Store
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to ping database: %v", err)
		}

		st = store.New(db)

		// Both binaries create the schema at boot; the lock serialises
		// the first-boot race on a fresh database.
		initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		lock := distlock.New(redisClient, "store:init-schema", 30*time.Second)
		if err := lock.AcquireWait(initCtx); err != nil {
			logger.Warn("schema lock not acquired, initialising anyway", "error", err.Error())
		}
		err = st.InitSchema(initCtx)
		lock.Release(initCtx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to init schema: %v", err)
		}
		profiles = bec.NewStore(db)
		log.Println("Connected to database")
	} else {
		log.Println("No database configured - dedup and persistence disabled")
	}

	// The classifier is built on first use so a worker without Bedrock
	// access still starts.
	var classifier classify.Classifier
	if cfg.Bedrock.Enabled {
		region, modelID := cfg.Bedrock.Region, cfg.Bedrock.ModelID
		classifier = classify.NewLazy(func() (classify.Classifier, error) {
			return classify.NewBedrock(context.Background(), region, modelID)
		})
	}

	loadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	catalog := analyzers.LoadCatalog(loadCtx, cfg.SaaS)
	cancel()

	pipeline := analyzers.NewPipeline(&analyzers.Deps{
		Redis:      redisClient,
		DB:         db,
		Classifier: classifier,
		Catalog:    catalog,
		Reputation: cfg.Reputation,
	})

	consumer := hostname()
	emails := queue.New(redisClient, queue.Options{
		Name:       cfg.Analysis.Queue,
		Consumer:   consumer,
		MaxRetries: cfg.Analysis.MaxRetries,
		RetryDelay: cfg.Analysis.RetryDelay(),
	})
	verdicts := queue.New(redisClient, queue.Options{
		Name:     cfg.Verdict.Queue,
		Consumer: consumer,
	})

	w := worker.NewAnalysisWorker(cfg.Analysis, emails, verdicts, pipeline, st, profiles)
	w.Start()

	opsServer := ops.New(cfg.Server)
	opsServer.RegisterWorker("analysis", w)
	opsServer.RegisterQueue(emails)
	opsServer.RegisterQueue(verdicts)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Ops server error: %v", err)
		}
	}()

	log.Println("Analysis worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	w.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Ops server shutdown error: %v", err)
	}

	log.Println("Analysis worker stopped")
}

// hostname names this consumer's processing list, so a restarted worker
// on the same host reclaims its own stranded tasks.
func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "analysis-worker"
}
