package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/commonsmap/pulse/internal/db"
	"github.com/commonsmap/pulse/internal/queue"
	"github.com/commonsmap/pulse/internal/runlock"
	"github.com/commonsmap/pulse/internal/snapshot"
	"github.com/commonsmap/pulse/internal/util"

	"github.com/commonsmap/pulse/pkg/ai"
	oll "github.com/commonsmap/pulse/pkg/ai/ollama"
	oai "github.com/commonsmap/pulse/pkg/ai/openai"
	"github.com/commonsmap/pulse/pkg/fetch"
	"github.com/commonsmap/pulse/pkg/fetch/web"
	"github.com/commonsmap/pulse/pkg/logger"
	"github.com/commonsmap/pulse/pkg/logger/console"
	"github.com/commonsmap/pulse/pkg/pipeline"
	pgxstore "github.com/commonsmap/pulse/pkg/store/pgx"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	oracle := newOracle()

	databaseURL := util.GetEnv("DATABASE_URL")
	if err := db.Migrate(databaseURL); err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}

	pgCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("Invalid DATABASE_URL", "err", err)
	}
	pgCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pool.Close()

	store := pgxstore.NewSignalDBStore(pool)

	var archiver pipeline.Archiver
	if bucket := util.GetEnvString("AWS_BUCKET", ""); bucket != "" {
		s3Client := snapshot.NewS3Client(ctx)
		if s3Client != nil {
			archiver = snapshot.NewArchiver(s3Client, bucket)
		} else {
			logger.Warn("S3 client unavailable, page snapshots disabled")
		}
	}

	cfg := pipeline.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	fetcher := web.NewWebFetcher(30 * time.Second)
	extractor := fetch.NewOracleExtractor(oracle, cfg.MaxPageTokens)
	searcher := web.NewSearxClient(util.GetEnvString("SEARX_URL", "http://localhost:8080"))

	p := pipeline.New(store, oracle, fetcher, extractor, searcher, archiver,
		cfg, rand.New(rand.NewSource(time.Now().UnixNano())))
	guard := runlock.New(pool)

	runCycle := func(trigger string) error {
		logger.Info("Cycle triggered", "trigger", trigger)
		err := guard.WithCycle(ctx, func(ctx context.Context) error {
			report, err := p.RunCycle(ctx)
			if err != nil {
				return err
			}
			logMetrics(oracle)
			oracle.ResetMetrics()
			publishReport(report)
			return nil
		})
		if err == runlock.ErrBusy {
			logger.Warn("Cycle already running, trigger deferred", "trigger", trigger)
		} else if err != nil {
			logger.Error("Cycle failed", "trigger", trigger, "err", err)
		}
		return err
	}

	if util.GetEnvString("RABBITMQ_HOST", "") != "" {
		go consumeTriggers(ctx, runCycle)
	}

	intervalMin := util.GetEnvNumeric("CYCLE_INTERVAL_MINUTES", 360)
	ticker := time.NewTicker(time.Duration(intervalMin) * time.Minute)
	defer ticker.Stop()

	logger.Info("Worker started", "cycle_interval_min", intervalMin)
	runCycle("startup")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, exiting...")
			return
		case <-ticker.C:
			runCycle("timer")
		}
	}
}

func newOracle() ai.Oracle {
	var oracle ai.Oracle

	switch util.GetEnvString("AI_ADAPTER", "openai") {
	case "ollama":
		client, err := oll.NewOracleClient(oll.NewOracleClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ChatModel:       util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel: util.GetEnv("AI_EXTRACT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_MAX_CONCURRENT", 1)),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		oracle = client
	default:
		oracle = oai.NewOracleClient(oai.NewOracleClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ChatModel:       util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel: util.GetEnv("AI_EXTRACT_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		})
	}

	rps := util.GetEnvNumeric("AI_RATE_LIMIT_RPS", 2)
	burst := int(util.GetEnvNumeric("AI_RATE_LIMIT_BURST", 4))
	return ai.NewRateLimitedOracle(oracle, rps, burst)
}

// consumeTriggers runs cycles on demand from the trigger queue. The
// queue connection is worker-fatal at startup but a lost channel later
// only disables queue triggers; the timer keeps cycles running.
func consumeTriggers(ctx context.Context, runCycle func(trigger string) error) {
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	if err := ch.Qos(1, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := ch.Consume(
		queue.CycleQueue,
		"cycle_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.CycleQueue, "err", err)
	}

	reportCh.Store(ch)
	logger.Info("Listening for cycle triggers", "queue", queue.CycleQueue)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping consumer", "queue", queue.CycleQueue)
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Warn("Message channel closed, queue triggers disabled")
				return
			}

			var req queue.CycleRequest
			if len(msg.Body) > 0 {
				if err := json.Unmarshal(msg.Body, &req); err != nil {
					logger.Warn("Malformed trigger message", "err", err)
				}
			}
			if req.Reason == "" {
				req.Reason = "queue"
			}

			if err := runCycle(req.Reason); err != nil {
				queue.HandleProcessingError(ch, msg)
				continue
			}
			if err := msg.Ack(false); err != nil {
				logger.Error("Failed to ack message", "err", err)
			}
		}
	}
}

// reportCh is set once the AMQP channel is up; reports are only
// published when a queue is configured.
var reportCh atomic.Pointer[amqp.Channel]

func publishReport(report *pipeline.CycleReport) {
	ch := reportCh.Load()
	if ch == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		logger.Error("Failed to marshal cycle report", "err", err)
		return
	}
	if err := queue.PublishReport(ch, data); err != nil {
		logger.Error("Failed to publish cycle report", "err", err)
	}
}

func logMetrics(oracle ai.Oracle) {
	metrics := oracle.GetMetrics()
	duration := time.Duration(metrics.DurationMs) * time.Millisecond
	logger.Info(
		"Oracle metrics",
		"requests", metrics.Requests,
		"input_tokens", metrics.InputTokens,
		"output_tokens", metrics.OutputTokens,
		"total_tokens", metrics.TotalTokens,
		"duration", duration.Round(time.Second),
	)
}
