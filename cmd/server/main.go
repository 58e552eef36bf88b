package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"clinical-triage/internal/agent"
	"clinical-triage/internal/config"
	"clinical-triage/internal/consultation"
	"clinical-triage/internal/escalation"
	"clinical-triage/internal/logging"
	"clinical-triage/internal/notify"
	"clinical-triage/internal/platform/telegram"
	"clinical-triage/internal/queue"
	"clinical-triage/internal/report"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policies := cfg.EscalationPolicies()
	if err := policies.Validate(); err != nil {
		logger.Error("invalid escalation policies", "error", err)
		os.Exit(1)
	}

	// 1. Infrastructure
	repo := openRepository(cfg, logger)
	q := queue.New(openQueueStore(ctx, cfg, logger), queue.WithAverageService(cfg.Queue.AverageService()))

	// 2. Clients
	tgClient := telegram.NewClient(cfg.Telegram.BotToken)
	chatID := cfg.Telegram.ChatIDValue()
	if chatID == 0 {
		logger.Warn("TELEGRAM_CHAT_ID is not set or invalid; case reports and chat notifications are disabled")
	}

	var assessor consultation.Assessor
	if cfg.Assessor.APIKey != "" {
		assessor = agent.NewDeepSeekClient(cfg.Assessor.APIKey,
			agent.WithModel(cfg.Assessor.Model),
			agent.WithEndpoint(cfg.Assessor.Endpoint))
	} else {
		logger.Warn("ASSESSOR_API_KEY is not set; triage runs on rules only")
	}

	sink := openSink(cfg, tgClient, chatID, logger)

	// 3. Services
	topics := cfg.Notifications
	roster := escalation.NewStaticRoster(cfg.Escalation.Supervisors...)
	scheduler := escalation.NewScheduler(repo, q, roster, sink, policies, logger.With("component", "escalation"),
		escalation.WithInterval(cfg.Escalation.SweepInterval()),
		escalation.WithWorkers(cfg.Escalation.Workers),
		escalation.WithTopics(escalation.Topics{Supervisor: topics.SupervisorTopic, Coordinator: topics.CoordinatorTopic}))

	deps := consultation.Deps{
		Repo:            repo,
		Assessor:        assessor,
		Queue:           q,
		Supervisors:     roster,
		Escalator:       scheduler,
		Sink:            sink,
		Topics:          consultation.Topics{Supervisor: topics.SupervisorTopic, Coordinator: topics.CoordinatorTopic, Patient: topics.PatientTopic},
		Logger:          logger.With("component", "consultation"),
		AssessorTimeout: cfg.Assessor.Timeout(),
	}
	if chatID != 0 {
		deps.Reports = report.NewService(tgClient, chatID, logger.With("component", "report"))
	}
	consultationSvc := consultation.NewService(deps)

	consultationHandler := consultation.NewHandler(consultationSvc, logger)
	if cfg.Transcriber.URL != "" {
		consultationHandler.WithTranscriber(agent.NewWhisperClient(cfg.Transcriber.URL))
	}

	go scheduler.Run(ctx)

	// 4. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS for frontend
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
			if r.Method == "OPTIONS" {
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/api", func(r chi.Router) {
		consultation.RegisterRoutes(r, consultationHandler)
		escalation.RegisterRoutes(r, escalation.NewHandler(scheduler, roster, logger))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
	}()

	logger.Info("server starting", "port", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// openRepository connects to Postgres with a short retry loop and applies migrations.
// Without a reachable database cases are kept in memory.
func openRepository(cfg config.Config, logger *slog.Logger) consultation.Repository {
	if cfg.Database.DSN == "" {
		logger.Warn("DATABASE_URL is not set; cases are kept in memory")
		return consultation.NewMemoryRepository()
	}

	var (
		db  *sql.DB
		err error
	)
	for i := 0; i < 10; i++ {
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			break
		}
		logger.Info("waiting for database", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Warn("could not connect to database; cases are kept in memory", "error", err)
		return consultation.NewMemoryRepository()
	}
	logger.Info("connected to database")

	m, err := migrate.New(cfg.Database.Migrations, cfg.Database.DSN)
	if err != nil {
		logger.Error("migration init failed", "error", err)
		os.Exit(1)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error("migration up failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	return consultation.NewRepository(db)
}

func openQueueStore(ctx context.Context, cfg config.Config, logger *slog.Logger) queue.Store {
	if cfg.Redis.Addr == "" {
		logger.Warn("REDIS_ADDR is not set; the validation queue is local to this process")
		return queue.NewMemoryStore()
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable; the validation queue is local to this process", "addr", cfg.Redis.Addr, "error", err)
		_ = rdb.Close()
		return queue.NewMemoryStore()
	}
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	return queue.NewRedisStore(rdb, cfg.Redis.Prefix)
}

// openSink fans notifications out to every configured channel. The log sink is always
// included but only observes; delivery depends on NATS and Telegram.
func openSink(cfg config.Config, tg *telegram.Client, chatID int64, logger *slog.Logger) notify.Sink {
	logger = logger.With("component", "notify")
	sinks := []notify.Sink{notify.NewLogSink(logger)}

	if cfg.NATS.URL != "" {
		ns, err := notify.NewNATSSink(notify.NATSConfig{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			JetStream:      cfg.NATS.JetStream,
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  -1,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			logger.Warn("NATS unavailable; notifications are not published to the broker", "error", err)
		} else {
			sinks = append(sinks, ns)
		}
	}

	if cfg.Telegram.BotToken != "" && chatID != 0 {
		sinks = append(sinks, notify.NewTelegramSink(tg, chatID,
			cfg.Notifications.SupervisorTopic, cfg.Notifications.CoordinatorTopic))
	}

	return notify.NewFanout(logger, sinks...)
}
