package main

import (
	"context"
	"database/sql"
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
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/apnedoctors/triage-orchestrator/internal/config"
	"github.com/apnedoctors/triage-orchestrator/internal/consent"
	"github.com/apnedoctors/triage-orchestrator/internal/intake"
	"github.com/apnedoctors/triage-orchestrator/internal/live"
	"github.com/apnedoctors/triage-orchestrator/internal/platform/gateway"
	"github.com/apnedoctors/triage-orchestrator/internal/platform/realtime"
	"github.com/apnedoctors/triage-orchestrator/internal/report"
	"github.com/apnedoctors/triage-orchestrator/pkg/logger"
	"github.com/apnedoctors/triage-orchestrator/pkg/metrics"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	collector := metrics.NewCollector("triage_orchestrator")

	db, err := connectDB(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("database unavailable", zap.Error(err))
	}
	defer db.Close()

	if err := runMigrations(cfg.Migrations, cfg.DatabaseURL); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}
	log.Info("migrations applied")

	// Record stores and the async consent worker.
	intakeRepo := intake.NewRepository(db)
	liveRepo := live.NewRepository(db)
	recorder := consent.NewRecorder(intakeRepo, log, collector)
	defer recorder.Shutdown()

	// Gateway client and the services on top of it.
	client := gateway.NewClient(cfg.Gateway, log, collector)
	pipeline := intake.NewPipeline(client, client, intakeRepo, log, collector)
	assembler := report.NewAssembler(client, log)

	registry := intake.NewRegistry(func() *intake.Machine {
		return intake.NewMachine(pipeline, assembler, recorder, log, collector)
	})
	intakeHandler := intake.NewHandler(registry, log)

	hub := realtime.NewHub(log)
	liveManager := live.NewManager(client, liveRepo, hub, cfg.Live.FrameInterval, log, collector)
	liveHandler := live.NewHandler(liveManager, assembler, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go liveManager.RunReaper(ctx, cfg.Live.SessionTimeout)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.FrontendURL))

	r.Route("/api", func(r chi.Router) {
		intake.RegisterRoutes(r, intakeHandler)
		live.RegisterRoutes(r, liveHandler)
		r.Get("/live/session/{sessionID}/events", hub.ServeWS)
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", zap.Error(err))
	}
}

func connectDB(url string, log *zap.Logger) (*sql.DB, error) {
	var db *sql.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sql.Open("postgres", url)
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			return db, nil
		}
		log.Info("waiting for database", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	return nil, err
}

func runMigrations(source, databaseURL string) error {
	m, err := migrate.New(source, databaseURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func corsMiddleware(frontendURL string) func(http.Handler) http.Handler {
	origin := frontendURL
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, PATCH, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			if r.Method == http.MethodOptions {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
