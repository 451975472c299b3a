package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Travelintrips/attendance2-sub000/internal/clock"
	"github.com/Travelintrips/attendance2-sub000/internal/config"
	"github.com/Travelintrips/attendance2-sub000/internal/handler"
	"github.com/Travelintrips/attendance2-sub000/internal/i18n"
	"github.com/Travelintrips/attendance2-sub000/internal/location"
	"github.com/Travelintrips/attendance2-sub000/internal/mattermost"
	"github.com/Travelintrips/attendance2-sub000/internal/service"
	"github.com/Travelintrips/attendance2-sub000/internal/store"
)

type attendanceStore interface {
	service.AttendanceStore
	service.RecordReader
}

type backend struct {
	attendance attendanceStore
	leave      service.LeaveStore
	ping       func(context.Context) error
	close      func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	i18n.Init(cfg.DefaultLocale)

	clk, err := clock.New(cfg.Timezone)
	if err != nil {
		log.Fatalf("Failed to load timezone: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreDriver, err)
	}
	defer be.close()

	mm := mattermost.NewClient(cfg.MattermostURL, cfg.AttendanceBotToken)
	botURL := cfg.BotURL

	hub := location.NewHub(clk)
	engine := service.NewEngine(be.attendance, hub, clk, service.Options{
		Zone:        cfg.Office,
		GateMaxAge:  cfg.GateMaxAge,
		FixTimeout:  cfg.FixTimeout,
		FixMaxAge:   cfg.FixMaxAge,
		SessionIdle: cfg.SessionIdle,
	})
	notifier := mattermost.NewNotifier(mm, cfg.AttendanceChannelID)
	engine.Subscribe(notifier)
	engine.SetUploader(notifier)

	go engine.RunEviction(ctx, cfg.SessionSweep)

	if w, ok := be.attendance.(store.ChangeWatcher); ok && cfg.WatchChanges {
		go func() {
			err := w.WatchChanges(ctx, func(employeeID, date string) {
				engine.HandleExternalChange(ctx, employeeID, date)
			})
			if err != nil {
				log.Printf("ERROR attendance change stream stopped: %v", err)
			}
		}()
	}

	leaveSvc := service.NewLeaveService(be.leave, engine, mm, botURL)
	reportSvc := service.NewReportService(be.attendance, be.leave)

	// Routes
	mux := http.NewServeMux()
	handler.NewAttendanceHandler(engine, hub, leaveSvc, reportSvc, mm, botURL).RegisterRoutes(mux)

	// Health checks
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := be.ping(pingCtx); err != nil {
			log.Printf("ERROR readiness: %v", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Start server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.LoggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.FixTimeout + 20*time.Second,
	}

	go func() {
		log.Printf("Attendance service started on :%s (env: %s, store: %s, zone: %s %s r=%.0fm)",
			cfg.Port, cfg.Env, cfg.StoreDriver, cfg.Office.Name, cfg.Office.Center, cfg.Office.RadiusMeters)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	cancel()
	engine.Close()
	hub.Close()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := store.OpenPostgres(cfg.PostgresDSN, cfg.PostgresAttempts, 3*time.Second)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		return &backend{
			attendance: store.NewPostgresAttendanceStore(db),
			leave:      store.NewPostgresLeaveStore(db),
			ping:       sqlDB.PingContext,
			close:      func() { sqlDB.Close() },
		}, nil

	default:
		db, err := store.NewMongoDB(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		attendance, err := store.NewMongoAttendanceStore(ctx, db)
		if err != nil {
			db.Close(context.Background())
			return nil, err
		}
		leave, err := store.NewMongoLeaveStore(ctx, db)
		if err != nil {
			db.Close(context.Background())
			return nil, err
		}
		return &backend{
			attendance: attendance,
			leave:      leave,
			ping:       db.Ping,
			close:      func() { db.Close(context.Background()) },
		}, nil
	}
}
