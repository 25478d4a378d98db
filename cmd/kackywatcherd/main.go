package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Flewrider/kackychecker/internal/events"
	"github.com/Flewrider/kackychecker/internal/platform/config"
	"github.com/Flewrider/kackychecker/internal/platform/logger"
	"github.com/Flewrider/kackychecker/internal/platform/metrics"
	"github.com/Flewrider/kackychecker/internal/schedule"
	"github.com/Flewrider/kackychecker/internal/store"
	"github.com/Flewrider/kackychecker/internal/watcher"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "text")
	dbPath := config.GetEnv("KACKY_DB_PATH", "kackychecker.db")
	scheduleURL := config.GetEnv("KACKY_SCHEDULE_URL", schedule.DefaultURL)
	userAgent := config.GetEnv("KACKY_USER_AGENT", schedule.DefaultUserAgent)
	requestTimeout := config.GetEnvSeconds("KACKY_REQUEST_TIMEOUT_SECONDS", 10*time.Second)
	checkInterval := config.GetEnvSeconds("KACKY_CHECK_INTERVAL_SECONDS", time.Second)
	finishCooldown := config.GetEnvSeconds("KACKY_FINISH_COOLDOWN_SECONDS", 0)

	policy := watcher.PolicyConfig{
		ETAThreshold:        config.GetEnvSeconds("KACKY_ETA_FETCH_THRESHOLD_SECONDS", 60*time.Second),
		LiveLookahead:       config.GetEnvSeconds("KACKY_LIVE_LOOKAHEAD_SECONDS", 10*time.Second),
		MinFetchInterval:    config.GetEnvSeconds("KACKY_MIN_FETCH_INTERVAL_SECONDS", 2*time.Second),
		UnknownRefetchEvery: config.GetEnvSeconds("KACKY_UNKNOWN_REFETCH_SECONDS", 60*time.Second),
		StaleRefetchEvery:   config.GetEnvSeconds("KACKY_STALE_REFETCH_SECONDS", 300*time.Second),
	}

	log := logger.New(logLevel, logFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, dbPath)
	if err != nil {
		log.Error("open preference store", "error", err, "path", dbPath)
		os.Exit(1)
	}
	defer st.Close()

	// Learned uptimes survive restarts: seed the model from the store.
	seed := make(map[watcher.ServerLabel]int)
	if uptimes, err := st.Uptimes(ctx); err != nil {
		log.Warn("load server uptimes", "error", err)
	} else {
		for server, seconds := range uptimes {
			seed[watcher.ServerLabel(server)] = seconds
		}
	}

	hub := events.NewHub(logger.Component(log, "events"))
	met := metrics.New()
	src := schedule.NewClient(scheduleURL, userAgent, requestTimeout, logger.Component(log, "schedule"))

	cb := watcher.Callbacks{
		OnStatusUpdate: func(msg string) {
			hub.Broadcast(events.Message{Type: events.EventStatus, Data: msg})
		},
		OnLiveNotification: func(id watcher.MapID, server watcher.ServerLabel) {
			hub.Broadcast(events.Message{Type: events.EventLive, Data: watcher.LiveEvent{Map: id, Server: server}})
		},
		OnSummaryUpdate: func(s watcher.Summary) {
			hub.Broadcast(events.Message{Type: events.EventSummary, Data: s})
		},
		OnUptimeLearned: func(server watcher.ServerLabel, seconds int) {
			if err := st.UpsertUptime(ctx, string(server), seconds); err != nil {
				log.Warn("persist server uptime", "server", string(server), "error", err)
			}
		},
	}

	w := watcher.New(
		watcher.Config{CheckInterval: checkInterval, Policy: policy},
		src,
		seed,
		cb,
		logger.Component(log, "watcher"),
		met,
	)

	tracked, err := st.TrackedMaps(ctx, finishCooldown, time.Now())
	if err != nil {
		log.Error("load tracked maps", "error", err)
		os.Exit(1)
	}
	ids := make([]watcher.MapID, 0, len(tracked))
	for _, id := range tracked {
		ids = append(ids, watcher.MapID(id))
	}
	w.SetWatched(ids)
	if len(ids) == 0 {
		log.Warn("no maps are being tracked yet, use POST /api/maps/{map_id}/track")
	}

	go w.Run(ctx)

	h := watcher.NewHandler(w, st, logger.Component(log, "http"))

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(rw, `{"status":"ok","version":%q}`, version)
	})
	r.Get("/metrics", func(rw http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetWatchedMaps(len(w.Watched()))
		}).ServeHTTP(rw, req)
	})
	r.Get("/events", events.ServeSSE(hub, logger.Component(log, "sse")))
	r.Route("/api", func(r chi.Router) {
		r.Get("/summary", h.GetSummary)
		r.Post("/refresh", h.Refresh)
		r.Route("/maps", func(r chi.Router) {
			r.Get("/", h.ListMaps)
			r.Post("/{map_id}/track", h.TrackMap)
			r.Post("/{map_id}/untrack", h.UntrackMap)
			r.Post("/{map_id}/finish", h.FinishMap)
		})
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("kacky watcher starting",
		"version", version,
		"port", port,
		"schedule_url", scheduleURL,
		"check_interval", checkInterval.String(),
		"watched_maps", len(ids),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("stopped")
}
