package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wirepool/tokengate/internal/account"
	"github.com/wirepool/tokengate/internal/adapters"
	"github.com/wirepool/tokengate/internal/admin"
	"github.com/wirepool/tokengate/internal/codec"
	"github.com/wirepool/tokengate/internal/config"
	"github.com/wirepool/tokengate/internal/dispatch"
	"github.com/wirepool/tokengate/internal/health"
	"github.com/wirepool/tokengate/internal/logging"
	"github.com/wirepool/tokengate/internal/metrics"
	"github.com/wirepool/tokengate/internal/providers"
	"github.com/wirepool/tokengate/internal/readiness"
	"github.com/wirepool/tokengate/internal/requestlog"
	"github.com/wirepool/tokengate/internal/upstream"
	"github.com/wirepool/tokengate/internal/version"
)

func main() {
	cfg := config.Load()
	account.HFailThreshold = int(cfg.HFailThreshold)

	box, err := buildBox(cfg)
	if err != nil {
		log.Fatalf("Failed to build encryption box: %v", err)
	}

	store, err := account.Open(cfg.DBPath, box)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	if err := providers.SeedFromEnvAndFile(store); err != nil {
		log.Printf("⚠️ model route seeding failed: %v", err)
	}

	locks := account.NewLockTable()
	selector := account.NewSelector(store, locks)
	refresher := account.NewRefresher(cfg.RefreshEndpoint, 15*time.Second)
	transport := upstream.NewClient(cfg.UpstreamBaseURLs, 5*time.Minute)
	m := metrics.New()

	pipeline := dispatch.New(store, selector, refresher, transport, codec.JSONSSE{}, m, dispatch.Config{
		MaxAccountsPerRequest: cfg.MaxAccountsPerReq,
		FThreshold:            cfg.FThreshold,
		CoolShort:             cfg.Cooldown,
		CoolLong:              cfg.QuotaCooldown,
		RefreshLeadTime:       time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := health.NewMonitor(store, refresher, locks, m, cfg.PoolRefreshInterval)
	monitor.Start(ctx)
	defer monitor.Stop()

	reporter := readiness.NewReporter(store)
	requests := requestlog.NewLogger(store.DB())
	adminServer := admin.NewServer(store, refresher, reporter, requests)

	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/readiness", adminHealthz(reporter))
	r.Get("/version", versionHandler)

	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.Auth(admin.AuthMode(cfg.AdminAuthMode), cfg.AdminToken))
		adminServer.Routes(r)
	})

	openai := adapters.OpenAI{Requests: requests}
	anthropic := adapters.Anthropic{Requests: requests}
	gemini := adapters.Gemini{Requests: requests}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", func(w http.ResponseWriter, req *http.Request) {
			openai.ServeChat(w, req, pipeline)
		})
	})

	r.Route("/anthropic/v1", func(r chi.Router) {
		r.Post("/messages", func(w http.ResponseWriter, req *http.Request) {
			anthropic.ServeChat(w, req, pipeline)
		})
	})

	r.Route("/genai/v1beta/models", func(r chi.Router) {
		r.Post("/{model}:generateContent", func(w http.ResponseWriter, req *http.Request) {
			gemini.ServeChat(w, req, pipeline)
		})
		r.Post("/{model}:streamGenerateContent", func(w http.ResponseWriter, req *http.Request) {
			gemini.ServeChat(w, req, pipeline)
		})
	})

	addr := cfg.Addr()
	log.Printf("🚀 tokengate %s (commit %s, built %s) starting on http://%s", version.Version, version.Commit, version.BuildTime, addr)
	log.Printf("🔌 OpenAI API: http://%s/v1", addr)
	log.Printf("🔌 Anthropic API: http://%s/anthropic/v1", addr)
	log.Printf("🔌 GenAI API: http://%s/genai/v1beta", addr)
	log.Printf("🛠️  Admin surface: http://%s/admin", addr)

	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		log.Printf("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

func buildBox(cfg config.Config) (*account.Box, error) {
	if cfg.EncryptionKey == "" {
		host, _ := os.Hostname()
		return account.NewBox(account.DeriveFallbackKey(host, cfg.DBPath))
	}
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(cfg.EncryptionKey, "="))
	if err != nil || len(key) != 32 {
		return account.NewBox(account.DeriveFallbackKey(cfg.EncryptionKey))
	}
	return account.NewBox(key)
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_time": version.BuildTime,
	})
}

func adminHealthz(reporter *readiness.Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := reporter.Readiness()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if !snap.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	}
}
