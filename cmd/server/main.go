package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/foresight/internal/broadcast"
	"github.com/betbot/foresight/internal/config"
	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/llm"
	"github.com/betbot/foresight/internal/market"
	"github.com/betbot/foresight/internal/orchestrator"
	"github.com/betbot/foresight/internal/server"
	"github.com/betbot/foresight/internal/sim"
	"github.com/betbot/foresight/internal/store"
	"github.com/betbot/foresight/pkg/logger"
	"github.com/betbot/foresight/pkg/shutdown"
)

func main() {
	// Load .env (best-effort). If missing, fall back to real env vars.
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("FORESIGHT_CONFIG"), "optional YAML config file")
		listenAddr = flag.String("listen", "", "HTTP listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	if err := logger.Init(logger.Config{Level: cfg.Log.Level, OutputFile: cfg.Log.File}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.StoreURL)
	if err != nil {
		logger.Errorf("store open failed: %v", err)
		os.Exit(2)
	}

	hub := broadcast.NewHub()
	st.SetPublisher(hub)

	llmClient, err := llm.New(llm.Config{
		BaseURL:       cfg.LLM.BaseURL,
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		CacheDir:      cfg.LLM.CacheDir,
		MaxConcurrent: cfg.LLM.MaxConcurrent,
	})
	if err != nil {
		logger.Errorf("llm client init failed: %v", err)
		os.Exit(1)
	}

	engine := market.NewEngine(st, hub)
	sched := sim.NewScheduler(sim.Resources{
		Store:     st,
		Engine:    engine,
		Sentiment: &sim.LLMSentimentProvider{LLM: llmClient},
		Feed:      sim.NewXFeedProvider(cfg.XAPIBaseURL, cfg.XBearerToken),
	})

	factory := func(counts domain.AgentCounts, classes []domain.ForecasterClass) server.Pipeline {
		return orchestrator.New(orchestrator.Resources{Store: st, LLM: llmClient}, orchestrator.Config{
			AgentCounts:       counts,
			ForecasterClasses: classes,
			WorkerTimeout:     cfg.AgentTimeout(),
		})
	}

	srv := server.New(st, hub, sched, factory, cfg.DedupWindow())
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context) { _ = httpSrv.Shutdown(ctx) })
	mgr.OnShutdown(func(ctx context.Context) { hub.Close() })
	mgr.OnShutdown(func(ctx context.Context) { _ = llmClient.Close() })
	mgr.OnShutdown(func(ctx context.Context) { _ = st.Close() })

	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("foresight server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("http server error")
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-stopCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Shutdown(ctx)
	logrus.Info("server stopped")
}
