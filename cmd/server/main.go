package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tabletalk"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := tabletalk.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = tabletalk.LoadConfig(*configPath)
		if err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(1)
		}
	}

	// Override from environment variables.
	if v := os.Getenv("TABLETALK_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("TABLETALK_CHAT_MODEL"); v != "" {
		cfg.ChatModel = v
	}
	if v := os.Getenv("TABLETALK_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("TABLETALK_CLOUD_BASE_URL"); v != "" {
		cfg.CloudBaseURL = v
	}
	if v := os.Getenv("TABLETALK_LOCAL_BASE_URL"); v != "" {
		cfg.LocalBaseURL = v
	}
	if v := os.Getenv("TABLETALK_LOCAL_MODEL"); v != "" {
		cfg.LocalModel = v
	}
	if v := os.Getenv("TABLETALK_STORE_DIR"); v != "" {
		cfg.StoreDir = v
	}
	if v := os.Getenv("TABLETALK_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}

	// Fallback: the well-known provider env var.
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	serverKey := os.Getenv("TABLETALK_SERVER_KEY")
	corsOrigins := os.Getenv("TABLETALK_CORS_ORIGINS")

	ctx := context.Background()
	sess, err := tabletalk.New(ctx, cfg)
	if err != nil {
		slog.Error("creating session", "error", err)
		os.Exit(1)
	}
	defer sess.Close()

	h := newHandler(sess)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("POST /ask", h.handleAsk)
	mux.HandleFunc("GET /history", h.handleHistory)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /sources", h.handleSources)
	mux.HandleFunc("GET /models", h.handleModels)
	mux.HandleFunc("POST /models/active", h.handleSetModel)
	mux.HandleFunc("POST /report", h.handleReport)
	mux.HandleFunc("POST /reset", h.handleReset)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(serverKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // uploads can embed for a long time
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
