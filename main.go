package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// parseLogLevel převede hodnotu LOG_LEVEL na slog úroveň.
func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfg := LoadConfig()

	// 1. Setup Logger (JSON na stdout - standard pro kontejnery)
	logOpts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, logOpts))
	slog.SetDefault(logger)
	logger.Info("Startuji Baby Monitor Backend", "config", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Inicializace úložiště (Postgres + Valkey)
	repo, err := NewRepository(ctx, cfg)
	if err != nil {
		logger.Error("Kritická chyba připojení k databázím", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("Databáze připojeny")

	// 3. Ingest pipeline: limiter + MQTT smyčka
	limiter := NewLimiter(cfg.IngestConcurrency)
	ingestor := NewIngestor(cfg, repo, limiter, logger)

	// Volitelné zrcadlení logů do MQTT (topic logs/<client-id>).
	// MultiWriter píše do obou - stdout je vždy, MQTT když je spojení.
	if cfg.LogMirror {
		multi := io.MultiWriter(os.Stdout, NewMqttLogWriter(ingestor.CurrentClient, cfg.MQTTClientID))
		logger = slog.New(slog.NewJSONHandler(multi, logOpts))
		slog.SetDefault(logger)
		ingestor.logger = logger
	}

	go ingestor.Run(ctx)

	// 4. Čtecí vrstva + HTTP API
	svc := NewQueryService(repo)
	api := NewAPIHandler(svc, repo, func(deviceID string, payload map[string]any) error {
		return PublishConfig(cfg, logger, deviceID, payload)
	}, logger)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	// Jednoduchý healthcheck pro Docker/K8s
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: CorsMiddleware(mux),
	}

	go func() {
		logger.Info("HTTP server naslouchá", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server spadl", "error", err)
			os.Exit(1)
		}
	}()

	// 5. Graceful Shutdown: signál -> stop příjmu -> dojetí zápisů -> konec
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Vypínám službu...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Chyba při zastavování HTTP serveru", "error", err)
	}

	// Odpojení od brokeru a dojetí rozpracovaných zápisů.
	ingestor.Shutdown()
	logger.Info("Služba zastavena")
}
