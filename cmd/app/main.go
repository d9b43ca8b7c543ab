package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"textpilot/internal/clipboard"
	"textpilot/internal/clock"
	"textpilot/internal/config"
	"textpilot/internal/contexts"
	"textpilot/internal/httpserver"
	"textpilot/internal/kv"
	"textpilot/internal/llm"
	"textpilot/internal/popup"
	"textpilot/internal/selection"
	"textpilot/internal/transport"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)

	cb, err := clipboard.New(cfg.ClipboardMode, cfg.ClipboardTmux)
	if err != nil {
		log.Fatalf("failed to set up clipboard: %v", err)
	}

	backend, closeStore, err := kv.Open(cfg.Store, logger)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Store.Type, err)
	}
	defer closeStore()
	store := contexts.NewStore(backend, cfg.Store.Key, logger)

	httpClient := transport.NewHTTPClient(cfg.RequestTimeout)
	completer := llm.NewOpenAIClient(cfg.OpenAI, httpClient, logger)
	if cfg.OpenAI.APIKey == "" {
		logger.Warn("OPENAI_API_KEY is not set, completion requests will be rejected")
	}

	bridge := selection.NewBridge(cfg.SelectionTimeout, logger)

	budget := operationBudget(cfg.SelectionTimeout, completer.Budget(cfg.RequestTimeout))
	ctrl := popup.New(popup.ControllerConfig{
		Store:            store,
		Source:           bridge,
		Completer:        completer,
		Clipboard:        cb,
		Clock:            clock.Real(),
		Presence:         bridge,
		CopyAckDelay:     cfg.CopyAckDelay,
		OperationTimeout: budget,
		Logger:           logger,
	})

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Logger:     logger,
		Controller: ctrl,
		Bridge:     bridge,
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(budget),
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server starting",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("model", completer.Model()),
			slog.String("store", cfg.Store.Type),
			slog.String("clipboard", fmt.Sprintf("%T", cb)),
			slog.Duration("operation_budget", budget),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bridge.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

// operationBudget ограничивает одну операцию: ожидание выделения плюс
// худшее время Complete со всеми повторами и ожиданием лимитера.
func operationBudget(selectionTimeout, completion time.Duration) time.Duration {
	return selectionTimeout + completion
}

// writeTimeout оставляет запас на коммит и сериализацию ответа, чтобы
// операция не закончилась после того, как запись ответа уже отвалилась.
func writeTimeout(budget time.Duration) time.Duration {
	return budget + 5*time.Second
}

func newLogger(level string) *slog.Logger {
	slogLevel := slog.LevelInfo
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
