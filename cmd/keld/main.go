package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/internal/storage/memory"
	"github.com/kelworks/keld/internal/storage/sqlite"
	"github.com/kelworks/keld/pkg/kel"
	"github.com/kelworks/keld/pkg/server"
)

func main() {
	levelStr := getEnv("LOG_LEVEL", "info")
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	backend := getEnv("STORAGE_BACKEND", "sqlite")
	var store storage.EventStore
	switch backend {
	case "sqlite":
		basePath := getEnv("DATA_PATH", "./data")
		sqlStore, err := sqlite.Open(basePath)
		if err != nil {
			logger.Error("failed to open store", "path", basePath, "error", err)
			os.Exit(1)
		}
		defer sqlStore.Close()
		store = sqlStore
	case "memory":
		store = memory.New()
	default:
		logger.Error("unknown storage backend", "backend", backend)
		os.Exit(1)
	}

	cacheSize := 0
	if v := os.Getenv("STATE_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Error("invalid STATE_CACHE_SIZE", "value", v, "error", err)
			os.Exit(1)
		}
		cacheSize = n
	}

	svc, err := kel.New(store, kel.Config{
		CacheSize: cacheSize,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	srv := server.New(svc, logger)

	port := getEnv("PORT", "8080")
	addr := ":" + port

	fmt.Println("KELD Service Startup")
	fmt.Println("===================================")
	fmt.Printf("Storage Backend: %s\n", backend)
	fmt.Println()
	fmt.Println("Message Submission:")
	fmt.Printf("  POST http://localhost:%s/messages\n", port)
	fmt.Println()
	fmt.Println("Query API:")
	fmt.Printf("  GET http://localhost:%s/identifiers\n", port)
	fmt.Printf("  GET http://localhost:%s/identifiers/{id}/state\n", port)
	fmt.Printf("  GET http://localhost:%s/identifiers/{id}/events\n", port)
	fmt.Printf("  GET http://localhost:%s/identifiers/{id}/events/{sn}/receipts\n", port)
	fmt.Printf("  GET http://localhost:%s/escrows/{reason}\n", port)

	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
