// Package main runs the mock enterprise API the pipeline acts against:
// a ticketing/email collaborator with idempotent replays, request capture
// and chaos injection for integration runs.
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

	"github.com/Yash-Kakadiya/salesops-suite/mockapi"
	"github.com/Yash-Kakadiya/salesops-suite/observability"
)

func main() {
	port := flag.Int("port", 7777, "Listen port")
	dbPath := flag.String("db", "outputs/mock_db.json", "Idempotency store path")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	flag.Parse()

	logger := observability.SetupLogging(*logLevel, *logFormat)

	srv, err := mockapi.NewServer(*dbPath, logger)
	if err != nil {
		logger.Error("failed to initialize mock API", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", *port)
	server := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("mock API starting", "address", addr, "db", *dbPath)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("server close error", "error", err)
			}
		}

		logger.Info("server stopped gracefully")
	}
}
