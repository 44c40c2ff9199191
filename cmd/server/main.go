// Package main initializes and starts the waybill reference HTTP server,
// setting up configuration, logging, database connections, repositories,
// services and handlers.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/config"
	"github.com/agroup14/waybill/internal/db"
	"github.com/agroup14/waybill/internal/logger"
	"github.com/agroup14/waybill/internal/repository"
	"github.com/agroup14/waybill/internal/server/handler/http"
	"github.com/agroup14/waybill/internal/service"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse command-line, config file and environment configuration.
	options, err := config.ParseServer(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL connection and schema.
	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}
	defer postgresDB.Close()

	db.StartSoftDeleteCleaner(ctx, postgresDB,
		time.Duration(options.PurgeInterval),
		time.Duration(options.Retention),
		zapLogger,
	)

	// Initialize repositories for users and records.
	authRepo := repository.NewPostgresAuthRepository(postgresDB)
	recordRepo := repository.NewPostgresRecordRepository(postgresDB)

	// Initialize business-logic services.
	authService := service.NewAuthService(authRepo)
	recordService := service.NewRecordService(recordRepo, service.DefaultUniqueFields())

	// Create HTTP handlers for users and records.
	userHandler := &http.UserHandler{Users: authService}
	recordHandler := &http.RecordHandler{Records: recordService, Log: zapLogger.Named("records")}

	// Build the router with middleware and routes.
	router := http.NewRouter(recordHandler, userHandler, authService, zapLogger)

	server := &nethttp.Server{
		Addr:              options.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	zapLogger.Info("starting HTTP server", zap.String("addr", options.Port))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("failed to start HTTP server", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}
