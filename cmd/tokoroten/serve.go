package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/tokoroten/tokoroten/internal/config"
	"github.com/tokoroten/tokoroten/internal/logger"
	"github.com/tokoroten/tokoroten/internal/pipeline"
	"github.com/tokoroten/tokoroten/internal/server"
	"github.com/tokoroten/tokoroten/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the JSON API for uploads, analysis and background processing
jobs with SSE and WebSocket progress streams.

Example:
  tokoroten serve --port 8080`,
	RunE: runServe,
}

var port int

func init() {
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default: TOKOROTEN_PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Port = port
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			ProvideLogger,
			ProvideStore,
			ProvideOrchestrator,
			ProvideAPI,
			NewHTTPServer,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(func(*http.Server) {}),
	)

	if err := app.Start(cmd.Context()); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	select {
	case <-app.Done():
	case <-cmd.Context().Done():
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return app.Stop(stopCtx)
}

// ProvideLogger builds the zap logger at the configured level
func ProvideLogger(cfg config.Config) (*zap.Logger, error) {
	return logger.New(cfg.LogLevel)
}

// ProvideStore opens the database and closes it on shutdown
func ProvideStore(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		log.Error("Failed to open database", zap.Error(err))
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}

// ProvideOrchestrator wires the pipeline; job progress goes to the jobs
// themselves, so the shared reporter is silent
func ProvideOrchestrator(cfg config.Config, log *zap.Logger) *pipeline.Orchestrator {
	return pipeline.NewOrchestrator(cfg, log, io.Discard, false)
}

// ProvideAPI builds the API and ties its job workers to the app lifecycle
func ProvideAPI(lc fx.Lifecycle, cfg config.Config, orch *pipeline.Orchestrator, st *store.Store, log *zap.Logger) *server.Server {
	api := server.New(server.Config{
		UploadDir: cfg.UploadDir,
		Jobs: server.JobConfig{
			Workers:   cfg.Workers,
			QueueSize: cfg.QueueSize,
			TTL:       cfg.JobTTL,
			Pipeline:  pipeline.ConfigFrom(cfg),
		},
	}, orch, st, log)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			api.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			api.Stop()
			return nil
		},
	})
	return api
}

func NewHTTPServer(lc fx.Lifecycle, cfg config.Config, api *server.Server, log *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long for SSE
		IdleTimeout:  60 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("Starting HTTP server", zap.String("addr", srv.Addr))
			go srv.Serve(ln)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
