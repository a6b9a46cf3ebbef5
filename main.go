package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"task-tracker/backend/internal/config"
	"task-tracker/backend/internal/logger"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Encoding: cfg.Log.Encoding})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := NewApp(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize application", zap.Error(err))
	}
	if err := app.Start(context.Background()); err != nil {
		log.Fatal("failed to start application", zap.Error(err))
	}

	server := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// The server drains before the application closes the connections
	// in-flight requests still use.
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"application": func(ctx context.Context) error {
				log.Info("graceful shutdown initiated")
				serverErr := server.Shutdown(ctx)
				return errors.Join(serverErr, app.Stop(ctx))
			},
		},
	)

	exitCode := <-wait
	log.Info("application exited", zap.Int("exit_code", exitCode))
	_ = log.Sync()
	os.Exit(exitCode)
}
