package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paygate/payment/order"
	"paygate/service"
	"paygate/web/middleware"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without polling the chain")
	return cmd
}

func runServe(ctx context.Context, withScheduler bool) error {
	a, err := newApp(ctx, "payment")
	if err != nil {
		return err
	}
	defer a.Close()

	if withScheduler {
		scheduler, err := order.NewScheduler(a.engine, a.cfg.Reconcile.PollInterval, a.logger)
		if err != nil {
			return err
		}
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := scheduler.Stop(); err != nil {
				a.logger.Warn("stop scheduler", zap.Error(err))
			}
		}()
	}

	srv, err := service.Start(ctx, "payment", a.cfg.HTTP.Host, a.cfg.HTTP.Port, a.router(ctx), a.logger)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-srv.Context().Done():
		return errors.New("http server stopped unexpectedly")
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) router(ctx context.Context) *gin.Engine {
	if a.cfg.Log.Encoding != "console" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(a.logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	r.Use(cors.New(corsConfig))

	limiter := middleware.NewRateLimiter(60, time.Minute) // 60 requests/min/IP
	limiter.StartCleanup(ctx, 10*time.Minute)

	r.GET("/health", service.Health(time.Now()))
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	api := r.Group("/", limiter.Middleware())
	order.RegisterHandlers(api, a.service, a.engine, a.collector, a.logger, middleware.AdminAuth(a.cfg.Security.AdminJWTSecret))
	return r
}
