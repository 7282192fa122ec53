package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"content_sync/internal/api"
	"content_sync/internal/publisher"
	"content_sync/internal/scheduler"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Serve webhooks and drain the retry queue until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateSync(); err != nil {
			return err
		}
		return withApp(cmd, func(a *app) error {
			return runSync(cmd.Context(), a, cmd.OutOrStdout())
		})
	},
}

func runSync(ctx context.Context, a *app, out io.Writer) error {
	coordinator, err := a.coordinator(ctx)
	if err != nil {
		return err
	}

	if a.cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        a.cfg.RabbitMQ.URL,
			Exchange:   a.cfg.RabbitMQ.Exchange,
			RoutingKey: a.cfg.RabbitMQ.RoutingKey,
			QueueName:  a.cfg.RabbitMQ.QueueName,
		}, a.logger)
		if err != nil {
			a.logger.Error("failed to connect to rabbitmq", "error", err)
			return err
		}
		defer rabbitMQ.Close()
		coordinator.Subscribe(rabbitMQ)
	}

	session := a.runner.StartSync(coordinator)
	sched := scheduler.NewScheduler(session, a.cfg.Sync.Interval, a.logger)

	router := api.NewRouter(api.Deps{
		Webhooks:  coordinator,
		Sync:      coordinator,
		Progress:  a.analytics,
		Scheduler: sched,
		Gatherer:  a.registry,
	}, a.logger)

	server := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("starting content sync",
		"addr", a.cfg.Server.Addr,
		"interval", a.cfg.Sync.Interval,
		"conflict_policy", a.cfg.Sync.ConflictPolicy,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	report := session.Finish(ctx)
	if err != nil {
		a.logger.Error("sync stopped with error", "error", err)
		return err
	}
	a.logger.Info("sync stopped")
	return printReport(out, report)
}
