package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"umbra/internal/handler"
	"umbra/internal/hub"
	"umbra/internal/repository"
	"umbra/internal/service"
	"umbra/internal/watcher"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the idle scheduler and background maintenance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), c)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

func serve(parent context.Context, c *cli) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := c.log
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e, err := buildEngine(c.cfg, log, reg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.close(closeCtx)
	}()

	sse := hub.New(hub.WithLogger(log))
	notes, unsubscribe := e.notifications(100)
	defer unsubscribe()

	sched := service.NewScheduler(e.dreamer,
		service.ActivityIdleDetector{Source: e.collector, IdleAfter: c.cfg.Synthesis.IdleAfter.Duration()},
		c.cfg.Synthesis.PollInterval.Duration(),
		service.WithBackpressure(e.thermal),
		service.WithSchedulerLogger(log),
	)

	h := handler.New(handler.Deps{
		Reports:  e.store,
		Observer: e.collector,
		Trigger:  e.dreamer,
		Thermal:  e.thermal,
		Events:   sse,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, log)
	srv := &http.Server{
		Addr:              c.cfg.Server.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sse.Run(gctx) })
	g.Go(func() error { return sse.Forward(gctx, notes) })
	g.Go(func() error { return e.collector.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		return repository.RunQuotaLoop(gctx, e.store, c.cfg.Storage.QuotaCheckInterval.Duration(), log)
	})
	if path := c.cfg.CDN.PatternsFile; path != "" {
		w := watcher.New(path, func() error { return e.cdn.LoadPatternsFile(path) }).WithLogger(log)
		g.Go(func() error { return w.Watch(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("driver", c.cfg.Database.Driver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Msg("stopped")
	return err
}
