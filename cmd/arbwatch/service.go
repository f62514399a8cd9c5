package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"arbwatch/internal/arbitrage"
	"arbwatch/internal/jobs"
	"arbwatch/internal/metrics"
	"arbwatch/internal/queue"
	"arbwatch/internal/scheduler"
	"arbwatch/internal/server"
)

// serveFlags are shared by the long-running commands.
func serveFlags(name string) (*pflag.FlagSet, map[string]string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("addr", ":8080", "status server listen address (empty disables it)")
	fs.Int("workers", 4, "concurrent queue workers")
	return fs, map[string]string{"addr": "server.addr", "workers": "jobs.workers"}
}

func runService(ctx context.Context, configPath string, args []string) error {
	fs, keys := serveFlags("run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(ctx, configPath, fs, keys)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.repo.Migrate(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	hub := server.NewHub(a.logger)
	var (
		publisher   arbitrage.Publisher = hub
		broadcaster *server.RedisBroadcaster
	)
	if a.rdb != nil {
		broadcaster = server.NewRedisBroadcaster(a.rdb, a.logger)
		publisher = broadcaster
	}

	q, err := a.queue()
	if err != nil {
		return err
	}
	defer q.Close()

	orch := a.orchestrator(ctx, q, publisher)
	cleaner := jobs.NewCleaner(a.logger, a.repo, a.cfg.Retention)

	var locker scheduler.Locker = scheduler.NewLocalLocker()
	if a.rdb != nil {
		locker = scheduler.NewRedisLocker(a.rdb)
	}
	sched := scheduler.New(a.logger, locker)
	sched.Add(scheduler.Task{
		Name:     "sample_prices",
		Interval: a.cfg.Schedule.SampleInterval,
		Run: func(ctx context.Context) error {
			_, err := orch.DispatchSampling(ctx)
			return err
		},
	})
	sched.Add(scheduler.Task{
		Name:     "analyze",
		Interval: a.cfg.Schedule.AnalyzeInterval,
		Run: func(ctx context.Context) error {
			_, err := orch.DispatchAnalysis(ctx)
			return err
		},
	})
	sched.Add(scheduler.Task{
		Name:     "cleanup",
		Interval: a.cfg.Schedule.CleanupInterval,
		Run: func(ctx context.Context) error {
			_, err := cleaner.Run(ctx)
			return err
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	if broadcaster != nil {
		g.Go(func() error { return broadcaster.Forward(gctx, hub) })
	}
	g.Go(func() error { return q.Consume(gctx, orch.Handle) })
	g.Go(func() error { return sched.Run(gctx) })
	if a.cfg.Server.Addr != "" {
		srv := server.New(a.logger, a.repo, hub, reg)
		g.Go(func() error { return srv.ListenAndServe(gctx, a.cfg.Server.Addr) })
	}

	a.logger.Info("arbwatch started",
		"queue", a.cfg.Queue.Driver,
		"workers", a.cfg.Jobs.Workers,
		"sample_interval", a.cfg.Schedule.SampleInterval,
		"analyze_interval", a.cfg.Schedule.AnalyzeInterval,
	)
	return ignoreCanceled(g.Wait())
}

func runWorker(ctx context.Context, configPath string, args []string) error {
	fs, keys := serveFlags("worker")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(ctx, configPath, fs, keys)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Queue.Driver == "memory" || a.cfg.Queue.Driver == "" {
		return errors.New("worker needs a shared queue: set queue.driver to redis or kafka")
	}

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	q, err := a.queue()
	if err != nil {
		return err
	}
	defer q.Close()

	var publisher arbitrage.Publisher
	if a.rdb != nil {
		publisher = server.NewRedisBroadcaster(a.rdb, a.logger)
	}
	orch := a.orchestrator(ctx, q, publisher)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Consume(gctx, orch.Handle) })
	if a.cfg.Server.Addr != "" {
		srv := server.New(a.logger, a.repo, nil, reg)
		g.Go(func() error { return srv.ListenAndServe(gctx, a.cfg.Server.Addr) })
	}

	a.logger.Info("Worker started", "queue", a.cfg.Queue.Driver, "workers", a.cfg.Jobs.Workers)
	return ignoreCanceled(g.Wait())
}

func runMigrate(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(ctx, configPath, fs, nil)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.repo.Migrate(ctx); err != nil {
		return err
	}
	fmt.Println("Migrations applied")
	return nil
}

func runSample(ctx context.Context, configPath string, args []string) error {
	return dispatchOnce(ctx, configPath, args, "sample", (*jobs.Orchestrator).DispatchSampling)
}

func runAnalyzeQueued(ctx context.Context, configPath string, args []string) error {
	return dispatchOnce(ctx, configPath, args, "analyze-queued", (*jobs.Orchestrator).DispatchAnalysis)
}

// dispatchOnce enqueues one round of jobs. With the in-memory queue nothing
// else would ever consume them, so they are processed before returning.
func dispatchOnce(ctx context.Context, configPath string, args []string, name string,
	dispatch func(*jobs.Orchestrator, context.Context) (int, error),
) error {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Int("workers", 4, "concurrent workers when processing in-process")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(ctx, configPath, fs, map[string]string{"workers": "jobs.workers"})
	if err != nil {
		return err
	}
	defer a.close()

	q, err := a.queue()
	if err != nil {
		return err
	}
	defer q.Close()

	var publisher arbitrage.Publisher
	if a.rdb != nil {
		publisher = server.NewRedisBroadcaster(a.rdb, a.logger)
	}
	orch := a.orchestrator(ctx, q, publisher)

	start := time.Now()
	n, err := dispatch(orch, ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Enqueued %d jobs\n", n)

	if mq, ok := q.(*queue.MemoryQueue); ok && n > 0 {
		if err := mq.Drain(ctx, orch.Handle); err != nil {
			return err
		}
		fmt.Printf("Processed in-process in %s\n", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func runAnalyze(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("analyze", pflag.ContinueOnError)
	top := fs.Int("top", 20, "number of opportunities to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(ctx, configPath, fs, nil)
	if err != nil {
		return err
	}
	defer a.close()

	var publisher arbitrage.Publisher
	if a.rdb != nil {
		publisher = server.NewRedisBroadcaster(a.rdb, a.logger)
	}
	orch := a.orchestrator(ctx, nil, publisher)

	start := time.Now()
	summary, err := orch.RunAnalysis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Analysis failed after %s\n", time.Since(start).Round(time.Millisecond))
		if s, serr := a.settings.Snapshot(ctx); serr == nil && s.NotificationsEnabled {
			if nerr := a.notifier().SendError(context.WithoutCancel(ctx), "Arbitrage analysis failed: "+err.Error()); nerr != nil {
				a.logger.Warn("Failed to send error notification", "error", nerr)
			}
		}
		return err
	}

	r := summary.Report
	fmt.Printf("Analyzed %d listings across %d instruments in %s\n",
		summary.Listings, r.Instruments, time.Since(start).Round(time.Millisecond))
	fmt.Printf("Candidates: %d  persisted: %d  dropped: %d  deactivated: %d  delisted: %d  alerted: %d\n",
		r.Candidates, len(r.Persisted), r.Dropped, r.Deactivated, summary.Delisted, summary.Alerted)

	opps := r.Persisted
	sort.Slice(opps, func(i, j int) bool { return opps[i].NetProfitPct > opps[j].NetProfitPct })
	if *top >= 0 && len(opps) > *top {
		opps = opps[:*top]
	}
	if len(opps) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PAIR\tBUY\tSELL\tGROSS %\tNET %\tEST. PROFIT")
	for _, o := range opps {
		fmt.Fprintf(w, "%s\t%s @ %g\t%s @ %g\t%.2f\t%.2f\t%.2f %s\n",
			o.Instrument(), o.BuyExchange, o.BuyPrice, o.SellExchange, o.SellPrice,
			o.GrossProfitPct, o.NetProfitPct, o.ProfitEstimate, o.Quote)
	}
	return w.Flush()
}

func runCleanup(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("cleanup", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(ctx, configPath, fs, nil)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := jobs.NewCleaner(a.logger, a.repo, a.cfg.Retention).Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Deactivated %d opportunities, deleted %d opportunities and %d price samples\n",
		report.Deactivated, report.DeletedOpportunities, report.DeletedPrices)
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
