// Command cosched-bench drives a scheduler with a configurable synthetic
// workload and prints what the dispatcher did with it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	cosched "github.com/Swind/go-coroutine-scheduler"
	"github.com/Swind/go-coroutine-scheduler/core"
	obs "github.com/Swind/go-coroutine-scheduler/observability/prometheus"
)

var benchFlags struct {
	config      string
	name        string
	minThreads  int
	maxThreads  int
	tasks       int
	producers   int
	yields      int
	rate        float64
	blockEvery  int
	blockFor    time.Duration
	sleep       time.Duration
	metricsAddr string
	verbose     bool
}

func main() {
	app := &cli.App{
		Name:  "cosched-bench",
		Usage: "run a synthetic workload through a coroutine scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "scheduler config file (.json, .yaml or .yml)",
				Destination: &benchFlags.config,
			},
			&cli.StringFlag{
				Name:        "name",
				Usage:       "scheduler name, overrides the config file",
				Destination: &benchFlags.name,
			},
			&cli.IntFlag{
				Name:        "min-threads",
				Usage:       "initial processer count (0 keeps the config value)",
				Destination: &benchFlags.minThreads,
			},
			&cli.IntFlag{
				Name:        "max-threads",
				Usage:       "processer ceiling (0 keeps the config value)",
				Destination: &benchFlags.maxThreads,
			},
			&cli.IntFlag{
				Name:        "tasks",
				Value:       10000,
				Usage:       "total number of tasks to admit",
				Destination: &benchFlags.tasks,
			},
			&cli.IntFlag{
				Name:        "producers",
				Value:       4,
				Usage:       "goroutines admitting tasks concurrently",
				Destination: &benchFlags.producers,
			},
			&cli.IntFlag{
				Name:        "yields",
				Value:       10,
				Usage:       "times each task yields before returning",
				Destination: &benchFlags.yields,
			},
			&cli.Float64Flag{
				Name:        "rate",
				Usage:       "admissions per second across all producers (0 is unlimited)",
				Destination: &benchFlags.rate,
			},
			&cli.IntFlag{
				Name:        "block-every",
				Usage:       "make every Nth task block its processer synchronously (0 disables)",
				Destination: &benchFlags.blockEvery,
			},
			&cli.DurationFlag{
				Name:        "block-for",
				Value:       200 * time.Millisecond,
				Usage:       "how long a blocking task holds its processer",
				Destination: &benchFlags.blockFor,
			},
			&cli.DurationFlag{
				Name:        "sleep",
				Usage:       "cooperative sleep between yields",
				Destination: &benchFlags.sleep,
			},
			&cli.StringFlag{
				Name:        "metrics-addr",
				Usage:       "serve Prometheus metrics on this address while running",
				Destination: &benchFlags.metricsAddr,
			},
			&cli.BoolFlag{
				Name:        "verbose",
				Aliases:     []string{"v"},
				Usage:       "log scheduler lifecycle events at debug level",
				Destination: &benchFlags.verbose,
			},
		},
		Action: runBench,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadBenchConfig() (*cosched.Config, error) {
	cfg := &cosched.Config{}
	if benchFlags.config != "" {
		loaded, err := cosched.LoadConfigFile(benchFlags.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if benchFlags.name != "" {
		cfg.Name = benchFlags.name
	}
	if benchFlags.minThreads > 0 {
		cfg.MinThreads = benchFlags.minThreads
	}
	if benchFlags.maxThreads > 0 {
		cfg.MaxThreads = benchFlags.maxThreads
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runBench(cctx *cli.Context) error {
	if benchFlags.tasks <= 0 || benchFlags.producers <= 0 {
		return errors.New("tasks and producers must be positive")
	}

	cfg, err := loadBenchConfig()
	if err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if benchFlags.verbose {
		level = zerolog.DebugLevel
	}
	cfg.Logger = core.NewConsoleLogger(os.Stderr, level)

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var poller *obs.SnapshotPoller
	var server *http.Server
	if benchFlags.metricsAddr != "" {
		reg := prom.NewRegistry()
		exporter, err := obs.NewMetricsExporter("cosched", reg, obs.ExporterOptions{})
		if err != nil {
			return err
		}
		cfg.Metrics = exporter
		if poller, err = obs.NewSnapshotPoller(reg, 100*time.Millisecond); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server = &http.Server{Addr: benchFlags.metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	s := cosched.Create(cfg)
	s.StartFromConfig()

	if poller != nil {
		poller.AddScheduler(s.Name(), s)
		poller.Start(ctx)
		defer poller.Stop()
	}
	if server != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	limit := rate.Inf
	if benchFlags.rate > 0 {
		limit = rate.Limit(benchFlags.rate)
	}
	limiter := rate.NewLimiter(limit, benchFlags.producers)

	var seq atomic.Int64
	var done atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for range benchFlags.producers {
		g.Go(func() error {
			for {
				n := seq.Add(1)
				if n > int64(benchFlags.tasks) {
					return nil
				}
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				s.CreateTask(gctx, benchTask(n, &done), cosched.TaskOpt{Name: fmt.Sprintf("bench-%d", n)})
			}
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	admitted := time.Since(start)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !s.IsEmpty() {
		select {
		case <-ctx.Done():
			return s.StopAndWait(context.Background())
		case <-ticker.C:
		}
	}
	elapsed := time.Since(start)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.StopAndWait(stopCtx); err != nil {
		return err
	}

	printReport(s.Stats(), done.Load(), admitted, elapsed)
	return nil
}

func benchTask(n int64, done *atomic.Int64) cosched.TaskFunc {
	blocking := benchFlags.blockEvery > 0 && n%int64(benchFlags.blockEvery) == 0
	return func(ctx context.Context) {
		defer done.Add(1)
		if blocking {
			// Holds the processer goroutine; the dispatcher has to move the
			// rest of this queue elsewhere.
			time.Sleep(benchFlags.blockFor)
		}
		for range benchFlags.yields {
			if benchFlags.sleep > 0 {
				cosched.Sleep(ctx, benchFlags.sleep)
				continue
			}
			cosched.Yield(ctx)
		}
	}
}

func printReport(st cosched.SchedulerStats, completed int64, admitted, elapsed time.Duration) {
	fmt.Printf("scheduler %s: %d tasks in %v (admission took %v)\n",
		st.Name, completed, elapsed.Round(time.Millisecond), admitted.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Printf("  throughput: %.0f tasks/s\n", float64(completed)/secs)
	}
	fmt.Printf("  processers: %d (min %d, max %d), spawned %d, ceiling hits %d\n",
		len(st.Processers), st.MinThreads, st.MaxThreads, st.Spawned, st.CeilingHits)
	fmt.Printf("  stolen: %d\n", st.Stolen)
	for _, p := range st.Processers {
		fmt.Printf("  processer %d: served=%d switches=%d\n", p.ID, p.Served, p.Switches)
	}
}
