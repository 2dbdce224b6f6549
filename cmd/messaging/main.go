package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/message-dispatch/internal/api"
	"github.com/LeventeLantos/message-dispatch/internal/config"
	"github.com/LeventeLantos/message-dispatch/internal/logger"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
	"github.com/LeventeLantos/message-dispatch/internal/scheduler"
	"github.com/LeventeLantos/message-dispatch/internal/service"
)

const (
	exitOK         = 0
	exitError      = 1
	exitPassLocked = 2
)

type CLI struct {
	EnvFile string `name:"env-file" default:".env" help:"Optional dotenv file loaded before reading the environment."`

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the read API, the queue worker and the periodic scheduler."`
	Dispatch DispatchCmd `cmd:"" help:"Run one dispatch pass and exit."`
	Work     WorkCmd     `cmd:"" help:"Run only the queue worker."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations."`
}

type runtime struct {
	ctx    context.Context
	cfg    *config.Config
	log    *slog.Logger
	stdout io.Writer
}

type ServeCmd struct {
	NoScheduler bool `name:"no-scheduler" help:"Do not start the periodic scheduler on boot."`
}

func (c *ServeCmd) Run(rt *runtime) error {
	a, err := newApp(rt.ctx, rt.cfg, rt.log)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.pingRedis(rt.ctx); err != nil {
		return err
	}

	sched, err := scheduler.New(rt.cfg.Scheduler.Interval, a.coordinator, service.RunOptions{
		Limit:      rt.cfg.Scheduler.Limit,
		ResetStale: rt.cfg.Scheduler.ResetStale,
	}, rt.log.With("component", "scheduler"))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: rt.cfg.Server.Address,
		Handler: api.Router(api.NewHandler(api.Deps{
			Scheduler: sched,
			Runner:    a.coordinator,
			Repo:      a.repo,
			Cache:     a.cache,
			Queue:     a.queue,
			Logger:    rt.log.With("component", "api"),
		})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(rt.ctx)

	g.Go(func() error {
		rt.log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return a.queue.Run(ctx, a.worker)
	})

	if !c.NoScheduler {
		sched.Start()
	}

	g.Go(func() error {
		<-ctx.Done()
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type DispatchCmd struct {
	Limit       int  `default:"0" help:"Maximum messages to dispatch; 0 uses SCHED_LIMIT."`
	ResetStale  bool `name:"reset-stale" help:"Return stale processing messages to pending first."`
	RetryFailed bool `name:"retry-failed" help:"Return failed messages to pending first."`
}

func (c *DispatchCmd) options() service.RunOptions {
	return service.RunOptions{Limit: c.Limit, ResetStale: c.ResetStale, RetryFailed: c.RetryFailed}
}

func (c *DispatchCmd) Run(rt *runtime) error {
	a, err := newApp(rt.ctx, rt.cfg, rt.log)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.pingRedis(rt.ctx); err != nil {
		return err
	}

	res, err := a.coordinator.Run(rt.ctx, c.options())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(rt.stdout, "dispatched=%d claimed=%d batches=%d stale_reset=%d failed_reset=%d\n",
		res.Dispatched, res.Claimed, res.Batches, res.StaleReset, res.FailedReset)
	return err
}

type WorkCmd struct{}

func (c *WorkCmd) Run(rt *runtime) error {
	a, err := newApp(rt.ctx, rt.cfg, rt.log)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.pingRedis(rt.ctx); err != nil {
		return err
	}
	return a.queue.Run(rt.ctx, a.worker)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(rt *runtime) error {
	a, err := newApp(rt.ctx, rt.cfg, rt.log)
	if err != nil {
		return err
	}
	defer a.Close()

	applied, err := repo.Migrate(rt.ctx, a.pool)
	if err != nil {
		return err
	}
	rt.log.Info("migrations applied", "files", applied)
	return nil
}

func newParser(cli *CLI, stdout, stderr io.Writer) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("messaging"),
		kong.Description("Rate-limited message dispatch to a webhook gateway."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
	)
}

// exitCode maps a command error to the process status. A pass blocked by
// another holder of the lock is reported separately from failures.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, service.ErrPassInProgress):
		return exitPassLocked
	default:
		return exitError
	}
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func run(args []string, stdout, stderr io.Writer) int {
	var cli CLI
	parser, err := newParser(&cli, stdout, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return exitError
	}

	if err := loadEnvFile(cli.EnvFile); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	cfg, err := config.LoadAll()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = kctx.Run(&runtime{ctx: ctx, cfg: cfg, log: log, stdout: stdout})
	switch code := exitCode(err); code {
	case exitOK:
	case exitPassLocked:
		log.Warn("dispatch skipped, another pass holds the lock")
		return code
	default:
		log.Error("command failed", "command", kctx.Command(), "error", err)
		return code
	}
	return exitOK
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
