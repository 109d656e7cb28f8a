package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/tandem/pkg/approval"
	"github.com/odvcencio/tandem/pkg/bus"
	"github.com/odvcencio/tandem/pkg/config"
	"github.com/odvcencio/tandem/pkg/host"
	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/manager"
	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/sandbox"
	"github.com/odvcencio/tandem/pkg/session"
	"github.com/odvcencio/tandem/pkg/telemetry"
	"github.com/odvcencio/tandem/pkg/workflow"
	"github.com/odvcencio/tandem/pkg/workflow/agent"
)

// Version information - set via ldflags during build
var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

type options struct {
	configPath  string
	policy      string
	dryRun      bool
	workDir     string
	showVersion bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("tandem", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "config file (default: ~/.tandem/config.yaml then ./.tandem/config.yaml)")
	fs.StringVar(&opts.policy, "policy", "", "approval policy: suggest, auto-edit or full-auto")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "answer with a canned model instead of calling the API")
	fs.StringVar(&opts.workDir, "workdir", "", "working directory for tool calls (default: current directory)")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, withExitCode(err, exitUsage)
	}
	if fs.NArg() > 0 {
		return opts, withExitCode(fmt.Errorf("unexpected arguments: %v", fs.Args()), exitUsage)
	}
	if opts.policy != "" {
		if _, err := approval.ParsePolicy(opts.policy); err != nil {
			return opts, withExitCode(err, exitUsage)
		}
	}
	return opts, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "tandem: %v\n", err)
	}
	if errors.Is(err, flag.ErrHelp) {
		err = nil
	}
	os.Exit(exitCodeForError(err))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "tandem %s (%s)\n", version, commit)
		return nil
	}

	workDir := opts.workDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return err
		}
	}

	cfg, watchPath, err := loadConfig(opts)
	if err != nil {
		return withExitCode(err, exitConfig)
	}

	runID := session.GenerateInstanceID("run")
	logger, err := logging.NewLogger(cfg.LogDir(), runID)
	if err != nil {
		fmt.Fprintf(stderr, "tandem: logging disabled: %v\n", err)
		logger = logging.NewNop()
	}
	defer logger.Close()
	logger.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))

	hub := telemetry.NewHub()
	defer hub.Close()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	if err := metrics.WatchHub(hub); err != nil {
		_ = logger.Warn(logging.CategoryConfig, "metrics_register_failed", err.Error(), nil)
	}

	if cfg.Telemetry.Tracing {
		tp, err := telemetry.NewTracerProvider("tandem", stderr)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Telemetry.MetricsAddr != "" {
		srv := serveMetrics(cfg.Telemetry.MetricsAddr, metrics, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Bus.NATSURL != "" {
		stopBridge, err := startBridge(ctx, cfg.Bus, hub, logger)
		if err != nil {
			// Observers are optional; the session still runs.
			fmt.Fprintf(stderr, "tandem: event bus disabled: %v\n", err)
		} else {
			defer stopBridge()
		}
	}

	var caller model.Caller
	if opts.dryRun {
		scripted := model.NewScriptedCaller()
		scripted.Fallback = &model.GenerateResult{
			Messages:     []model.Message{model.TextMessage(model.RoleAssistant, "(dry run) no model is called in this mode.")},
			FinishReason: model.FinishStop,
		}
		caller = scripted
	}

	mgr := manager.New(manager.Options{Host: host.Options{
		Config:     cfg,
		Caller:     caller,
		Executor:   sandbox.NewExecutor(sandbox.ExecutorOptions{Logger: logger, Metrics: metrics}),
		Logger:     logger,
		Hub:        hub,
		Metrics:    metrics,
		WorkingDir: workDir,
	}})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Shutdown(shutdownCtx)
	}()

	factory := func(title string) workflow.Factory {
		return agent.Factory(agent.Options{
			Title:         title,
			ModelName:     cfg.Model.Name,
			MaxIterations: cfg.Model.MaxIterations,
		})
	}

	if watchPath != "" {
		go func() {
			err := config.Watch(ctx, watchPath, func(next *config.Config, err error) {
				if err == nil && opts.configPath == "" {
					// Re-layer the user file under the changed project file.
					next, err = config.Load()
				}
				if err != nil {
					_ = logger.Warn(logging.CategoryConfig, "reload_failed", err.Error(), map[string]any{"path": watchPath})
					return
				}
				if opts.policy != "" {
					next.Approval.Policy = opts.policy
				}
				if _, err := mgr.Reconfigure(ctx, next); err != nil {
					_ = logger.Warn(logging.CategoryConfig, "reconfigure_failed", err.Error(), nil)
				}
			})
			if err != nil {
				_ = logger.Warn(logging.CategoryConfig, "watch_failed", err.Error(), map[string]any{"path": watchPath})
			}
		}()
	}

	r := newREPL(mgr, factory, hub, stdout, stdinIsTerminalFn())
	r.logPath = logger.RunLog()
	if _, err := mgr.CreateInstance(ctx, factory(""), manager.CreateOptions{Activate: true}); err != nil {
		r.printf("! %v\n", err)
	}
	return r.run(ctx, stdin)
}

// loadConfig returns the merged configuration and the file to watch for
// changes, if any.
func loadConfig(opts options) (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if opts.configPath != "" {
		path = opts.configPath
		cfg, err = config.LoadFromPath(path)
	} else {
		path = config.ProjectPath("")
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, "", err
	}
	if opts.policy != "" {
		cfg.Approval.Policy = opts.policy
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
	}
	return cfg, path, nil
}

func serveMetrics(addr string, metrics *telemetry.Metrics, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = logger.Error(logging.CategoryConfig, "metrics_server_failed", err.Error(), map[string]any{"addr": addr})
		}
	}()
	return srv
}

func startBridge(ctx context.Context, cfg config.BusConfig, hub *telemetry.Hub, logger *logging.Logger) (func(), error) {
	busCfg := bus.DefaultConfig()
	busCfg.URL = cfg.NATSURL
	mb, err := bus.NewNATSBus(busCfg)
	if err != nil {
		return nil, err
	}
	bridge := bus.NewBridge(hub, mb, cfg.SubjectPrefix, logger)
	bridge.Start(ctx)
	return func() {
		bridge.Stop()
		_ = mb.Close()
	}, nil
}
