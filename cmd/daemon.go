package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/hiboss/internal/adapters"
	"github.com/nextlevelbuilder/hiboss/internal/adapters/discord"
	"github.com/nextlevelbuilder/hiboss/internal/adapters/telegram"
	"github.com/nextlevelbuilder/hiboss/internal/auth"
	"github.com/nextlevelbuilder/hiboss/internal/config"
	"github.com/nextlevelbuilder/hiboss/internal/cron"
	"github.com/nextlevelbuilder/hiboss/internal/executor"
	"github.com/nextlevelbuilder/hiboss/internal/ipc"
	"github.com/nextlevelbuilder/hiboss/internal/logging"
	"github.com/nextlevelbuilder/hiboss/internal/provider"
	"github.com/nextlevelbuilder/hiboss/internal/router"
	"github.com/nextlevelbuilder/hiboss/internal/scheduler"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

func daemonCmd() *cobra.Command {
	var providerCmd string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Hi-Boss daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(providerCmd)
		},
	}
	cmd.Flags().StringVar(&providerCmd, "provider-cmd", os.Getenv("HIBOSS_PROVIDER_CMD"),
		"agent CLI command run per session turn")
	return cmd
}

func runDaemon(providerCmd string) error {
	paths, err := config.Resolve()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}

	logger, closeLog, err := logging.Setup(paths.Log, paths.LogDir, verbose, true)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	lock := ipc.NewLock(paths.Lock, paths.Pid, paths.Socket, logger)
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			return fmt.Errorf("daemon is already running at %s", paths.Socket)
		}
		return err
	}
	defer lock.Release()

	st, err := store.Open(paths.DB, store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Init(ctx); err != nil {
		return err
	}

	// Role topology is enforced once setup has completed; before that
	// the daemon runs so setup.execute can reach it.
	completed, err := st.SetupCompleted(ctx)
	if err != nil {
		return err
	}
	issues, err := ipc.SetupIssues(ctx, st)
	if err != nil {
		return err
	}
	if completed && len(issues) > 0 {
		for _, issue := range issues {
			logger.Error("startup check failed", "issue", issue)
		}
		return fmt.Errorf("refusing to start: %s (fix agents/bindings, then retry)", issues[0])
	}
	if !completed {
		logger.Warn("setup not completed; run `hiboss setup execute` against this daemon")
	}

	policy, err := auth.NewPolicyEngine(paths.Policy, logger)
	if err != nil {
		return err
	}

	mat := cron.New(st, logger)
	prov := provider.NewCLIProvider(providerCmd, logger)
	exec := executor.New(st, mat, prov, logger)
	registry := adapters.NewRegistry()
	rt := router.New(st, mat, registry, exec, logger)
	sched := scheduler.New(st, rt, exec, mat, logger)
	rt.SetCreatedListener(sched)
	mat.SetNotify(sched.OnEnvelopeCreated)

	if err := registerAdapters(ctx, st, registry, rt, logger); err != nil {
		return err
	}

	srv := ipc.NewServer(st, auth.NewAuthenticator(st), policy, rt, exec, mat, registry,
		paths.Socket, logger, ipc.WithAgentHome(paths.AgentHome))

	if err := registry.StartAll(ctx); err != nil {
		return err
	}
	defer registry.StopAll(context.Background())
	defer exec.CloseAll()

	if err := exec.RecoverOnStartup(ctx); err != nil {
		logger.Error("startup recovery failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return policy.Watch(gctx) })
	g.Go(func() error { lock.Heartbeat(gctx); return nil })

	logger.Info("daemon started", "root", paths.Root, "pid", os.Getpid())
	err = g.Wait()
	logger.Info("daemon stopped")
	return err
}

// registerAdapters builds one adapter per bound adapter type. When a
// type has several credentials only the first is connected; inbound
// routing is per-credential, so the rest are logged and skipped.
func registerAdapters(ctx context.Context, st *store.Store, registry *adapters.Registry, rt *router.Router, logger *slog.Logger) error {
	bindings, err := st.ListBindings(ctx, "")
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, b := range bindings {
		if seen[b.AdapterType] {
			logger.Warn("additional credential for adapter type skipped",
				"adapter", b.AdapterType, "agent", b.AgentName)
			continue
		}
		var (
			a    adapters.Adapter
			aerr error
		)
		switch b.AdapterType {
		case "telegram":
			a, aerr = telegram.New(b.AgentName, b.AdapterToken, rt, logger)
		case "discord":
			a, aerr = discord.New(b.AgentName, b.AdapterToken, rt, logger)
		default:
			logger.Warn("no adapter implementation for binding", "adapter", b.AdapterType, "agent", b.AgentName)
			continue
		}
		if aerr != nil {
			return fmt.Errorf("build %s adapter: %w", b.AdapterType, aerr)
		}
		if err := registry.Register(a); err != nil {
			return err
		}
		seen[b.AdapterType] = true
	}
	return nil
}
