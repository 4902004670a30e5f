// Command conductor hosts autonomous coding agents behind a JSON-RPC
// stdio transport.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"conductor/internal/acp"
	"conductor/internal/agent"
	"conductor/internal/approval"
	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/protocol"
	"conductor/internal/sandbox"
	"conductor/internal/stream"
)

var version = "0.3.0"

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Autonomous coding agent host",
	Long: `conductor hosts autonomous coding agents behind a JSON-RPC stdio
transport: client sessions, a bounded agent task scheduler, Docker
sandboxes, and a human approval gate in front of risky actions.

Run without arguments to serve the protocol on stdin/stdout.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the agent protocol on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the conductor version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("conductor %s (protocol v%d)\n", version, protocol.ProtocolVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	approvals := approval.NewEngine(cfg.Approval, logger)
	sandboxes := sandbox.NewOrchestrator(cfg.Sandbox, logger)
	toolbox := agent.NewToolbox(approvals, sandboxes, logger)
	scheduler := agent.NewScheduler(cfg.Scheduler, toolbox, logger)
	agent.RegisterBuiltins(scheduler)

	messages := stream.NewOrchestrator(cfg.Stream, func(msg stream.Message) error {
		logger.Info("message processed",
			zap.String("id", msg.ID),
			zap.String("type", string(msg.Type)),
			zap.String("content", msg.Content))
		return nil
	}, logger)
	messages.SetAgentNames(scheduler.Types())
	messages.Start()
	messages.ConsumeTaskEvents(scheduler.Events())

	responder := &acp.SchedulerResponder{Scheduler: scheduler, AgentType: cfg.PromptAgent}
	sessions := acp.NewManager(cfg.Session, responder, logger)
	server := protocol.NewServer(os.Stdin, os.Stdout, sessions, logger)

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		// A clean EOF must also release the watch goroutine below.
		defer cancelServe()
		return server.Serve(gctx)
	})
	if configPath != "" {
		updates, werr := config.Watch(gctx, configPath, logger)
		if werr != nil {
			logger.Warn("config watch unavailable", zap.Error(werr))
		} else {
			g.Go(func() error {
				for snapshot := range updates {
					approvals.Reconfigure(snapshot.Approval)
				}
				return nil
			})
		}
	}

	logger.Info("conductor serving",
		zap.String("version", version),
		zap.Int("protocol_version", protocol.ProtocolVersion),
		zap.Strings("agents", scheduler.Types()))

	// The serve loop ends on stdin EOF or a transport error; a signal
	// ends the process without waiting for the next stdin read.
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessions.Shutdown()
	if serr := scheduler.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	if serr := sandboxes.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	messages.Stop()

	if err != nil {
		logger.Error("conductor exited with error", zap.Error(err))
		return err
	}
	logger.Info("conductor exited cleanly")
	return nil
}
