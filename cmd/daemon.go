package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeffjacobsen/crystal/command"
	"github.com/jeffjacobsen/crystal/config"
	"github.com/jeffjacobsen/crystal/git"
	"github.com/jeffjacobsen/crystal/internal/daemon/pidfile"
	"github.com/jeffjacobsen/crystal/internal/daemon/server"
	"github.com/jeffjacobsen/crystal/internal/daemon/watcher"
	"github.com/jeffjacobsen/crystal/internal/db"
	"github.com/jeffjacobsen/crystal/internal/limiter"
	"github.com/jeffjacobsen/crystal/internal/runner"
	"github.com/jeffjacobsen/crystal/internal/store"
	"github.com/jeffjacobsen/crystal/logging"
)

// NewDaemonCmd returns the crystald daemon command with subcommands.
func NewDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the crystal daemon",
		Long:  "The daemon owns all session state, agent processes, and worktree allocation.",
	}

	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())

	return cmd
}

func newDaemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Long:  "Start the crystal daemon in foreground mode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			factory := logging.NewFactory(cfg.Logging)
			logger := factory.Logger("crystald")

			// 1. Acquire lock
			if err := pidfile.Acquire(cfg.PidFilePath); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			defer func() {
				if err := pidfile.Release(cfg.PidFilePath); err != nil {
					logger.WithError(err).Error("Failed to release pidfile")
				}
			}()

			// 2. Open the database and build collaborators
			database, err := db.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			builder := command.NewSafeBuilder()
			worktrees := git.NewManager(builder, cfg.Worktrees.DirName, factory.Logger("worktree"))
			agentRunner := runner.New(runner.Config{
				SilenceTimeout:  cfg.Agent.SilenceTimeout.Std(),
				TotalTimeout:    cfg.Agent.TotalTimeout.Std(),
				KillGracePeriod: cfg.Agent.KillGracePeriod.Std(),
			}, &command.RealExecutor{}, factory.Logger("runner"))

			st := store.New(store.Options{
				DB:       database,
				Bus:      store.NewBus(),
				Worktree: worktrees,
				Runner:   agentRunner,
				Limiter:  limiter.New(cfg.Limits.MaxConcurrent),
				Agent:    cfg.Agent,
				Logger:   factory.Logger("store"),
			})
			if err := st.Restore(cmd.Context()); err != nil {
				return fmt.Errorf("failed to restore sessions: %w", err)
			}
			defer st.Close()

			// 3. Server
			srv := server.New(st, worktrees, factory.Logger("server"))
			srv.SetRunningConfig(&server.RunningConfig{
				AgentCommand:   cfg.Agent.Command,
				SilenceTimeout: cfg.Agent.SilenceTimeout.Std(),
				TotalTimeout:   cfg.Agent.TotalTimeout.Std(),
				MaxConcurrent:  cfg.Limits.MaxConcurrent,
				StartedAt:      time.Now(),
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// 4. Housekeeping
			housekeeper := store.NewHousekeeper(st, builder, factory.Logger("housekeeping"))
			go housekeeper.Run(ctx, cfg.Housekeeping.Interval.Std())

			// 5. Config watcher. Structural settings need a restart; the
			// reload event lets clients surface that.
			configPath := config.DefaultPath()
			if flagPath, _ := cmd.Flags().GetString("config"); flagPath != "" {
				configPath = flagPath
			}
			cw, err := watcher.New(configPath, 100*time.Millisecond, factory.Logger("config-watcher"), func(_ *config.Config) {
				st.Bus().Publish(store.Event{Type: store.EventConfigReloaded})
			})
			if err != nil {
				logger.WithError(err).Warn("Config watcher unavailable")
			} else {
				go cw.Start(ctx)
				defer cw.Close()
			}

			// 6. Handle signals
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-stop
				logger.Info("Received stop signal")
				cancel()

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.WithError(err).Error("Server shutdown error")
				}
			}()

			// 7. Serve (blocking)
			logger.WithField("pid", os.Getpid()).Info("Starting daemon")
			if err := srv.ListenAndServe(cfg.SocketPath); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			running, pid, err := pidfile.IsRunning(cfg.PidFilePath)
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}
			if !running {
				fmt.Println("Daemon is not running")
				return nil
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to send stop signal: %w", err)
			}
			fmt.Printf("Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			running, pid, err := pidfile.IsRunning(cfg.PidFilePath)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if running {
				fmt.Printf("Running (PID: %d)\nSocket: %s\n", pid, cfg.SocketPath)
			} else {
				fmt.Println("Stopped")
				os.Exit(1) // Non-zero for stopped state, useful in scripts
			}
			return nil
		},
	}
}
