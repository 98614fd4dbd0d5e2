// Command kernel runs the agent kernel and exposes start/stop/ps/status
// subcommands against it over a Unix domain control socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentkernel/kernel/internal/config"
	"github.com/agentkernel/kernel/internal/control"
	"github.com/agentkernel/kernel/internal/kernel"
	"github.com/agentkernel/kernel/internal/storage"
	"github.com/agentkernel/kernel/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kernel",
	Short:   "Agent kernel: context manager, scheduler, and run loop for LLM-driven agent processes",
	Version: version.Full(),
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("socket", "", "Path to control socket (default $XDG_RUNTIME_DIR/kernel.sock)")
	rootCmd.PersistentFlags().String("env", "./deploy/config/.env", "Path to .env file")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(statusCmd)
}

func socketPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("socket")
	if path != "" {
		return path
	}
	return control.DefaultSocketPath()
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kernel in-process and serve the control socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		envPath, _ := cmd.Flags().GetString("env")

		cfg, err := config.Load(configPath, envPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store, err := storage.NewPostgresStore(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("connecting to storage: %w", err)
		}
		defer store.Close()

		k, err := kernel.New(cfg, store, nil)
		if err != nil {
			return fmt.Errorf("initializing kernel: %w", err)
		}

		sockPath := socketPath(cmd)
		server, err := control.Serve(sockPath, control.New(k))
		if err != nil {
			return fmt.Errorf("serving control socket: %w", err)
		}
		defer server.Close()

		fmt.Printf("kernel started, control socket at %s\n", sockPath)

		runErr := k.Run(ctx, nil)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Kernel.ShutdownTimeout)
		defer shutdownCancel()
		if err := k.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		}

		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running kernel",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := control.Dial(socketPath(cmd))
		if err != nil {
			return fmt.Errorf("connecting to kernel: %w", err)
		}
		defer client.Close()

		if err := client.Stop(); err != nil {
			return fmt.Errorf("stopping kernel: %w", err)
		}
		fmt.Println("kernel stopped")
		return nil
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List active agent processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := control.Dial(socketPath(cmd))
		if err != nil {
			return fmt.Errorf("connecting to kernel: %w", err)
		}
		defer client.Close()

		processes, err := client.ListProcesses()
		if err != nil {
			return fmt.Errorf("listing processes: %w", err)
		}

		if len(processes) == 0 {
			fmt.Println("no active processes")
			return nil
		}
		fmt.Printf("%-38s %-20s %-8s %-12s\n", "PID", "NAME", "PRIORITY", "STATE")
		for _, p := range processes {
			fmt.Printf("%-38s %-20s %-8d %-12s\n", p.Pid, p.Name, p.Priority, p.State)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report kernel, scheduler, and context manager status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := control.Dial(socketPath(cmd))
		if err != nil {
			return fmt.Errorf("connecting to kernel: %w", err)
		}
		defer client.Close()

		status, err := client.Status()
		if err != nil {
			return fmt.Errorf("fetching status: %w", err)
		}

		fmt.Printf("state:            %s\n", status.KernelState)
		fmt.Printf("running:          %s\n", status.Running)
		fmt.Printf("ready queue:      %d\n", status.ReadyQueueSize)
		fmt.Printf("waiting queue:    %d\n", status.WaitingQueueSize)
		fmt.Printf("total processes:  %d\n", status.TotalProcesses)
		fmt.Printf("active processes: %d\n", status.ActiveProcesses)
		fmt.Printf("context usage:    %d/%d tokens (%.1f%%)\n",
			status.ContextCurrentUsage, status.ContextMaxTokens, status.ContextUsagePercent)
		fmt.Printf("resident pages:   %d\n", status.ContextResidentCount)
		fmt.Printf("swapped pages:    %d\n", status.ContextSwappedCount)
		fmt.Printf("cache hit rate:   %.1f%%\n", status.ContextCacheHitRate*100)
		for pageType, count := range status.ContextByType {
			fmt.Printf("  %-10s %d\n", pageType, count)
		}
		return nil
	},
}
