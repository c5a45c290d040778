// Command codepodctl is a demo CLI wrapping the codepod SDK: enough to
// drive a pool and a handful of sessions from a terminal without writing
// Go. Grounded on cuemby-warren's cobra root command + persistent-flag
// shape (cmd/warren/main.go) and the teacher's cmd/sandkasten/main.go
// config-path resolution / log-level flag.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codepod-dev/codepod-go"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "codepodctl",
	Short: "codepodctl drives a codepod pool and its sessions from the command line",
	Long: `codepodctl is a thin demo client over the codepod SDK: it opens the
same SQLite store and Docker engine a long-running process would, runs one
command, and exits.

Examples:
  # Create a session and run a command in it
  codepodctl session create
  codepodctl session exec 1 -- python3 script.py

  # Inspect the pool
  codepodctl pool status`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a codepod YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(poolCmd)
}

func resolveLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newClient(ctx context.Context) (*codepod.Client, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: resolveLogLevel(logLevel)}))
	return codepod.NewClient(ctx, codepod.Config{
		ConfigYAMLPath: configPath,
		Logger:         logger,
	})
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		name, _ := cmd.Flags().GetString("name")
		sess, err := client.CreateSession(ctx, codepod.CreateOptions{Name: name})
		if err != nil {
			return err
		}
		fmt.Printf("session %d (%s) -> container %s\n", sess.ID, sess.Name, sess.ContainerID)
		return nil
	},
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List active sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		sessions, err := client.ListSessions(ctx)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Printf("%d\t%s\t%s\tcmds=%d\tlast_activity=%s\n",
				s.ID, s.Name, s.ContainerID, s.CommandCount, s.LastActivityAt.Format(time.RFC3339))
		}
		return nil
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm [session-id]",
	Short: "Destroy a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		return client.DestroySession(ctx, id)
	},
}

var sessionExecCmd = &cobra.Command{
	Use:   "exec [session-id] -- [command...]",
	Short: "Run a command in a session and print its output",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		cwd, _ := cmd.Flags().GetString("cwd")

		result, err := client.ExecCommand(ctx, id, args[1:], cwd, 0)
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, result.Stdout)
		fmt.Fprint(os.Stderr, result.Stderr)
		if result.ExitCode != 0 {
			os.Exit(result.ExitCode)
		}
		return nil
	},
}

func parseSessionID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid session id %q", s)
	}
	return id, nil
}

func init() {
	sessionCreateCmd.Flags().String("name", "", "session name (auto-generated if omitted)")
	sessionExecCmd.Flags().String("cwd", "", "working directory inside the session (defaults to the configured workdir)")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionLsCmd)
	sessionCmd.AddCommand(sessionRmCmd)
	sessionCmd.AddCommand(sessionExecCmd)
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect and manage the container pool",
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool status counts by lifecycle state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		status, err := client.PoolStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("max=%d idle=%d busy=%d warming=%d destroying=%d active_sessions=%d\n",
			status.MaxContainers, status.Idle, status.Busy, status.Warming, status.Destroying, status.ActiveSessions)
		return nil
	},
}

var poolDeleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Force-delete every managed container",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		return client.DeleteAll(ctx)
	},
}

func init() {
	poolCmd.AddCommand(poolStatusCmd)
	poolCmd.AddCommand(poolDeleteAllCmd)
}
