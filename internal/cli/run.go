package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dlpwatch/internal/agent"
	"github.com/ppiankov/dlpwatch/internal/systemd"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	Long:  "Starts the watcher, classifier pool and reporter. SIGINT or SIGTERM\nstops intake, drains the delivery queue for shutdown_timeout and spools\nanything left undelivered.",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	if msg := systemd.CheckUnitFile(systemd.DefaultUnitPath, systemd.HashPath(systemd.DefaultUnitPath)); msg != "" {
		logger.Warn(msg, "component", "systemd")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := agent.Start(context.Background(), cfg, agent.WithLogger(logger), agent.WithVersion(version))
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
		err = h.Shutdown(cfg.ShutdownTimeout)
	case <-h.Done():
		err = h.Wait()
	}

	out, _ := json.MarshalIndent(h.Stats(), "", "  ")
	fmt.Fprintln(os.Stderr, "Pipeline summary:")
	fmt.Fprintln(os.Stderr, string(out))

	if errors.Is(err, agent.ErrShutdownTimeout) {
		logger.Warn("shutdown deadline reached", "queued", h.Stats().Queued)
		return nil
	}
	return err
}
