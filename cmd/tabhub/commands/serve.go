package commands

import (
	"context"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tabhub/config"
	"github.com/teranos/tabhub/errors"
	"github.com/teranos/tabhub/hub"
	"github.com/teranos/tabhub/lifecycle"
	"github.com/teranos/tabhub/logger"
)

// ServeCmd starts a standalone hub
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"hub"},
	Short:   "Start a standalone hub on the well-known port",
	Long: `Bind the hub port on the loopback interface and relay frames between
the browser extension and tool clients. Usually the hub is started
implicitly by the first client on a host; serve runs it explicitly.`,
	RunE: runServe,
}

var (
	servePort       int
	serveHealthPort int
	serveNoBanner   bool
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Hub port (overrides config)")
	ServeCmd.Flags().IntVar(&serveHealthPort, "health-port", 0, "Health endpoint port (overrides config)")
	ServeCmd.Flags().BoolVar(&serveNoBanner, "no-banner", false, "Suppress the startup banner")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	if servePort > 0 {
		cfg.Hub.Port = servePort
	}
	if serveHealthPort > 0 {
		cfg.Hub.HealthPort = serveHealthPort
	}

	if !serveNoBanner {
		printStartupBanner(cfg.Hub.Port, cfg.Hub.HealthPort)
	}

	h := hub.New(hub.ConfigFromApp(cfg), logger.Logger.Named("hub"))
	if err := h.Start(); err != nil {
		return errors.Wrap(err, "failed to start hub")
	}

	cleanup := lifecycle.NewCleanupRegistry(logger.Logger.Named("cleanup"))
	cleanup.Register("hub", func(ctx context.Context) error {
		return h.Stop()
	})
	cleanup.Register("logger", func(ctx context.Context) error {
		return logger.Cleanup()
	})

	// Orphan detection: shut down when the configured parent disappears.
	sigChan := lifecycle.NotifyShutdown()
	if cfg.Client.ParentPID > 0 {
		monitor := lifecycle.NewParentMonitor(cfg.Client.ParentPID, func() {
			sigChan <- os.Interrupt
		}, logger.Logger.Named("parent"))
		monitor.Start()
		cleanup.Register("parent-monitor", func(ctx context.Context) error {
			monitor.Stop()
			return nil
		})
	}

	<-sigChan
	pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

	shutdownDone := make(chan struct{})
	go func() {
		cleanup.Run(context.Background(), hub.ShutdownTimeout)
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		pterm.Success.Println("Hub stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("\nForce shutdown - exiting immediately")
		os.Exit(1)
		return nil // unreachable
	case <-time.After(hub.ShutdownTimeout + 5*time.Second):
		pterm.Warning.Println("Shutdown budget exceeded - exiting")
		return nil
	}
}
