package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/tabhub/autohub"
	"github.com/teranos/tabhub/config"
	"github.com/teranos/tabhub/errors"
	"github.com/teranos/tabhub/logger"
	"github.com/teranos/tabhub/mcpserver"
	"github.com/teranos/tabhub/protocol"
)

// McpCmd runs an MCP stdio server backed by the hub
var McpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run an MCP stdio server (connects to the hub, or starts one)",
	Long: `Expose the browser automation tools over the Model Context Protocol
on stdin/stdout. The first client on a host transparently starts the hub;
later clients join it.`,
	RunE: runMcp,
}

var (
	mcpClientID   string
	mcpClientName string
)

func init() {
	McpCmd.Flags().StringVar(&mcpClientID, "client-id", "", "Stable client id (synthesized if empty)")
	McpCmd.Flags().StringVar(&mcpClientName, "client-name", "", "Human-readable client name (defaults to hostname)")
}

func runMcp(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	name := mcpClientName
	if name == "" {
		if hostname, err := os.Hostname(); err == nil {
			name = hostname
		} else {
			name = "mcp-client"
		}
	}

	info := protocol.ClientInfo{
		ID:           mcpClientID,
		Name:         name,
		Type:         "mcp",
		Capabilities: []string{"tools"},
	}

	// stdout belongs to the MCP transport; logs must not pollute it.
	log := logger.Logger.Named("mcp")

	client := autohub.New(autohub.ConfigFromApp(cfg, info), logger.Logger.Named("autohub"))
	if err := client.Connect(cmd.Context()); err != nil {
		return errors.Wrap(err, "failed to reach or start a hub")
	}
	defer client.Close()

	go watchConnectivity(cmd.Context(), client, log)

	srv := mcpserver.NewServer(client, cfg.Operations.Timeout(), log)
	if err := srv.Serve(); err != nil {
		return errors.Wrap(err, "MCP server exited")
	}
	return nil
}

// watchConnectivity surfaces permanent disconnection so the MCP host can
// restart us instead of hanging on a dead hub.
func watchConnectivity(ctx context.Context, client *autohub.Client, log *zap.SugaredLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-client.Events():
			if !ok {
				return
			}
			switch event.Kind {
			case autohub.EventDisconnected:
				log.Warnw("Hub connection permanently lost", "error", event.Err)
			case autohub.EventReconnected:
				log.Infow("Hub connection restored")
			}
		}
	}
}
