package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	deepmcp "github.com/DragonitePlus/DeepAudit/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs deepaudit as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes scoring tools: evaluate, check, profile, profiles, feedback, trend,\n" +
		"config_get, config_update, tables, table_upsert, table_delete.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, logger, logCloser, err := loadSettings()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := deepmcp.New(rt.engine, version)

	bgCtx, cancelBg := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(bgCtx)
	rt.runBackground(gctx, g)

	fmt.Fprintln(os.Stderr, "deepaudit MCP server running on stdio")
	fmt.Fprintln(os.Stderr)

	err = srv.Run(gctx)
	cancelBg()
	if bgErr := g.Wait(); err == nil {
		err = bgErr
	}
	if closeErr := rt.Close(); err == nil {
		err = closeErr
	}

	fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
	return err
}
