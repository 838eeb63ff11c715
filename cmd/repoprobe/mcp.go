package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/repoprobe/repoprobe/internal/config"
	"github.com/repoprobe/repoprobe/internal/gateway/mcpserver"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve bisection tools over MCP on stdio",
	Long: `Starts a Model Context Protocol server on stdin/stdout so agent hosts can
submit and monitor bisections as tool calls. Logs go to stderr.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Shutdown(shutdownCtx)
	}()

	srv := mcpserver.New(c.Engine, c.Cache, c.Validator, version, logger)
	return srv.ServeStdio()
}
