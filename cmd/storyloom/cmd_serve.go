package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"storyloom/internal/app"
	sloomserver "storyloom/internal/server"
)

// serveCmd runs the MCP server on stdio
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve storyloom tools over MCP (stdio transport)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, app.Options{WatchConfigs: true})
	if err != nil {
		return err
	}
	defer a.Close()

	// Stories created later are watched on their first compose.
	stories, err := a.Store.ListStories(ctx)
	if err == nil {
		for _, s := range stories {
			if err := a.WatchStory(s.ID); err != nil && logger != nil {
				logger.Sugar().Warnf("not watching block configs for %s: %v", s.ID, err)
			}
		}
	}

	stdio := server.NewStdioServer(sloomserver.New(a))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
