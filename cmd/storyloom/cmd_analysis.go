package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"storyloom/internal/app"
)

// analysisCmd groups librarian analysis maintenance
var analysisCmd = &cobra.Command{
	Use:   "analysis",
	Short: "Librarian analysis maintenance",
}

var analysisRebuildCmd = &cobra.Command{
	Use:   "rebuild-index <story-id>",
	Short: "Rebuild the fragment-to-latest-analysis index from the analysis files",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalysisRebuild,
}

func init() {
	analysisCmd.AddCommand(analysisRebuildCmd)
}

type indexRebuilder interface {
	RebuildAnalysisIndex(ctx context.Context, storyID string) (map[string]string, error)
}

func runAnalysisRebuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	rb, ok := a.Store.(indexRebuilder)
	if !ok {
		return fmt.Errorf("the %s store keeps no analysis index", a.Config.Store.Backend)
	}
	index, err := rb.RebuildAnalysisIndex(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to rebuild analysis index: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d fragments for %s\n", len(index), args[0])
	return nil
}
