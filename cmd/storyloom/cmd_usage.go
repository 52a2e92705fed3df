package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"storyloom/internal/app"
	"storyloom/internal/usage"
)

// usageCmd prints token usage
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show model token usage by model, story, agent and operation",
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	stats := a.Usage.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Total: %d calls, %d input + %d output = %d tokens\n",
		stats.Total.Calls, stats.Total.Input, stats.Total.Output, stats.Total.Total)
	printCounts(out, "By model", stats.ByModel)
	printCounts(out, "By story", stats.ByStory)
	printCounts(out, "By agent", stats.ByAgent)
	printCounts(out, "By operation", stats.ByOperation)
	return nil
}

func printCounts(out io.Writer, title string, m map[string]usage.TokenCounts) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(out, "\n%s\n%s\n", title, strings.Repeat("─", 50))
	for _, k := range keys {
		c := m[k]
		fmt.Fprintf(out, "  %-24s %6d calls %10d tokens\n", k, c.Calls, c.Total)
	}
}
