package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"storyloom/internal/app"
	"storyloom/internal/compose"
	"storyloom/internal/prompt"
)

var (
	contextAuthorInput   string
	contextAgent         string
	contextProseLimit    int
	contextMaxCharacters int
	contextMaxTokens     int
	contextExclude       string
	contextJSON          bool
)

// contextCmd prints the compiled prompt for a story
var contextCmd = &cobra.Command{
	Use:   "context <story-id>",
	Short: "Print the compiled prompt messages for a story",
	Long: `Builds the context state for a story, creates the default blocks, applies
the agent's block configuration (with --agent), compiles and expands tags.

Budget flags override the story's own compaction setting; the first non-zero
of --prose-limit, --max-characters and --max-tokens wins.`,
	Args: cobra.ExactArgs(1),
	RunE: runContext,
}

func init() {
	contextCmd.Flags().StringVarP(&contextAuthorInput, "input", "i", "", "Author input")
	contextCmd.Flags().StringVar(&contextAgent, "agent", "", "Apply this agent's block configuration")
	contextCmd.Flags().IntVar(&contextProseLimit, "prose-limit", 0, "Keep at most N prose sections")
	contextCmd.Flags().IntVar(&contextMaxCharacters, "max-characters", 0, "Character budget for the prose window")
	contextCmd.Flags().IntVar(&contextMaxTokens, "max-tokens", 0, "Token budget for the prose window")
	contextCmd.Flags().StringVar(&contextExclude, "exclude", "", "Fragment id to leave out")
	contextCmd.Flags().BoolVar(&contextJSON, "json", false, "Print messages as JSON")
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Composer.Compose(ctx, compose.Request{
		StoryID:     args[0],
		AuthorInput: contextAuthorInput,
		AgentName:   contextAgent,
		Build: prompt.BuildOptions{
			ProseLimit:        contextProseLimit,
			MaxCharacters:     contextMaxCharacters,
			MaxTokens:         contextMaxTokens,
			ExcludeFragmentID: contextExclude,
		},
		Instructions: prompt.DefaultInstructions,
	})
	if err != nil {
		return fmt.Errorf("failed to build context: %w", err)
	}

	out := cmd.OutOrStdout()
	if contextJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Messages)
	}

	for i, m := range res.Messages {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "=== %s ===\n", strings.ToUpper(string(m.Role)))
		fmt.Fprintln(out, m.Text())
	}
	fmt.Fprintf(out, "\n%s\n", strings.Repeat("─", 50))
	fmt.Fprintf(out, "Blocks: %d  Messages: %d  Budget: %s=%d  Prose sections: %d\n",
		len(res.Blocks), len(res.Messages), res.State.Budget.Mode, res.State.Budget.Value, len(res.State.ProseFragments))
	return nil
}
