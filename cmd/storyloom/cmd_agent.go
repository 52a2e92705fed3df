package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storyloom/internal/agents"
	"storyloom/internal/app"
	"storyloom/internal/llm"
)

// =============================================================================
// AGENT COMMANDS
// =============================================================================

var (
	agentInput  string
	agentStream bool
)

// agentCmd groups the agent commands
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "List, run and inspect agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE:  runAgentList,
}

var agentRunCmd = &cobra.Command{
	Use:   "run <story-id> <agent>",
	Short: "Invoke an agent on a story",
	Long: `Invokes an agent with a JSON input object. Successful runs are recorded
in the story's run history together with the call trace.

Example:
  storyloom agent run salt-road writer --input '{"authorInput": "Mira lands.", "save": true}'`,
	Args: cobra.ExactArgs(2),
	RunE: runAgentRun,
}

var agentRunsCmd = &cobra.Command{
	Use:   "runs <story-id>",
	Short: "List recorded agent runs for a story",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRuns,
}

func init() {
	agentRunCmd.Flags().StringVar(&agentInput, "input", "{}", "Agent input as a JSON object")
	agentRunCmd.Flags().BoolVar(&agentStream, "stream", false, "Print the writer's text as it is generated")

	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentRunCmd)
	agentCmd.AddCommand(agentRunsCmd)
}

func runAgentList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	for _, def := range a.Runner.Registry().Definitions() {
		fmt.Fprintf(out, "%-20s %s\n", def.Name, def.Description)
		if len(def.AllowedCalls) > 0 {
			fmt.Fprintf(out, "%-20s calls: %s\n", "", strings.Join(def.AllowedCalls, ", "))
		}
	}
	return nil
}

func runAgentRun(cmd *cobra.Command, args []string) error {
	storyID, name := args[0], args[1]

	var input map[string]any
	if err := json.Unmarshal([]byte(agentInput), &input); err != nil {
		return fmt.Errorf("invalid --input: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	opts := app.Options{}
	if agentStream {
		opts.OnEvent = func(ev llm.StreamEvent) {
			switch ev.Type {
			case llm.EventTextDelta:
				fmt.Fprint(out, ev.Text)
			case llm.EventFinish:
				fmt.Fprintln(out)
			}
		}
	}

	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Runner.Invoke(ctx, agents.InvokeRequest{
		DataDir:   a.Config.DataDir,
		StoryID:   storyID,
		AgentName: name,
		Input:     input,
	})
	if err != nil {
		return fmt.Errorf("agent %s failed: %w", name, err)
	}
	if logger != nil {
		logger.Info("agent run recorded",
			zap.String("run_id", res.RunID),
			zap.String("agent", name),
			zap.Int("trace", len(res.Trace)),
		)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runAgentRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.Runner.ListAgentRuns(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to list agent runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No agent runs recorded.")
		return nil
	}
	for _, r := range runs {
		var chain []string
		for _, e := range r.Trace {
			chain = append(chain, e.AgentName)
		}
		fmt.Fprintf(out, "%s  %s  %-18s %s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.ID, r.AgentName, strings.Join(chain, " > "))
	}
	fmt.Fprintf(out, "Total: %d runs\n", len(runs))
	return nil
}
