package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/martinemde/agentcore/agentloop"
	"github.com/martinemde/agentcore/sessionstore"
	"github.com/martinemde/agentcore/unifiedllm"
	"github.com/spf13/cobra"
)

// errSessionStopped makes the process exit non-zero after the outcome has
// already been printed.
var errSessionStopped = errors.New("session stopped")

var (
	runProvider     string
	runModel        string
	runSummaryModel string
	runMaxSteps     int
	runEffort       string
	runYes          bool
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run the agent on a task",
	Long: `Run the agent on a task in the current directory.

Examples:
  agentcore run "fix the failing test in parser_test.go"
  agentcore run --provider openai --model gpt-4.1 "summarize this repo"
  agentcore run --yes --max-steps 10 "format every Go file"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, strings.Join(args, " "))
	},
}

func init() {
	runCmd.Flags().StringVar(&runProvider, "provider", "", "LLM provider (anthropic, openai, gemini)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model ID (defaults to the provider's latest)")
	runCmd.Flags().StringVar(&runSummaryModel, "summary-model", "", "Model used to summarize compacted history")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "Override the step limit")
	runCmd.Flags().StringVar(&runEffort, "reasoning-effort", "", "Reasoning effort hint (low, medium, high)")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Allow every tool call that would otherwise ask")
}

func runTask(cmd *cobra.Command, task string) error {
	provider := cfg.Provider
	if runProvider != "" {
		provider = runProvider
	}
	model := cfg.Model
	if runModel != "" {
		model = runModel
	}
	if runMaxSteps > 0 {
		cfg.MaxSteps = runMaxSteps
	}

	profile, err := agentloop.ProfileFor(provider, model)
	if err != nil {
		return err
	}

	retry := unifiedllm.DefaultRetryPolicy()
	retry.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying model call")
	}
	client := unifiedllm.NewClientFromEnv(
		unifiedllm.WithDefaultProvider(provider),
		unifiedllm.WithMiddleware(
			unifiedllm.LoggingMiddleware(logger),
			unifiedllm.RetryMiddleware(retry),
		),
	)
	defer client.Close()
	if !slices.Contains(client.Providers(), provider) {
		return fmt.Errorf("no API key for provider %q; set %s", provider, apiKeyEnv(provider))
	}

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	env := agentloop.NewLocalEnvironment(wd)
	tools := agentloop.NewToolRegistry(env)
	if err := agentloop.RegisterBuiltinTools(tools, cfg.BuiltinTools()); err != nil {
		return err
	}

	sessionCfg, err := cfg.SessionConfig(profile.Model, profile.ContextWindow)
	if err != nil {
		return err
	}
	sessionCfg.SystemPrompt = profile.SystemPrompt(env, tools.Definitions())

	llm := agentloop.NewUnifiedModel(client, provider)
	if runEffort != "" {
		llm.SetReasoningEffort(runEffort)
	}
	summaryModel := profile.Model
	if runSummaryModel != "" {
		summaryModel = runSummaryModel
	}

	var prompter agentloop.Prompter = newTerminalPrompter(os.Stdin, os.Stderr)
	if runYes {
		prompter = autoApprover{}
	}

	opts := []agentloop.SessionOption{
		agentloop.WithLogger(logger),
		agentloop.WithPrompter(prompter),
		agentloop.WithSummarizer(agentloop.NewModelSummarizer(llm, summaryModel)),
	}
	if !cfg.Store.Disabled {
		store, err := sessionstore.Open(cfg.Store.Path, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, agentloop.WithStore(store))
	}

	session := agentloop.NewSession(llm, tools, sessionCfg, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "%s %s\n", titleStyle.Render("agentcore"),
		dimStyle.Render(fmt.Sprintf("%s/%s  session %s", provider, profile.Model, session.ID())))

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for ev := range session.Events() {
			renderEvent(out, ev)
		}
	}()

	outcome, err := session.Run(ctx, task)
	if err != nil {
		return err
	}
	<-rendered

	printOutcome(cmd.OutOrStdout(), outcome)
	if !outcome.Done() {
		return errSessionStopped
	}
	return nil
}

func apiKeyEnv(provider string) string {
	if env, ok := unifiedllm.APIKeyEnv[provider]; ok {
		return env
	}
	return strings.ToUpper(provider) + "_API_KEY"
}

func renderEvent(w io.Writer, ev agentloop.SessionEvent) {
	switch ev.Kind {
	case agentloop.EventToolCallStart:
		fmt.Fprintf(w, "  %s %s\n", dimStyle.Render("→"), toolStyle.Render(fmt.Sprint(ev.Data["tool"])))
	case agentloop.EventToolCallEnd:
		mark := successStyle.Render("✓")
		if ok, _ := ev.Data["success"].(bool); !ok {
			mark = errorStyle.Render("✗")
		}
		detail := fmt.Sprintf("%vms", ev.Data["duration_ms"])
		if timedOut, _ := ev.Data["timed_out"].(bool); timedOut {
			detail += ", timed out"
		}
		fmt.Fprintf(w, "  %s %s %s\n", mark, ev.Data["tool"], dimStyle.Render(detail))
	case agentloop.EventPermission:
		if ev.Data["action"] == "deny" {
			fmt.Fprintf(w, "  %s\n", warnStyle.Render(fmt.Sprintf("%v denied", ev.Data["tool"])))
		}
	case agentloop.EventLoopDetection:
		fmt.Fprintf(w, "  %s\n", warnStyle.Render(fmt.Sprintf("%v repeated %v times (%v)",
			ev.Data["tool"], ev.Data["occurrences"], ev.Data["status"])))
	case agentloop.EventCompaction:
		fmt.Fprintf(w, "  %s\n", dimStyle.Render(fmt.Sprintf("context compacted: %v → %v tokens",
			ev.Data["tokens_before"], ev.Data["tokens_after"])))
	case agentloop.EventError:
		fmt.Fprintf(w, "  %s\n", errorStyle.Render(fmt.Sprint(ev.Data["error"])))
	}
}

func printOutcome(w io.Writer, outcome agentloop.Outcome) {
	if outcome.Done() {
		fmt.Fprintln(w, outcome.Content)
		fmt.Fprintln(w, successStyle.Render(fmt.Sprintf("done in %d steps", outcome.Steps)))
		return
	}
	fmt.Fprintln(w, warnStyle.Render(outcome.Message()))
}
