// Package agentloop is the execution core of a coding agent: a turn-based
// loop that alternates model calls with tool execution.
//
// A Session owns everything a run needs. Before each model call the history
// is measured against the token budget and compacted by the HistoryPruner
// when it crosses 75% (warning) or 90% (critical). Every requested tool call
// passes through the PermissionGate, which consults remembered decisions,
// the LoopGuard and the static policy, and may ask a Prompter. Allowed calls
// run concurrently on the Dispatcher; results come back in request order
// and are appended to the history before the next turn.
//
// Collaborators are interfaces: Model (see UnifiedModel for the unifiedllm
// adapter), Tools (see ToolRegistry and RegisterBuiltinTools), Prompter,
// Summarizer (see ModelSummarizer) and SessionStore.
//
//	reg := agentloop.NewToolRegistry(agentloop.NewLocalEnvironment(dir))
//	if err := agentloop.RegisterBuiltinTools(reg, agentloop.DefaultBuiltinToolsConfig()); err != nil {
//	    return err
//	}
//	cfg := agentloop.DefaultSessionConfig()
//	cfg.Model = "claude-sonnet-4-5"
//	session := agentloop.NewSession(model, reg, cfg, agentloop.WithPrompter(prompter))
//	outcome, err := session.Run(ctx, "Add a --version flag")
package agentloop
