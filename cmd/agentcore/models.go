package main

import (
	"fmt"
	"io"

	"github.com/martinemde/agentcore/unifiedllm"
	"github.com/spf13/cobra"
)

var modelsProvider string

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List known models and their context windows",
	Run: func(cmd *cobra.Command, args []string) {
		printModels(cmd.OutOrStdout(), unifiedllm.ListModels(modelsProvider))
	},
}

func init() {
	modelsCmd.Flags().StringVar(&modelsProvider, "provider", "", "Only list models of this provider")
}

func printModels(w io.Writer, models []unifiedllm.ModelInfo) {
	if len(models) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no models"))
		return
	}
	provider := ""
	for _, m := range models {
		if m.Provider != provider {
			provider = m.Provider
			fmt.Fprintln(w, titleStyle.Render(provider))
		}
		var caps string
		if m.Supports(unifiedllm.CapTools) {
			caps += " tools"
		}
		if m.Supports(unifiedllm.CapReasoning) {
			caps += " reasoning"
		}
		fmt.Fprintf(w, "  %-28s %s %s\n", m.ID,
			argsStyle.Render(fmt.Sprintf("%7dk", m.ContextWindow/1000)), dimStyle.Render(caps))
	}
}
