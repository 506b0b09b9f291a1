package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/martinemde/agentcore/agentloop"
)

// terminalPrompter asks the user about tool calls on a terminal.
type terminalPrompter struct {
	out   io.Writer
	lines chan string
}

var _ agentloop.Prompter = (*terminalPrompter)(nil)

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	p := &terminalPrompter{out: out, lines: make(chan string)}
	go func() {
		defer close(p.lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
	}()
	return p
}

func (p *terminalPrompter) Prompt(ctx context.Context, req agentloop.PromptRequest) (agentloop.PromptReply, error) {
	args := "{}"
	if req.Arguments != nil {
		args = req.Arguments.String()
	}
	body := toolStyle.Render(req.ToolName) + " " + argsStyle.Render(truncateLine(args, 200))
	if req.Message != "" {
		body = warnStyle.Render(req.Message) + "\n" + body
	}
	fmt.Fprintln(p.out, promptBox.Render(body))

	for {
		fmt.Fprint(p.out, dimStyle.Render("[y]es  [a]lways  [n]o  ne[v]er  [s]top > "))
		select {
		case <-ctx.Done():
			return agentloop.PromptReply{}, ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				fmt.Fprintln(p.out)
				return agentloop.StopReply(), nil
			}
			if reply, ok := parseReply(line); ok {
				return reply, nil
			}
			fmt.Fprintln(p.out, errorStyle.Render(fmt.Sprintf("unrecognised answer %q", line)))
		}
	}
}

func parseReply(line string) (agentloop.PromptReply, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return agentloop.PromptReply{Decision: agentloop.Allow()}, true
	case "a", "always":
		d := agentloop.Allow()
		d.Remembered = true
		return agentloop.PromptReply{Decision: d}, true
	case "n", "no":
		return agentloop.PromptReply{Decision: agentloop.Deny("denied by user")}, true
	case "v", "never":
		d := agentloop.Deny("denied by user for this session")
		d.Remembered = true
		return agentloop.PromptReply{Decision: d}, true
	case "s", "stop":
		return agentloop.StopReply(), true
	default:
		return agentloop.PromptReply{}, false
	}
}

// autoApprover allows every call that reaches the prompt.
type autoApprover struct{}

func (autoApprover) Prompt(context.Context, agentloop.PromptRequest) (agentloop.PromptReply, error) {
	return agentloop.PromptReply{Decision: agentloop.Allow()}, nil
}

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
