package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/agent"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/session"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/tools"
)

func newChatCmd(stdin io.Reader, stdout, stderr io.Writer, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), stdin, stdout, stderr, g)
		},
	}
}

func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, g *globalFlags) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if !cfg.Engine.Configured() {
		return fmt.Errorf("no API key for %s: set engine.api_key or %s", cfg.Engine.Provider, engineKeyHint(cfg.Engine.Provider))
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, logger, stderr, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	printStartup(stdout, a.session)
	return repl(ctx, stdin, stdout, a.session)
}

// chatter is the part of a session the REPL drives.
type chatter interface {
	Chat(ctx context.Context, message string) (*agent.Turn, error)
	Tools() []*tools.Descriptor
}

const maxLineBytes = 1 << 20

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	answerColor = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
	subtleColor = color.New(color.FgHiBlack)
)

// repl reads one message per line until EOF, exit, or ctx is done.
// Engine errors end the turn, not the session.
func repl(ctx context.Context, stdin io.Reader, stdout io.Writer, s chatter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(stdout, subtleColor.Sprint("Type a message, or help for commands."))
	for {
		promptColor.Fprint(stdout, "you> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(stdout)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(stdout)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "help":
			printHelp(stdout)
			continue
		case "tools":
			printTools(stdout, s.Tools())
			continue
		}

		turn, err := s.Chat(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			errorColor.Fprintf(stdout, "error: %v\n", err)
			continue
		}
		printTurn(stdout, turn)
	}
}

func printTurn(w io.Writer, turn *agent.Turn) {
	fmt.Fprintf(w, "%s %s\n", answerColor.Sprint("assistant>"), turn.Answer)
	for _, warning := range turn.Warnings {
		warnColor.Fprintf(w, "warning: %s\n", warning)
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  tools        List registered tools")
	fmt.Fprintln(w, "  help         Show this help")
	fmt.Fprintln(w, "  exit, quit   End the session")
	fmt.Fprintln(w, "Anything else is sent to the model.")
}

// printTools writes one line per tool, "name (server): description",
// in registry order.
func printTools(w io.Writer, list []*tools.Descriptor) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No tools registered.")
		return
	}
	for _, d := range list {
		desc := d.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(w, "%s (%s): %s\n", d.Name, d.Backend, desc)
	}
}

// startupView is what the banner reads from a session.
type startupView interface {
	Summary() string
	Failures() []session.Failure
	Tools() []*tools.Descriptor
}

func printStartup(w io.Writer, s startupView) {
	fmt.Fprintln(w, s.Summary())
	for _, f := range s.Failures() {
		warnColor.Fprintf(w, "  %s: %v\n", f.Server, f.Err)
	}
	list := s.Tools()
	if len(list) == 0 {
		fmt.Fprintln(w, "No tools registered.")
		return
	}
	names := make([]string, len(list))
	for i, d := range list {
		names[i] = d.Name
	}
	fmt.Fprintf(w, "Available tools: %s\n", strings.Join(names, ", "))
}
