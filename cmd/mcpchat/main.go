// Mcpchat is an interactive chat client that lets a language model call
// tools served by MCP servers.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]). Without one, mcpchat
// runs on defaults and the servers listed in ~/.cursor/mcp.json.
//
// Usage:
//
//	mcpchat                Start an interactive session
//	mcpchat chat           Same as above
//	mcpchat tools          List the tools the configured servers offer
//	mcpchat stats          Summarize recorded tool calls
//	mcpchat init [dir]     Write an example config.yaml
//	mcpchat version        Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole command surface can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// run builds a fresh command tree per call. Nothing is kept in package
// globals, so tests can call run concurrently.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "mcpchat",
		Short: "Chat with a language model that can call MCP tools",
		Long: `mcpchat connects to the configured MCP servers, registers their tools
and starts an interactive chat. The model may call any registered tool;
results are handed back to it before it answers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), stdin, stdout, stderr, g)
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "config file (default: auto-discover)")
	pf.StringVar(&g.logLevel, "log-level", "", "override log_level (trace, debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", "", "override log_format (text, json)")

	root.AddCommand(
		newChatCmd(stdin, stdout, stderr, g),
		newToolsCmd(stdout, stderr, g),
		newStatsCmd(stdout, g),
		newInitCmd(stdout),
		newVersionCmd(stdout),
	)
	return root
}

// loadConfig finds and loads the config file. A missing file is not an
// error; defaults are used instead. Flag overrides are applied last and
// the result is validated again.
func loadConfig(g *globalFlags) (*config.Config, error) {
	var cfg *config.Config
	path, err := config.FindConfig(g.configPath)
	switch {
	case errors.Is(err, config.ErrNoConfig):
		cfg = config.Default()
	case err != nil:
		return nil, err
	default:
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to stderr so the chat
// transcript on stdout stays clean.
func newLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return config.NewLogger(stderr, level, cfg.LogFormat), nil
}
