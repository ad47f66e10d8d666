package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// toolInfo is the JSON shape of one listed tool.
type toolInfo struct {
	Name        string         `json:"name"`
	Server      string         `json:"server"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

func newToolsCmd(stdout, stderr io.Writer, g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Connect to the configured servers and list their tools",
		Long: `Connect to every configured MCP server, list the tools that would be
offered to the model, then disconnect. No API key is needed.

Servers that fail to connect are reported on stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, stderr)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), cfg, logger, stderr, false)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintln(stderr, a.session.Summary())
			for _, f := range a.session.Failures() {
				fmt.Fprintf(stderr, "  %s: %v\n", f.Server, f.Err)
			}

			list := a.session.Tools()
			if !asJSON {
				printTools(stdout, list)
				return nil
			}
			out := make([]toolInfo, len(list))
			for i, d := range list {
				out[i] = toolInfo{
					Name:        d.Name,
					Server:      d.Backend,
					Description: d.Description,
					InputSchema: d.InputSchema,
				}
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tools as JSON, including input schemas")
	return cmd
}
