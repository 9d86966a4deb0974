package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/colorkit/calrun/internal/config"
	"github.com/colorkit/calrun/internal/toolchain"
)

var newLocatorFn = func(dir string) *toolchain.Locator {
	return toolchain.NewLocator(dir)
}

func newToolsCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the calibration tools found and their versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tools := newLocatorFn(cfg.ToolDir).Survey(cmd.Context())
			missing, required := 0, 0
			for _, tool := range tools {
				switch {
				case tool.Optional:
					if tool.Err != nil {
						logger.Info("optional tool unavailable", "tool", tool.Name, "error", tool.Err)
					}
				case tool.Err != nil:
					required++
					missing++
					logger.Warn("tool unavailable", "tool", tool.Name, "error", tool.Err)
				default:
					required++
				}
			}
			if err := writeToolTable(cmd.OutOrStdout(), tools); err != nil {
				return err
			}
			if missing > 0 {
				return fmt.Errorf("%d of %d tools unavailable", missing, required)
			}
			return nil
		},
	}
}

func writeToolTable(out io.Writer, tools []toolchain.Tool) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Tool\tVersion\tPath\n")
	fmt.Fprintf(w, "----\t-------\t----\n")
	for _, tool := range tools {
		version := tool.Version.String()
		path := tool.Path
		if tool.Err != nil {
			version = "-"
			if path == "" {
				path = "not found"
			} else {
				version = "error"
			}
		}
		name := tool.Name
		if tool.Optional {
			name += " (optional)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, version, path)
	}
	return w.Flush()
}

// surveyText renders the table for the bug report bundle.
func surveyText(ctx context.Context, dir string) string {
	var b strings.Builder
	_ = writeToolTable(&b, newLocatorFn(dir).Survey(ctx))
	return b.String()
}
