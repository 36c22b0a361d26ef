// cmd/analyze.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/analysis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

var analyzeCmd = &cobra.Command{
	Use:     "analyze",
	Aliases: []string{"analyse", "run"},
	Short:   "Replay every template as every user and classify the rules",
	Long: `Replay every template of the project as every user, then classify each
role and user rule:

  Enforced    observed access matches the expectation
  Bypassed    access was expected to be denied but was granted
  Unexpected  access was expected but was denied
  Untested    no replay could be observed for the subject

Ctrl+C cancels the run between replays; finished templates keep their results.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("max-duration")
		failOnBypass, _ := cmd.Flags().GetBool("fail-on-bypass")

		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			ctx, cancel := signalContext(ctx)
			defer cancel()
			if timeout > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithTimeout(ctx, timeout)
				defer stop()
			}

			if outputFormat != "json" {
				color.Cyan("Analyzing %d templates as %d users...\n",
					len(app.Service.ListTemplates(ctx)), len(app.Service.ListUsers(ctx)))
			}

			summary, err := app.Service.RunAnalysis(ctx)
			if err != nil {
				return err
			}
			templates := app.Service.ListTemplates(context.WithoutCancel(ctx))

			report := struct {
				Summary   *analysis.Summary `json:"summary"`
				Templates []types.Template  `json:"templates"`
			}{summary, templates}
			if err := writeOutput(cmd.OutOrStdout(), report, func(w io.Writer) {
				printMatrix(w, templates, app.Service.ListRoles(ctx), app.Service.ListUsers(ctx))
				if summary != nil {
					printSummary(w, summary, templates)
				}
			}); err != nil {
				return err
			}

			if failOnBypass {
				if n := countStatus(templates, types.StatusBypassed); n > 0 {
					return fmt.Errorf("%d bypassed rules", n)
				}
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().Duration("max-duration", 30*time.Minute, "cancel the run after this long (0 disables)")
	analyzeCmd.Flags().Bool("fail-on-bypass", false, "exit non-zero when any rule is Bypassed")
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func countStatus(templates []types.Template, status types.RuleStatus) int {
	n := 0
	for _, tmpl := range templates {
		for _, rule := range tmpl.Rules {
			if rule.State() == status {
				n++
			}
		}
	}
	return n
}
