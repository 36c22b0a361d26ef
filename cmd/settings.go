package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change capture settings of the project",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the project settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			settings := app.Service.GetSettings(ctx)
			return writeOutput(cmd.OutOrStdout(), settings, func(w io.Writer) {
				printSettings(w, settings)
			})
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change capture settings",
	Long: `Change capture settings. Flags that are not given keep their current value.

Example:
  authmatrix --project <id> settings set --auto-capture inScope --filter 'request.method !== "OPTIONS"'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			settings := app.Service.GetSettings(ctx)
			flags := cmd.Flags()
			if flags.Changed("auto-capture") {
				mode, _ := flags.GetString("auto-capture")
				settings.AutoCapture = types.CaptureMode(mode)
			}
			if flags.Changed("auto-run") {
				settings.AutoRunAnalysis, _ = flags.GetBool("auto-run")
			}
			if flags.Changed("dedupe-header") {
				settings.DedupeHeaders, _ = flags.GetStringSlice("dedupe-header")
			}
			if flags.Changed("filter") {
				settings.DefaultFilter, _ = flags.GetString("filter")
			}

			updated, err := app.Service.UpdateSettings(ctx, settings)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), updated, func(w io.Writer) {
				printSettings(w, *updated)
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)

	settingsSetCmd.Flags().String("auto-capture", "", "capture mode (off, all, inScope)")
	settingsSetCmd.Flags().Bool("auto-run", false, "run analysis after each captured template")
	settingsSetCmd.Flags().StringSlice("dedupe-header", nil, "headers that distinguish otherwise identical requests")
	settingsSetCmd.Flags().String("filter", "", "capture filter expression")
}

func printSettings(w io.Writer, settings types.Settings) {
	tw := newTable(w, "SETTING", "VALUE")
	fmt.Fprintf(tw, "auto capture\t%s\n", settings.AutoCapture)
	fmt.Fprintf(tw, "auto run analysis\t%t\n", settings.AutoRunAnalysis)
	fmt.Fprintf(tw, "dedupe headers\t%s\n", strings.Join(settings.DedupeHeaders, ", "))
	fmt.Fprintf(tw, "capture filter\t%s\n", settings.DefaultFilter)
	tw.Flush()
}
