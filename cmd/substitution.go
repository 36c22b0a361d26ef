package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

var substitutionCmd = &cobra.Command{
	Use:     "substitution",
	Aliases: []string{"sub"},
	Short:   "Manage path substitutions applied to replays and imports",
}

var substitutionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List substitutions in the order they are applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			subs := app.Service.ListSubstitutions(ctx)
			return writeOutput(cmd.OutOrStdout(), subs, func(w io.Writer) {
				tw := newTable(w, "ID", "PATTERN", "REPLACEMENT")
				for _, s := range subs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Pattern, s.Replacement)
				}
				tw.Flush()
			})
		})
	},
}

var substitutionAddCmd = &cobra.Command{
	Use:   "add <pattern> <replacement>",
	Short: "Add a substitution",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			sub, err := app.Service.AddSubstitution(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), sub, func(w io.Writer) {
				fmt.Fprintf(w, "Added substitution %s -> %s (%s)\n", sub.Pattern, sub.Replacement, sub.ID)
			})
		})
	},
}

var substitutionUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change the pattern or replacement of a substitution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fields types.SubstitutionFields
		if cmd.Flags().Changed("pattern") {
			pattern, _ := cmd.Flags().GetString("pattern")
			fields.Pattern = &pattern
		}
		if cmd.Flags().Changed("replacement") {
			replacement, _ := cmd.Flags().GetString("replacement")
			fields.Replacement = &replacement
		}
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			sub, err := app.Service.UpdateSubstitution(ctx, args[0], fields)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), sub, func(w io.Writer) {
				fmt.Fprintf(w, "Updated substitution %s -> %s\n", sub.Pattern, sub.Replacement)
			})
		})
	},
}

var substitutionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a substitution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			if err := app.Service.DeleteSubstitution(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Substitution deleted")
			return nil
		})
	},
}

var substitutionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every substitution",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			if err := app.Service.ClearSubstitutions(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Substitutions cleared")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(substitutionCmd)
	substitutionCmd.AddCommand(substitutionListCmd, substitutionAddCmd, substitutionUpdateCmd, substitutionDeleteCmd, substitutionClearCmd)

	substitutionUpdateCmd.Flags().String("pattern", "", "new pattern")
	substitutionUpdateCmd.Flags().String("replacement", "", "new replacement")
}
