package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
	Long: `Projects isolate roles, users, templates, substitutions and settings.
Every other command operates on the project passed with --project.`,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(ctx context.Context, app *App) error {
			projects, err := app.Service.ListProjects(ctx)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), projects, func(w io.Writer) {
				tw := newTable(w, "ID", "NAME", "CREATED")
				for _, p := range projects {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Name, p.CreatedAt.Format("2006-01-02 15:04"))
				}
				tw.Flush()
			})
		})
	},
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(ctx context.Context, app *App) error {
			project, err := app.Service.CreateProject(ctx, args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), project, func(w io.Writer) {
				color.New(color.FgGreen).Fprintf(w, "Created project %s\n", project.Name)
				fmt.Fprintf(w, "  Use with: --project %s\n", project.ID)
			})
		})
	},
}

var projectClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every role, user, template, substitution and setting of the project",
	RunE: func(cmd *cobra.Command, args []string) error {
		if confirm, _ := cmd.Flags().GetBool("yes"); !confirm {
			return fmt.Errorf("refusing to delete project data without --yes")
		}
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			if err := app.Service.DeleteProjectData(ctx); err != nil {
				return err
			}
			color.New(color.FgYellow).Fprintln(cmd.OutOrStdout(), "Project data deleted")
			return nil
		})
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the authorization matrix of the project",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			view := struct {
				Roles     []types.Role     `json:"roles"`
				Users     []types.User     `json:"users"`
				Templates []types.Template `json:"templates"`
			}{
				Roles:     app.Service.ListRoles(ctx),
				Users:     app.Service.ListUsers(ctx),
				Templates: app.Service.ListTemplates(ctx),
			}
			return writeOutput(cmd.OutOrStdout(), view, func(w io.Writer) {
				printMatrix(w, view.Templates, view.Roles, view.Users)
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectListCmd, projectCreateCmd, projectClearCmd, projectShowCmd)
	projectClearCmd.Flags().Bool("yes", false, "confirm deletion")
}
