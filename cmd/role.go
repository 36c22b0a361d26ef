package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Manage roles",
}

var roleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List roles",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			roles := app.Service.ListRoles(ctx)
			return writeOutput(cmd.OutOrStdout(), roles, func(w io.Writer) {
				tw := newTable(w, "ID", "NAME", "DESCRIPTION")
				for _, r := range roles {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Name, r.Description)
				}
				tw.Flush()
			})
		})
	},
}

var roleAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			role, err := app.Service.AddRole(ctx, args[0])
			if err != nil {
				return err
			}
			if description != "" {
				if role, err = app.Service.UpdateRole(ctx, role.ID, types.RoleFields{Description: &description}); err != nil {
					return err
				}
			}
			return writeOutput(cmd.OutOrStdout(), role, func(w io.Writer) {
				fmt.Fprintf(w, "Added role %s (%s)\n", role.Name, role.ID)
			})
		})
	},
}

var roleUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Rename a role or change its description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fields types.RoleFields
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			fields.Name = &name
		}
		if cmd.Flags().Changed("description") {
			description, _ := cmd.Flags().GetString("description")
			fields.Description = &description
		}
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			role, err := app.Service.UpdateRole(ctx, args[0], fields)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), role, func(w io.Writer) {
				fmt.Fprintf(w, "Updated role %s\n", role.Name)
			})
		})
	},
}

var roleDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a role, removing it from users and templates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			if err := app.Service.DeleteRole(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Role deleted")
			return nil
		})
	},
}

var roleCheckAllCmd = &cobra.Command{
	Use:   "check-all <id>",
	Short: "Grant the role access on every template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			changed, err := app.Service.CheckAllTemplatesForRole(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %d templates\n", changed)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(roleCmd)
	roleCmd.AddCommand(roleListCmd, roleAddCmd, roleUpdateCmd, roleDeleteCmd, roleCheckAllCmd)

	roleAddCmd.Flags().String("description", "", "role description")
	roleUpdateCmd.Flags().String("name", "", "new name")
	roleUpdateCmd.Flags().String("description", "", "new description")
}
