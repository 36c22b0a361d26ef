package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and their session attributes",
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			users := app.Service.ListUsers(ctx)
			roles := map[string]string{}
			for _, r := range app.Service.ListRoles(ctx) {
				roles[r.ID] = r.Name
			}
			return writeOutput(cmd.OutOrStdout(), users, func(w io.Writer) {
				tw := newTable(w, "ID", "NAME", "ROLES", "ATTRIBUTES")
				for _, u := range users {
					names := make([]string, 0, len(u.RoleIDs))
					for _, id := range u.RoleIDs {
						names = append(names, roles[id])
					}
					attrs := make([]string, 0, len(u.Attributes))
					for _, a := range u.Attributes {
						attrs = append(attrs, string(a.Kind)+":"+a.Name)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.ID, u.Name, strings.Join(names, ","), strings.Join(attrs, ","))
				}
				tw.Flush()
			})
		})
	},
}

var userAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a user",
	Long: `Add a user, optionally with roles and session attributes.

Example:
  authmatrix --project <id> user add alice --role <role-id> --cookie session=abc123
  authmatrix --project <id> user add svc --header "Authorization=Bearer eyJ..."`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := userFieldsFromFlags(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			user, err := app.Service.AddUser(ctx, args[0])
			if err != nil {
				return err
			}
			if fields.RoleIDs != nil || fields.Attributes != nil {
				if user, err = app.Service.UpdateUser(ctx, user.ID, fields); err != nil {
					return err
				}
			}
			return writeOutput(cmd.OutOrStdout(), user, func(w io.Writer) {
				fmt.Fprintf(w, "Added user %s (%s)\n", user.Name, user.ID)
			})
		})
	},
}

var userUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a user's name, roles or attributes",
	Long: `Change a user's name, roles or attributes. --role, --cookie and --header
replace the current values; attributes left out are deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := userFieldsFromFlags(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			fields.Name = &name
		}
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			user, err := app.Service.UpdateUser(ctx, args[0], fields)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), user, func(w io.Writer) {
				fmt.Fprintf(w, "Updated user %s\n", user.Name)
			})
		})
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a user and its template rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			if err := app.Service.DeleteUser(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "User deleted")
			return nil
		})
	},
}

var userCheckAllCmd = &cobra.Command{
	Use:   "check-all <id>",
	Short: "Grant the user access on every template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			changed, err := app.Service.CheckAllTemplatesForUser(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %d templates\n", changed)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userListCmd, userAddCmd, userUpdateCmd, userDeleteCmd, userCheckAllCmd)

	for _, c := range []*cobra.Command{userAddCmd, userUpdateCmd} {
		c.Flags().StringSlice("role", nil, "role id (repeatable)")
		c.Flags().StringArray("cookie", nil, "session cookie as name=value (repeatable)")
		c.Flags().StringArray("header", nil, "request header as name=value (repeatable)")
	}
	userUpdateCmd.Flags().String("name", "", "new name")
}

// userFieldsFromFlags builds the role and attribute part of an update.
// Unset flags leave the corresponding field nil.
func userFieldsFromFlags(cmd *cobra.Command) (types.UserFields, error) {
	var fields types.UserFields
	if cmd.Flags().Changed("role") {
		roles, _ := cmd.Flags().GetStringSlice("role")
		fields.RoleIDs = append([]string{}, roles...)
	}

	if !cmd.Flags().Changed("cookie") && !cmd.Flags().Changed("header") {
		return fields, nil
	}

	attrs := []types.Attribute{}
	for _, kind := range []types.AttributeKind{types.AttributeCookie, types.AttributeHeader} {
		values, _ := cmd.Flags().GetStringArray(strings.ToLower(string(kind)))
		for _, v := range values {
			attr, err := parseAttribute(kind, v)
			if err != nil {
				return fields, err
			}
			attrs = append(attrs, attr)
		}
	}
	fields.Attributes = &attrs
	return fields, nil
}

func parseAttribute(kind types.AttributeKind, value string) (types.Attribute, error) {
	name, v, ok := strings.Cut(value, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return types.Attribute{}, fmt.Errorf("invalid %s %q: expected name=value", strings.ToLower(string(kind)), value)
	}
	return types.Attribute{Name: name, Value: v, Kind: kind}, nil
}
