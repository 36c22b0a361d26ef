package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/service"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

var templateCmd = &cobra.Command{
	Use:     "template",
	Aliases: []string{"templates"},
	Short:   "Manage request templates",
	Long: `Templates are the requests that analysis replays as every user. Template
ids are content hashes; any unique prefix is accepted where an id is expected.`,
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates and their rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			templates := app.Service.ListTemplates(ctx)
			return writeOutput(cmd.OutOrStdout(), templates, func(w io.Writer) {
				printMatrix(w, templates, app.Service.ListRoles(ctx), app.Service.ListUsers(ctx))
			})
		})
	},
}

var templateAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a template, optionally from a raw HTTP request",
	Long: `Add a blank template, or one whose request is read from a file (or - for
stdin) in raw HTTP/1.1 form. The request is sent once to record the base
exchange.

Example:
  authmatrix --project <id> template add --request orders.http`,
	RunE: func(cmd *cobra.Command, args []string) error {
		requestFile, _ := cmd.Flags().GetString("request")
		regex, _ := cmd.Flags().GetString("success-regex")

		var raw string
		if requestFile != "" {
			data, err := readInput(cmd, requestFile)
			if err != nil {
				return err
			}
			raw = string(data)
		}

		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			tmpl, err := app.Service.AddTemplate(ctx)
			if err != nil {
				return err
			}
			if raw != "" {
				if tmpl, err = app.Service.UpdateTemplateRequest(ctx, tmpl.ID, raw); err != nil {
					return err
				}
			}
			if regex != "" {
				if tmpl, err = app.Service.UpdateTemplate(ctx, tmpl.ID, types.TemplateFields{AuthSuccessRegex: &regex}); err != nil {
					return err
				}
			}
			return writeOutput(cmd.OutOrStdout(), tmpl, func(w io.Writer) {
				fmt.Fprintf(w, "Added template %s: %s %s%s\n", shortID(tmpl.ID), tmpl.Meta.Method, tmpl.Meta.Host, tmpl.Meta.Path)
			})
		})
	},
}

var templateSetRequestCmd = &cobra.Command{
	Use:   "set-request <id> <file|->",
	Short: "Replace the request of a template with a raw HTTP request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args[1])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			id, err := resolveTemplateID(ctx, app.Service, args[0])
			if err != nil {
				return err
			}
			tmpl, err := app.Service.UpdateTemplateRequest(ctx, id, string(data))
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), tmpl, func(w io.Writer) {
				fmt.Fprintf(w, "Template %s now sends %s %s%s\n", shortID(tmpl.ID), tmpl.Meta.Method, tmpl.Meta.Host, tmpl.Meta.Path)
			})
		})
	},
}

var templateUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change the success regex of a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		regex, _ := cmd.Flags().GetString("success-regex")
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			id, err := resolveTemplateID(ctx, app.Service, args[0])
			if err != nil {
				return err
			}
			tmpl, err := app.Service.UpdateTemplate(ctx, id, types.TemplateFields{AuthSuccessRegex: &regex})
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), tmpl, func(w io.Writer) {
				fmt.Fprintf(w, "Template %s success regex: %s\n", shortID(tmpl.ID), tmpl.AuthSuccessRegex)
			})
		})
	},
}

var templateToggleCmd = &cobra.Command{
	Use:   "toggle <id> <role|user> <subject-id>",
	Short: "Flip the expected access of a role or user on a template",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			id, err := resolveTemplateID(ctx, app.Service, args[0])
			if err != nil {
				return err
			}

			var tmpl *types.Template
			switch args[1] {
			case "role":
				tmpl, err = app.Service.ToggleTemplateRole(ctx, id, args[2])
			case "user":
				tmpl, err = app.Service.ToggleTemplateUser(ctx, id, args[2])
			default:
				return fmt.Errorf("subject must be role or user, got %q", args[1])
			}
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), tmpl, func(w io.Writer) {
				printMatrix(w, []types.Template{*tmpl}, app.Service.ListRoles(ctx), app.Service.ListUsers(ctx))
			})
		})
	},
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			id, err := resolveTemplateID(ctx, app.Service, args[0])
			if err != nil {
				return err
			}
			if err := app.Service.DeleteTemplate(ctx, id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Template deleted")
			return nil
		})
	},
}

var templateClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every template of the project",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			if err := app.Service.ClearTemplates(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Templates cleared")
			return nil
		})
	},
}

var templateImportCmd = &cobra.Command{
	Use:   "import <openapi-file|->",
	Short: "Create templates from an OpenAPI v2 or v3 document (JSON or YAML)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		document, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), true, func(ctx context.Context, app *App) error {
			result, err := app.Service.ImportOpenAPI(ctx, document)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), result, func(w io.Writer) {
				color.New(color.FgGreen).Fprintf(w, "Imported %d templates\n", len(result.Templates))
				if result.Synthetic > 0 {
					color.New(color.FgYellow).Fprintf(w, "  %d endpoints were unreachable and use a placeholder response\n", result.Synthetic)
				}
				if result.Duplicates > 0 {
					fmt.Fprintf(w, "  %d duplicates skipped\n", result.Duplicates)
				}
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(templateCmd)
	templateCmd.AddCommand(
		templateListCmd,
		templateAddCmd,
		templateSetRequestCmd,
		templateUpdateCmd,
		templateToggleCmd,
		templateDeleteCmd,
		templateClearCmd,
		templateImportCmd,
	)

	templateAddCmd.Flags().String("request", "", "raw HTTP request file (- for stdin)")
	templateAddCmd.Flags().String("success-regex", "", "regex matched against the raw response to detect access")
	templateUpdateCmd.Flags().String("success-regex", "", "regex matched against the raw response to detect access")
	_ = templateUpdateCmd.MarkFlagRequired("success-regex")

	templateImportCmd.Flags().String("base-url", "", "base URL for documents without a usable server entry")
	viper.BindPFlag("import.base_url", templateImportCmd.Flags().Lookup("base-url"))
}

// resolveTemplateID expands a unique id prefix to the full template id.
func resolveTemplateID(ctx context.Context, svc *service.Service, prefix string) (string, error) {
	if svc.TemplateExists(ctx, prefix) {
		return prefix, nil
	}

	var match string
	for _, tmpl := range svc.ListTemplates(ctx) {
		if !strings.HasPrefix(tmpl.ID, prefix) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("template id prefix %q is ambiguous", prefix)
		}
		match = tmpl.ID
	}
	if match == "" {
		return "", fmt.Errorf("template %q not found", prefix)
	}
	return match, nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
