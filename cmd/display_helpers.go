// cmd/display_helpers.go
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/analysis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

func colorRuleStatus(status types.RuleStatus) string {
	switch status {
	case types.StatusEnforced:
		return color.New(color.FgGreen).Sprint(string(status))
	case types.StatusBypassed:
		return color.New(color.FgRed, color.Bold).Sprint(string(status))
	case types.StatusUnexpected:
		return color.New(color.FgYellow).Sprint(string(status))
	default:
		return color.New(color.FgWhite).Sprint(string(status))
	}
}

func accessMark(hasAccess bool) string {
	if hasAccess {
		return "allow"
	}
	return "deny"
}

// writeOutput prints v as indented JSON when -o json was given, otherwise
// it calls table.
func writeOutput(w io.Writer, v any, table func(w io.Writer)) error {
	if outputFormat == "json" {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	table(w)
	return nil
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

// printMatrix renders one line per template with every rule and its status.
func printMatrix(w io.Writer, templates []types.Template, roles []types.Role, users []types.User) {
	names := make(map[string]string, len(roles)+len(users))
	for _, r := range roles {
		names[string(types.SubjectRole)+r.ID] = "role:" + r.Name
	}
	for _, u := range users {
		names[string(types.SubjectUser)+u.ID] = "user:" + u.Name
	}

	tw := newTable(w, "TEMPLATE", "REQUEST", "SUBJECT", "EXPECTED", "STATUS")
	for _, tmpl := range templates {
		request := tmpl.Meta.Method + " " + tmpl.Meta.Host + tmpl.Meta.Path
		if len(tmpl.Rules) == 0 {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\n", shortID(tmpl.ID), request)
			continue
		}
		for _, rule := range tmpl.Rules {
			name, ok := names[string(rule.Subject())+rule.SubjectID()]
			if !ok {
				name = rule.SubjectID()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				shortID(tmpl.ID), request, name, accessMark(rule.Access()), colorRuleStatus(rule.State()))
		}
	}
	tw.Flush()
}

func printSummary(w io.Writer, summary *analysis.Summary, templates []types.Template) {
	counts := map[types.RuleStatus]int{}
	for _, tmpl := range templates {
		for _, rule := range tmpl.Rules {
			counts[rule.State()]++
		}
	}

	fmt.Fprintln(w)
	color.New(color.FgCyan, color.Bold).Fprintf(w, "Analysis complete in %s\n", summary.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Replays sent: %d, skipped: %d, failed: %d\n", summary.Sent, summary.Skipped, summary.Failed)
	fmt.Fprintf(w, "  %s: %d  %s: %d  %s: %d  %s: %d\n",
		colorRuleStatus(types.StatusEnforced), counts[types.StatusEnforced],
		colorRuleStatus(types.StatusBypassed), counts[types.StatusBypassed],
		colorRuleStatus(types.StatusUnexpected), counts[types.StatusUnexpected],
		colorRuleStatus(types.StatusUntested), counts[types.StatusUntested],
	)
	if summary.Cancelled {
		color.New(color.FgYellow).Fprintln(w, "  Run was cancelled before every pair was replayed")
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
