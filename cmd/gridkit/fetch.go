package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gridkit/gridkit/internal/rpc"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	rowIDStyle  = lipgloss.NewStyle().Faint(true)
)

func newFetchCmd() *cobra.Command {
	var asJSON bool
	var noFormulas bool
	cmd := &cobra.Command{
		Use:   "fetch <table-id>",
		Short: "Fetch and display a table from the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialDaemon()
			if err != nil {
				return err
			}
			defer client.Close()

			formulas := !noFormulas
			result, err := client.Call(rpc.Request{
				Op:       rpc.OpFetch,
				TableID:  args[0],
				Formulas: &formulas,
			})
			if err != nil {
				return err
			}
			if asJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
				return printJSON(cmd.OutOrStdout(), result)
			}
			var data rpc.FetchResult
			if err := json.Unmarshal(result, &data); err != nil {
				return err
			}
			renderTable(cmd, data)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON instead of a table")
	cmd.Flags().BoolVar(&noFormulas, "no-formulas", false, "omit formula columns")
	return cmd
}

// renderTable prints a fetched table in aligned columns, with styling when
// the terminal supports it.
func renderTable(cmd *cobra.Command, data rpc.FetchResult) {
	if termenv.EnvColorProfile() == termenv.Ascii {
		headerStyle = lipgloss.NewStyle()
		rowIDStyle = lipgloss.NewStyle()
	}

	colIDs := make([]string, 0, len(data.Columns))
	for id := range data.Columns {
		colIDs = append(colIDs, id)
	}
	sort.Strings(colIDs)

	widths := make([]int, len(colIDs)+1)
	widths[0] = len("id")
	cells := make([][]string, len(data.RowIDs))
	for i, rowID := range data.RowIDs {
		cells[i] = make([]string, len(colIDs)+1)
		cells[i][0] = fmt.Sprintf("%d", rowID)
		if len(cells[i][0]) > widths[0] {
			widths[0] = len(cells[i][0])
		}
	}
	for j, colID := range colIDs {
		if len(colID) > widths[j+1] {
			widths[j+1] = len(colID)
		}
		vals := data.Columns[colID]
		for i := range data.RowIDs {
			text := ""
			if i < len(vals) {
				text = formatBoundaryValue(vals[i])
			}
			cells[i][j+1] = text
			if len(text) > widths[j+1] {
				widths[j+1] = len(text)
			}
		}
	}

	out := cmd.OutOrStdout()
	header := make([]string, len(colIDs)+1)
	header[0] = pad("id", widths[0])
	for j, colID := range colIDs {
		header[j+1] = pad(colID, widths[j+1])
	}
	fmt.Fprintln(out, headerStyle.Render(strings.Join(header, "  ")))
	for i := range cells {
		parts := make([]string, len(cells[i]))
		parts[0] = rowIDStyle.Render(pad(cells[i][0], widths[0]))
		for j := 1; j < len(cells[i]); j++ {
			parts[j] = pad(cells[i][j], widths[j])
		}
		fmt.Fprintln(out, strings.Join(parts, "  "))
	}
	fmt.Fprintf(out, "(%d rows)\n", len(data.RowIDs))
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// formatBoundaryValue renders an encoded boundary value for display.
func formatBoundaryValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%g", t), ".0")
	case bool:
		return fmt.Sprintf("%v", t)
	case []any:
		if len(t) == 0 {
			return "[]"
		}
		if tag, ok := t[0].(string); ok {
			switch tag {
			case "E":
				if len(t) >= 2 {
					return fmt.Sprintf("#%v", t[1])
				}
			case "R":
				if len(t) == 3 {
					return fmt.Sprintf("%v[%v]", t[1], t[2])
				}
			}
		}
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = formatBoundaryValue(item)
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}
