package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openecu/tunegate/internal/ecu"
)

// NewMapsCommand lists and inspects an engine's map catalogue.
func NewMapsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maps <engine>",
		Short: "List an engine's tunable maps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var defs []ecu.MapDefinition
			if err := newClient(opts).get("/api/v1/engines/"+args[0]+"/maps", &defs); err != nil {
				return reportErr(f, err)
			}
			return f.Success(defs, func(w io.Writer) {
				rows := pterm.TableData{{"ID", "TYPE", "SHAPE", "UNIT", "RANGE", "FLAGS"}}
				for _, d := range defs {
					rows = append(rows, []string{
						d.ID,
						string(d.Type),
						fmt.Sprintf("%dx%d", d.Shape.Rows, d.Shape.Cols),
						d.Unit,
						fmt.Sprintf("%g..%g", d.Min, d.Max),
						mapFlags(d),
					})
				}
				out, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
				fmt.Fprintln(w, out)
			})
		},
	}

	cmd.AddCommand(newMapShowCommand(opts))
	return cmd
}

func mapFlags(d ecu.MapDefinition) string {
	var flags []string
	if d.SafetyCritical {
		flags = append(flags, "safety-critical")
	}
	if d.RequiresFlash {
		flags = append(flags, "requires-flash")
	}
	if d.ReadOnly {
		flags = append(flags, "read-only")
	}
	return strings.Join(flags, ",")
}

func newMapShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <engine> <map>",
		Short: "Read current map values",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			c := newClient(opts)

			var defs []ecu.MapDefinition
			if err := c.get("/api/v1/engines/"+args[0]+"/maps", &defs); err != nil {
				return reportErr(f, err)
			}
			var def ecu.MapDefinition
			for _, d := range defs {
				if d.ID == args[1] {
					def = d
					break
				}
			}

			var data ecu.MapData
			if err := c.get(fmt.Sprintf("/api/v1/engines/%s/maps/%s", args[0], args[1]), &data); err != nil {
				return reportErr(f, err)
			}
			return f.Success(data, func(w io.Writer) {
				title := fmt.Sprintf("%s | %dx%d | %s | source: %s",
					data.MapID, data.Shape.Rows, data.Shape.Cols, def.Unit, data.Source)
				pterm.DefaultBox.WithTitle(title).WithTitleTopLeft().
					WithWriter(w).Println(buildGridString(def, data))
			})
		},
	}
}

// buildGridString renders a map as a fixed-width grid with the column
// axis across the top and the row axis down the left.
func buildGridString(def ecu.MapDefinition, data ecu.MapData) string {
	var b strings.Builder

	if data.Shape.IsScalar() {
		fmt.Fprintf(&b, "%g %s", data.Values[0], def.Unit)
		return b.String()
	}

	colAxis := def.Shape.ColAxis
	if colAxis == "" {
		colAxis = "col"
	}
	fmt.Fprintf(&b, "%8s |", colAxis+" →")
	for j := 0; j < data.Shape.Cols; j++ {
		fmt.Fprintf(&b, "%8d", j)
	}
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", 10+8*data.Shape.Cols) + "\n")

	for i := 0; i < data.Shape.Rows; i++ {
		fmt.Fprintf(&b, "%6d ↓ |", i)
		for j := 0; j < data.Shape.Cols; j++ {
			v := data.Value(i, j)
			style := valueStyle(v, def.Min, def.Max)
			b.WriteString(style.Sprintf("%8.2f", v))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// valueStyle shades cells by where they sit in the definition's range.
func valueStyle(v, min, max float64) pterm.Color {
	if max <= min {
		return pterm.FgDefault
	}
	switch frac := (v - min) / (max - min); {
	case frac < 0.33:
		return pterm.FgCyan
	case frac < 0.66:
		return pterm.FgYellow
	default:
		return pterm.FgRed
	}
}
