package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openecu/tunegate/internal/ecu"
)

// changesetFile is the on-disk YAML shape for `changeset create`.
type changesetFile struct {
	Engine    string `yaml:"engine"`
	ProfileID string `yaml:"profile_id"`
	Author    string `yaml:"author"`
	Notes     string `yaml:"notes"`
	Changes   []struct {
		MapID    string  `yaml:"map_id"`
		Row      int     `yaml:"row"`
		Col      int     `yaml:"col"`
		OldValue float64 `yaml:"old_value"`
		NewValue float64 `yaml:"new_value"`
	} `yaml:"changes"`
}

// NewChangesetCommand manages changesets: create from a YAML file,
// validate, and simulate.
func NewChangesetCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changeset",
		Short: "Create, validate, and simulate changesets",
	}
	cmd.AddCommand(newChangesetCreateCommand(opts))
	cmd.AddCommand(newChangesetValidateCommand(opts))
	cmd.AddCommand(newChangesetSimulateCommand(opts))
	return cmd
}

func newChangesetCreateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <file.yaml>",
		Short: "Create a changeset from a YAML edit file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "read edit file", err)
			}
			var file changesetFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return WrapExitError(ExitCommandError, "parse edit file", err)
			}
			if file.Engine == "" {
				return WrapExitError(ExitCommandError, "edit file missing engine", nil)
			}

			changes := make([]map[string]any, 0, len(file.Changes))
			for _, ch := range file.Changes {
				changes = append(changes, map[string]any{
					"map_id": ch.MapID, "row": ch.Row, "col": ch.Col,
					"old_value": ch.OldValue, "new_value": ch.NewValue,
				})
			}
			body := map[string]any{
				"profile_id": file.ProfileID,
				"author":     file.Author,
				"notes":      file.Notes,
				"changes":    changes,
			}

			var cs ecu.Changeset
			if err := newClient(opts).post("/api/v1/engines/"+file.Engine+"/changesets", body, &cs); err != nil {
				return reportErr(f, err)
			}
			return f.Success(cs, func(w io.Writer) {
				fmt.Fprintf(w, "changeset %s created (%d changes)\n", cs.ID, len(cs.Changes))
			})
		},
	}
}

func newChangesetValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <changeset-id>",
		Short: "Run a changeset through the validation pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var vr ecu.ValidationResult
			if err := newClient(opts).post("/api/v1/changesets/"+args[0]+"/validate", nil, &vr); err != nil {
				return reportErr(f, err)
			}
			if err := f.Success(vr, func(w io.Writer) { renderValidation(w, vr) }); err != nil {
				return err
			}
			if !vr.Valid {
				return &ExitError{Code: ExitFailure, Message: "changeset is not valid"}
			}
			return nil
		},
	}
}

func renderValidation(w io.Writer, vr ecu.ValidationResult) {
	verdict := pterm.FgGreen.Sprint("VALID")
	if !vr.Valid {
		verdict = pterm.FgRed.Sprint("INVALID")
	}
	fmt.Fprintf(w, "%s  risk %d/100\n", verdict, vr.RiskScore)
	for _, v := range vr.SafetyViolations {
		fmt.Fprintln(w, pterm.FgRed.Sprint("violation:"), v)
	}
	for _, e := range vr.Errors {
		fmt.Fprintln(w, pterm.FgRed.Sprint("error:"), e)
	}
	for _, warn := range vr.Warnings {
		fmt.Fprintln(w, pterm.FgYellow.Sprint("warning:"), warn)
	}
	for _, rec := range vr.Recommendations {
		fmt.Fprintln(w, "hint:", rec)
	}
}

func newChangesetSimulateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <changeset-id>",
		Short: "Predict the effect of a changeset without hardware",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var sr ecu.SimulationResult
			if err := newClient(opts).post("/api/v1/changesets/"+args[0]+"/simulate", nil, &sr); err != nil {
				return reportErr(f, err)
			}
			return f.Success(sr, func(w io.Writer) {
				fmt.Fprintf(w, "risk level: %s\n", sr.RiskLevel)
				for _, eff := range sr.Effects {
					fmt.Fprintf(w, "  %s: %s (delta %+.3f)\n", eff.MapID, eff.Description, eff.Delta)
				}
				for _, warn := range sr.Warnings {
					fmt.Fprintln(w, pterm.FgYellow.Sprint("warning:"), warn)
				}
			})
		},
	}
}
