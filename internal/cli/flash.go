package cli

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openecu/tunegate/internal/flash"
)

// NewFlashCommand manages flash jobs end to end.
func NewFlashCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Prepare, validate, and execute ROM flash jobs",
	}
	cmd.AddCommand(newFlashJobsCommand(opts))
	cmd.AddCommand(newFlashPrepareCommand(opts))
	cmd.AddCommand(newFlashValidateCommand(opts))
	cmd.AddCommand(newFlashExecuteCommand(opts))
	cmd.AddCommand(newFlashAbortCommand(opts))
	return cmd
}

func renderJob(w io.Writer, v flash.View) {
	fmt.Fprintf(w, "job %s  engine %s  %s  progress %d%%  checksum_ok=%v validation_ok=%v\n",
		v.ID, v.EngineID, v.State, v.Progress, v.ChecksumOk, v.ValidationOk)
}

func newFlashJobsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List flash jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var views []flash.View
			if err := newClient(opts).get("/api/v1/flash/jobs", &views); err != nil {
				return reportErr(f, err)
			}
			return f.Success(views, func(w io.Writer) {
				rows := pterm.TableData{{"JOB", "ENGINE", "STATE", "PROGRESS", "CHECKSUM", "VALIDATION"}}
				for _, v := range views {
					rows = append(rows, []string{
						v.ID, v.EngineID, string(v.State),
						fmt.Sprintf("%d%%", v.Progress),
						fmt.Sprint(v.ChecksumOk), fmt.Sprint(v.ValidationOk),
					})
				}
				out, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
				fmt.Fprintln(w, out)
			})
		},
	}
}

func newFlashPrepareCommand(opts *RootOptions) *cobra.Command {
	var engine, changeset string
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Build a patched ROM image for a validated changeset",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var view flash.View
			body := map[string]string{"engine_id": engine, "changeset_id": changeset}
			if err := newClient(opts).post("/api/v1/flash/jobs", body, &view); err != nil {
				return reportErr(f, err)
			}
			return f.Success(view, func(w io.Writer) { renderJob(w, view) })
		},
	}
	cmd.Flags().StringVar(&engine, "engine", "", "engine id")
	cmd.Flags().StringVar(&changeset, "changeset", "", "changeset id")
	cmd.MarkFlagRequired("engine")
	cmd.MarkFlagRequired("changeset")
	return cmd
}

func newFlashValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <job-id>",
		Short: "Verify the patched image and patch records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var view flash.View
			if err := newClient(opts).post("/api/v1/flash/jobs/"+args[0]+"/validate", nil, &view); err != nil {
				return reportErr(f, err)
			}
			if err := f.Success(view, func(w io.Writer) { renderJob(w, view) }); err != nil {
				return err
			}
			if !view.ChecksumOk || !view.ValidationOk {
				return &ExitError{Code: ExitFailure, Message: "flash job failed validation"}
			}
			return nil
		},
	}
}

func newFlashExecuteCommand(opts *RootOptions) *cobra.Command {
	var technician, jobRef string
	cmd := &cobra.Command{
		Use:   "execute <job-id>",
		Short: "Transfer the patched image to the ECU",
		Long: "Blocks until the job reaches a terminal state. Under SIMULATE this\n" +
			"is a dry run and no bytes reach the vehicle.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var view flash.View
			body := map[string]string{"technician_id": technician, "job_ref": jobRef}
			if err := newClient(opts).post("/api/v1/flash/jobs/"+args[0]+"/execute", body, &view); err != nil {
				return reportErr(f, err)
			}
			if err := f.Success(view, func(w io.Writer) { renderJob(w, view) }); err != nil {
				return err
			}
			if view.State != flash.StateComplete {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("flash ended in state %s", view.State)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&technician, "technician", "", "technician id for attribution")
	cmd.Flags().StringVar(&jobRef, "job", "", "work order or job reference")
	return cmd
}

func newFlashAbortCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <job-id>",
		Short: "Abort a flash job before or during transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var view flash.View
			if err := newClient(opts).post("/api/v1/flash/jobs/"+args[0]+"/abort", nil, &view); err != nil {
				return reportErr(f, err)
			}
			return f.Success(view, func(w io.Writer) { renderJob(w, view) })
		},
	}
}
