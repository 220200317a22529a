package cli

import (
	"fmt"
	"io"
	"net/http"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openecu/tunegate/internal/ecu"
	"github.com/openecu/tunegate/internal/session"
)

// NewSessionCommand manages live-apply sessions.
func NewSessionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage live-apply sessions",
	}
	cmd.AddCommand(newSessionListCommand(opts))
	cmd.AddCommand(newSessionCreateCommand(opts))
	cmd.AddCommand(newSessionArmCommand(opts))
	cmd.AddCommand(newSessionApplyCommand(opts))
	cmd.AddCommand(newSessionRevertCommand(opts))
	return cmd
}

func newSessionListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var views []session.View
			if err := newClient(opts).get("/api/v1/sessions", &views); err != nil {
				return reportErr(f, err)
			}
			return f.Success(views, func(w io.Writer) {
				rows := pterm.TableData{{"SESSION", "ENGINE", "STATUS", "CHANGESET", "EXPIRES"}}
				for _, v := range views {
					rows = append(rows, []string{
						v.ID, v.EngineID, string(v.Status), v.ChangesetID,
						v.ExpiresAt.Format("15:04:05"),
					})
				}
				out, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
				fmt.Fprintln(w, out)
			})
		},
	}
}

func newSessionCreateCommand(opts *RootOptions) *cobra.Command {
	var engine, changeset, vehicle string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a live-apply session",
		Long: "Creates a PENDING session for a validated changeset. The response\n" +
			"carries the apply token exactly once; it is required to arm.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var created struct {
				Session session.View `json:"session"`
				Token   string       `json:"token"`
			}
			body := map[string]string{
				"engine_id":          engine,
				"changeset_id":       changeset,
				"vehicle_session_id": vehicle,
			}
			if err := newClient(opts).post("/api/v1/sessions", body, &created); err != nil {
				return reportErr(f, err)
			}
			return f.Success(created, func(w io.Writer) {
				fmt.Fprintf(w, "session %s created, expires %s\n",
					created.Session.ID, created.Session.ExpiresAt.Format("15:04:05"))
				fmt.Fprintln(w, "apply token (shown once):", created.Token)
			})
		},
	}
	cmd.Flags().StringVar(&engine, "engine", "", "engine id")
	cmd.Flags().StringVar(&changeset, "changeset", "", "changeset id")
	cmd.Flags().StringVar(&vehicle, "vehicle", "", "vehicle session id")
	cmd.MarkFlagRequired("engine")
	cmd.MarkFlagRequired("changeset")
	cmd.MarkFlagRequired("vehicle")
	return cmd
}

func newSessionArmCommand(opts *RootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "arm <session-id>",
		Short: "Arm a session with its apply token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var view session.View
			if err := newClient(opts).post("/api/v1/sessions/"+args[0]+"/arm",
				map[string]string{"token": token}, &view); err != nil {
				return reportErr(f, err)
			}
			return f.Success(view, func(w io.Writer) {
				fmt.Fprintln(w, "session armed")
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "apply token from session create")
	cmd.MarkFlagRequired("token")
	return cmd
}

func newSessionApplyCommand(opts *RootOptions) *cobra.Command {
	var technician, jobRef string
	cmd := &cobra.Command{
		Use:   "apply <session-id>",
		Short: "Apply the session's changeset to the ECU",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var res ecu.ApplyResult
			body := map[string]string{"technician_id": technician, "job_ref": jobRef}
			if err := newClient(opts).post("/api/v1/sessions/"+args[0]+"/apply", body, &res); err != nil {
				return reportErr(f, err)
			}
			return f.Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "applied %d changes under job %s\n", res.AppliedChanges, res.JobID)
			})
		},
	}
	cmd.Flags().StringVar(&technician, "technician", "", "technician id for attribution")
	cmd.Flags().StringVar(&jobRef, "job", "", "work order or job reference")
	cmd.MarkFlagRequired("technician")
	cmd.MarkFlagRequired("job")
	return cmd
}

func newSessionRevertCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revert <session-id>",
		Short: "Revert a session's applied values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			if err := newClient(opts).do(http.MethodDelete, "/api/v1/sessions/"+args[0], nil, nil); err != nil {
				return reportErr(f, err)
			}
			return f.Success(map[string]string{"session": args[0], "status": "reverted"}, func(w io.Writer) {
				fmt.Fprintln(w, "session reverted")
			})
		},
	}
}
