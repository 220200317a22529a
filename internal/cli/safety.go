package cli

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openecu/tunegate/internal/orchestrator"
)

// NewStatusCommand reports the orchestrator overview.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator and engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var st orchestrator.Overview
			if err := newClient(opts).get("/api/v1/status", &st); err != nil {
				return reportErr(f, err)
			}
			return f.Success(st, func(w io.Writer) {
				renderOverview(w, st)
			})
		},
	}
}

func renderOverview(w io.Writer, st orchestrator.Overview) {
	armed := pterm.FgRed.Sprint("DISARMED")
	if st.Armed {
		armed = pterm.FgGreen.Sprint("ARMED")
	}
	fmt.Fprintf(w, "level: %s  %s  sessions: %d  flash jobs: %d\n",
		st.Level, armed, st.ActiveSessions, st.ActiveJobs)

	rows := pterm.TableData{{"ENGINE", "CONNECTED", "VEHICLE", "SESSION", "LAST ACTIVITY"}}
	for _, es := range st.Engines {
		rows = append(rows, []string{
			es.EngineID,
			fmt.Sprint(es.Connected),
			fmt.Sprint(es.VehicleConnected),
			es.CurrentSession,
			es.LastActivity.Format("15:04:05"),
		})
	}
	out, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	fmt.Fprintln(w, out)
}

// NewArmCommand arms the orchestrator with the operator code.
func NewArmCommand(opts *RootOptions) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "arm",
		Short: "Arm the orchestrator for live operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var st orchestrator.Overview
			if err := newClient(opts).post("/api/v1/safety/arm", map[string]string{"code": code}, &st); err != nil {
				return reportErr(f, err)
			}
			return f.Success(st, func(w io.Writer) {
				fmt.Fprintln(w, "armed at level", st.Level)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "arming code")
	cmd.MarkFlagRequired("code")
	return cmd
}

// NewDisarmCommand disarms the orchestrator. Never refused.
func NewDisarmCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disarm",
		Short: "Disarm the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var st orchestrator.Overview
			if err := newClient(opts).post("/api/v1/safety/disarm", nil, &st); err != nil {
				return reportErr(f, err)
			}
			return f.Success(st, func(w io.Writer) {
				fmt.Fprintln(w, "disarmed")
			})
		},
	}
}

// NewLevelCommand changes the global safety level.
func NewLevelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "level {SIMULATE|LIVE_APPLY|FLASH}",
		Short: "Set the global safety level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var st orchestrator.Overview
			if err := newClient(opts).post("/api/v1/safety/level", map[string]string{"level": args[0]}, &st); err != nil {
				return reportErr(f, err)
			}
			return f.Success(st, func(w io.Writer) {
				fmt.Fprintln(w, "level set to", st.Level)
			})
		},
	}
}
