package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openecu/tunegate/internal/ecu"
)

// NewEnginesCommand lists engines and manages their connections.
func NewEnginesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engines",
		Short: "List registered protocol engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var caps []ecu.EngineCapabilities
			if err := newClient(opts).get("/api/v1/engines", &caps); err != nil {
				return reportErr(f, err)
			}
			return f.Success(caps, func(w io.Writer) {
				rows := pterm.TableData{{"ENGINE", "PROTOCOL", "ROM", "LIVE", "FLASH", "ACTIONS"}}
				for _, c := range caps {
					rows = append(rows, []string{
						c.EngineID,
						c.Protocol,
						fmt.Sprintf("%d KiB", c.ROMSize/1024),
						fmt.Sprint(c.SupportsLiveApply),
						fmt.Sprint(c.SupportsFlash),
						fmt.Sprint(len(c.CustomActions)),
					})
				}
				out, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
				fmt.Fprintln(w, out)
			})
		},
	}

	cmd.AddCommand(newEngineConnectCommand(opts))
	cmd.AddCommand(newEngineDisconnectCommand(opts))
	cmd.AddCommand(newEngineActionCommand(opts))
	return cmd
}

func newEngineConnectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <engine>",
		Short: "Connect an engine to its vehicle interface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var st ecu.EngineStatus
			if err := newClient(opts).post("/api/v1/engines/"+args[0]+"/connect", nil, &st); err != nil {
				return reportErr(f, err)
			}
			return f.Success(st, func(w io.Writer) {
				fmt.Fprintf(w, "connected=%v vehicle=%v\n", st.Connected, st.VehicleConnected)
			})
		},
	}
}

func newEngineDisconnectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <engine>",
		Short: "Disconnect an engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			var st ecu.EngineStatus
			if err := newClient(opts).post("/api/v1/engines/"+args[0]+"/disconnect", nil, &st); err != nil {
				return reportErr(f, err)
			}
			return f.Success(st, func(w io.Writer) {
				fmt.Fprintln(w, "disconnected")
			})
		},
	}
}

func newEngineActionCommand(opts *RootOptions) *cobra.Command {
	var argPairs []string
	cmd := &cobra.Command{
		Use:   "action <engine> <name>",
		Short: "Execute a custom engine action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			actionArgs := make(map[string]string, len(argPairs))
			for _, p := range argPairs {
				k, v, ok := strings.Cut(p, "=")
				if !ok || k == "" {
					return WrapExitError(ExitCommandError, fmt.Sprintf("bad --arg %q, want key=value", p), nil)
				}
				actionArgs[k] = v
			}
			var res map[string]string
			err := newClient(opts).post(
				fmt.Sprintf("/api/v1/engines/%s/actions/%s", args[0], args[1]),
				map[string]any{"args": actionArgs}, &res)
			if err != nil {
				return reportErr(f, err)
			}
			return f.Success(res, func(w io.Writer) {
				fmt.Fprintln(w, res["result"])
			})
		},
	}
	cmd.Flags().StringArrayVar(&argPairs, "arg", nil, "action argument key=value (repeatable)")
	return cmd
}
