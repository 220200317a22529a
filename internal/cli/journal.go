package cli

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openecu/tunegate/internal/journal"
)

// NewJournalCommand reads the audit journal.
func NewJournalCommand(opts *RootOptions) *cobra.Command {
	var limit int
	var sessionID string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent audit journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts)
			path := fmt.Sprintf("/api/v1/journal?limit=%d", limit)
			if sessionID != "" {
				path = fmt.Sprintf("/api/v1/sessions/%s/journal", sessionID)
			}
			var records []journal.Record
			if err := newClient(opts).get(path, &records); err != nil {
				return reportErr(f, err)
			}
			return f.Success(records, func(w io.Writer) {
				rows := pterm.TableData{{"SEQ", "AT", "TYPE", "ENGINE", "SESSION", "MESSAGE"}}
				for _, rec := range records {
					rows = append(rows, []string{
						fmt.Sprint(rec.Seq),
						rec.Event.At.Format("15:04:05"),
						string(rec.Event.Type),
						rec.Event.EngineID,
						rec.Event.SessionID,
						rec.Event.Message,
					})
				}
				out, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
				fmt.Fprintln(w, out)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	cmd.Flags().StringVar(&sessionID, "session", "", "show the full trail for one session")
	return cmd
}
