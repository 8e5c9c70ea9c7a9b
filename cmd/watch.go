package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/prdash/internal/events"
	"github.com/joescharf/prdash/internal/output"
	"github.com/joescharf/prdash/internal/sessions"
)

var watchKeepAlive bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the server's live event stream",
	Long:  "Connect to the server's WebSocket event stream and print session, message, job and PR events as they happen. Press Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiClient().Watch(cmd.Context(), func(ev events.Event) error {
			if ev.Name == events.EventKeepAlive && !watchKeepAlive {
				return nil
			}
			if ui.JSON {
				return ui.PrintJSON(ev)
			}
			fmt.Fprintln(ui.Out, eventLine(ev, time.Now()))
			return nil
		})
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchKeepAlive, "keep-alive", false, "Also print keep-alive events")
	rootCmd.AddCommand(watchCmd)
}

// eventLine renders one broadcast event as a terminal line.
func eventLine(ev events.Event, now time.Time) string {
	ts := output.Faint(now.Format("15:04:05"))
	name := output.Cyan(fmt.Sprintf("%-19s", ev.Name))

	switch ev.Name {
	case events.EventStreamMessage:
		var m sessions.MessageEvent
		if err := json.Unmarshal(ev.Data, &m); err == nil {
			return fmt.Sprintf("%s %s %s %s", ts, name, m.SessionID, messageLine(m.Message))
		}
	case events.EventSessionCreated, events.EventSessionCompleted:
		var s sessions.SessionEvent
		if err := json.Unmarshal(ev.Data, &s); err == nil {
			return fmt.Sprintf("%s %s %s %s %s", ts, name, s.ID, output.StatusColor(string(s.Status)), correlationText(s.Correlation))
		}
	}
	return fmt.Sprintf("%s %s %s", ts, name, output.Truncate(string(ev.Data), 120))
}
