package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kweiss/viva/internal/store"
)

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the state of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sess store.Session
		if _, err := getJSON("/sessions/"+args[0], &sess); err != nil {
			return fmt.Errorf("fetching session: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Session:    %s\n", sess.ID)
		fmt.Fprintf(out, "Recall set: %s\n", sess.RecallSetID)
		fmt.Fprintf(out, "Status:     %s\n", sess.Status)
		fmt.Fprintf(out, "Progress:   %d/%d points\n", sess.Cursor, len(sess.Points))
		fmt.Fprintf(out, "Started:    %s\n", sess.StartedAt.Format(time.RFC3339))
		if sess.EndedAt != nil {
			fmt.Fprintf(out, "Ended:      %s\n", sess.EndedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var abandonCmd = &cobra.Command{
	Use:   "abandon <session-id>",
	Short: "Abandon an in-progress session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sess store.Session
		if _, err := postJSON("/sessions/"+args[0]+"/abandon", nil, &sess); err != nil {
			return fmt.Errorf("abandoning session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s abandoned\n", sess.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(abandonCmd)
}
