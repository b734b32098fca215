package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kweiss/viva/internal/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay <session-id>",
	Short: "Print a finished session the way it unfolded live",
	Long: `Print the session timeline: every turn in order, with evaluation
results and digressions shown at the point they happened.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var tl replay.Timeline
		if _, err := getJSON("/sessions/"+args[0]+"/replay", &tl); err != nil {
			return fmt.Errorf("fetching replay: %w", err)
		}

		out := cmd.OutOrStdout()
		if tl.Session != nil {
			fmt.Fprintf(out, "Session %s (%s) on recall set %s\n\n", tl.Session.ID, tl.Session.Status, tl.Session.RecallSetID)
		}

		depth := 0
		for _, node := range tl.Nodes {
			indent := strings.Repeat("  ", depth)
			switch node.Kind {
			case replay.NodeTurn:
				role := "tutor"
				if string(node.Turn.Role) == "learner" {
					role = "you"
				}
				fmt.Fprintf(out, "%s%-6s %s\n", indent, role+":", node.Turn.Text)

			case replay.NodeEvaluation:
				line := fmt.Sprintf("-- %s: %s", node.Evaluation.PointID, node.Evaluation.Outcome)
				if node.Evaluation.Confidence != nil {
					line += fmt.Sprintf(" (%.0f%%)", *node.Evaluation.Confidence*100)
				}
				fmt.Fprintf(out, "%s%s\n", indent, line)

			case replay.NodeRabbitholeOpen:
				fmt.Fprintf(out, "%s>> digression: %s\n", indent, node.Rabbithole.Topic)
				depth++

			case replay.NodeRabbitholeReturn:
				if depth > 0 {
					depth--
				}
				fmt.Fprintf(out, "%s<< back from: %s\n", strings.Repeat("  ", depth), node.Rabbithole.Topic)
			}
		}

		for _, rh := range tl.OpenDigressions {
			fmt.Fprintf(out, "\n(still open at end: %s)\n", rh.Topic)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
