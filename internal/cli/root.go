package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "viva",
	Short: "Voice-first oral study sessions against your spaced repetition queue",
	Long: `viva runs live oral study sessions: an AI tutor quizzes you on the
recall points due in a set, you answer by voice or text, and each answer is
graded and fed back into the scheduler.

Sessions survive disconnects and client restarts; an in-progress session for
a recall set is always resumed rather than restarted.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "viva %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "viva server base URL")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
