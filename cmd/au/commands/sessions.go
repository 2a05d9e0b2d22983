package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active (resumable) upload sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if AU == nil {
			return fmt.Errorf("app not initialized")
		}

		list, err := AU.Sessions.ListActive(context.Background(), 100)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No active sessions.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintf(tw, "SESSION\tCHUNKS\tSIZE\tVERSION\tUPDATED\tPATH\n")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n",
				shortID(s.SessionID), s.ChunkCount, fmtSize(s.FileSize), s.Version,
				s.UpdatedAt.Format("2006-01-02 15:04"), s.FilePath)
		}
		tw.Flush()
		return nil
	},
}

// shortID 截断长会话 ID，仅展示用
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}
