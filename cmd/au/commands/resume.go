package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [sessionID] [file]",
	Short: "Resume an interrupted upload from its last checkpoint",
	Long: `Resume re-chunks the file, verifies it against the persisted commitment
chain from the nearest trusted anchor, and transfers only the missing chunks.
The file argument is optional; without it the path recorded in the session is
used. Pass it explicitly when the file has been moved since staging.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if AU == nil {
			return fmt.Errorf("app not initialized")
		}

		filePath := ""
		if len(args) == 2 {
			filePath = args[1]
		}

		start := time.Now()
		res, err := AU.Uplink.Resume(context.Background(), args[0], filePath)
		if err != nil {
			return fmt.Errorf("resume failed: %w", err)
		}

		manifestPath, err := saveManifest(res)
		if err != nil {
			return err
		}
		printResult(res, manifestPath)
		fmt.Printf("✅ Done in %s\n", time.Since(start))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
