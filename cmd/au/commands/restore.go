package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"aetherupload/pkg/manifest"
	"aetherupload/pkg/restore"

	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore [manifest] [output]",
	Short: "Reassemble a staged file from the spool",
	Long: `Restore fetches every chunk listed in the manifest from the spool,
re-verifies each one (size, SHA-256, CRC32C) and writes it back at its
recorded offset. The output file is byte-identical to what was staged.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if AU == nil {
			return fmt.Errorf("app not initialized")
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		m, err := manifest.Decode(data)
		if err != nil {
			return fmt.Errorf("manifest rejected: %w", err)
		}

		f, err := os.Create(args[1])
		if err != nil {
			return err
		}

		start := time.Now()
		n, err := restore.New(AU.Spool, Cfg.Uplink.Workers).RestoreFile(context.Background(), m, f)
		if err != nil {
			f.Close()
			return fmt.Errorf("restore failed: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}

		fmt.Printf("✅ Restored %s (%s, %d chunks) in %s\n", args[1], fmtSize(n), m.ChunkCount, time.Since(start))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
}
