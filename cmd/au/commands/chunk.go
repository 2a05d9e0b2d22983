package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"aetherupload/pkg/chain"
	"aetherupload/pkg/chunker"
	"aetherupload/pkg/manifest"
	"aetherupload/pkg/merkle"
	"aetherupload/pkg/types"

	"github.com/spf13/cobra"
)

var (
	chunkSession string
	chunkJSON    bool
)

var chunkCmd = &cobra.Command{
	Use:   "chunk [file]",
	Short: "Split a file into content-defined chunks (dry run, nothing is uploaded)",
	Long: `Chunk runs the CDC splitter over a local file and prints the boundary table.
No backend is touched: this is the offline view of what 'stage' would transfer.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ck, err := chunker.New(chunker.Config{
			MinSize: Cfg.Chunker.MinSize,
			AvgSize: Cfg.Chunker.AvgSize,
			MaxSize: Cfg.Chunker.MaxSize,
		})
		if err != nil {
			return err
		}

		start := time.Now()
		boundaries, err := ck.ChunkFile(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("chunking failed: %w", err)
		}

		// 重放 Merkle 树与承诺链，得到 stage 会产出的同一份根和最终承诺
		tree := merkle.NewTree()
		cc := chain.NewChain(chunkSession)
		for _, b := range boundaries {
			raw, err := types.Hash(b.SHA256Hex).Raw()
			if err != nil {
				return err
			}
			tree.AppendLeaf(raw[:])
			if _, err := cc.AppendChunk(b.SHA256Hex); err != nil {
				return err
			}
		}

		m, err := manifest.Build(chunkSession, boundaries, tree.RootHash(), cc.LatestCommitment())
		if err != nil {
			return err
		}

		// --json 输出完整清单，方便脚本消费
		if chunkJSON {
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		// 表格输出 (像 git ls-tree)
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintf(tw, "IDX\tOFFSET\tSIZE\tSHA256\tCRC32C\n")
		for i, b := range boundaries {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%08x\n",
				i, b.Offset, fmtSize(b.Size), types.Hash(b.SHA256Hex).Short(), b.CRC32C)
		}
		tw.Flush()

		fmt.Printf("\n📦 %d chunks, %s in %s\n", len(boundaries), fmtSize(m.FileSize), time.Since(start))
		fmt.Printf("Merkle Root:      %s\n", m.MerkleRoot)
		fmt.Printf("Final Commitment: %s\n", m.FinalCommitment)
		return nil
	},
}

// fmtSize 人类可读的字节数
func fmtSize(s int64) string {
	if s < 1024 {
		return fmt.Sprintf("%dB", s)
	} else if s < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(s)/1024)
	}
	return fmt.Sprintf("%.2fMB", float64(s)/1024/1024)
}

func init() {
	chunkCmd.Flags().StringVar(&chunkSession, "session", "dry-run", "Session ID used for the commitment chain replay")
	chunkCmd.Flags().BoolVar(&chunkJSON, "json", false, "Print the full manifest as JSON")
	rootCmd.AddCommand(chunkCmd)
}
