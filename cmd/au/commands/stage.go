// cmd/au/commands/stage.go

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"aetherupload/pkg/uplink"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var stageSession string

var stageCmd = &cobra.Command{
	Use:   "stage [path]",
	Short: "Chunk, dedup and upload a file or directory",
	Long: `Stage runs the full pipeline: CDC chunking, Merkle/commitment registration,
dedup filtering, concurrent spool upload and manifest persistence.
Directories are walked recursively; entries matched by .auignore are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if AU == nil {
			return fmt.Errorf("app not initialized")
		}

		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}

		ctx := context.Background()
		start := time.Now()

		// 目录走批量：会话 ID 由 相对路径+大小+mtime 推导，--session 没有意义
		if info.IsDir() {
			if stageSession != "" {
				return fmt.Errorf("--session cannot be combined with a directory")
			}
			results, err := AU.Uplink.StageDir(ctx, args[0])
			if err != nil {
				return fmt.Errorf("staging aborted: %w", err)
			}
			for _, res := range results {
				if _, err := saveManifest(res); err != nil {
					return err
				}
			}
			printBatch(results, time.Since(start))
			return nil
		}

		// 单文件：指定了 --session 就强制开新会话，
		// 否则按 路径+大小+mtime 推导身份，自动在 新建/续传/跳过 之间选择
		var res *uplink.Result
		if stageSession != "" {
			res, err = AU.Uplink.Stage(ctx, stageSession, args[0])
		} else {
			abs, aerr := filepath.Abs(args[0])
			if aerr != nil {
				return aerr
			}
			sid := uplink.SessionIDFor(abs, info.Size(), info.ModTime().Unix())
			res, err = AU.Uplink.StageOrResume(ctx, sid, abs)
		}
		if err != nil {
			return fmt.Errorf("staging failed: %w", err)
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

// saveManifest 把清单以确定性 CBOR 落盘到工作区。
// 文件名取清单哈希 (内容寻址)，verify 命令之后以它为信任锚。
// 跳过的会话没有新清单，返回空路径。
func saveManifest(res *uplink.Result) (string, error) {
	if res.Manifest == nil {
		return "", nil
	}
	data, err := res.Manifest.Encode()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(Cfg.Workspace, "manifests")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, res.ManifestHash.String()+".cbor")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to persist manifest: %w", err)
	}
	return path, nil
}

// printResult 单文件上传的结果摘要
func printResult(res *uplink.Result, manifestPath string) {
	if res.Skipped {
		fmt.Printf("⚡ %s unchanged, already uploaded (session %s)\n", res.FilePath, shortID(res.SessionID))
		return
	}
	if res.Resumed {
		fmt.Printf("🔄 Resumed session %s\n", shortID(res.SessionID))
	}
	fmt.Printf("Session:          %s\n", res.SessionID)
	fmt.Printf("Chunks:           %d (%d uploaded, %d deduped)\n", res.ChunkCount, res.UploadedChunks, res.DedupedChunks)
	fmt.Printf("Size:             %s\n", fmtSize(res.FileSize))
	fmt.Printf("Merkle Root:      %s\n", res.MerkleRoot)
	fmt.Printf("Final Commitment: %s\n", res.FinalCommitment)
	if manifestPath != "" {
		fmt.Printf("Manifest:         %s\n", manifestPath)
	}
}

// printBatch 目录上传的逐文件表格
func printBatch(results []*uplink.Result, took time.Duration) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "STATUS\tCHUNKS\tUP\tDEDUP\tSIZE\tPATH\n")

	var uploaded, skipped int
	for _, res := range results {
		status := "new"
		switch {
		case res.Skipped:
			status = "skipped"
			skipped++
		case res.Resumed:
			status = "resumed"
			uploaded++
		default:
			uploaded++
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
			status, res.ChunkCount, res.UploadedChunks, res.DedupedChunks, fmtSize(res.FileSize), res.FilePath)
	}
	tw.Flush()

	fmt.Printf("\n✅ Staged %d files (%d transferred, %d unchanged) in %s\n",
		len(results), uploaded, skipped, took)
}

func init() {
	stageCmd.Flags().StringVar(&stageSession, "session", "", "Explicit session ID (single file only)")

	// --workers 覆盖配置里的 uplink.workers
	stageCmd.Flags().Int("workers", 0, "Concurrent upload workers")
	if err := viper.BindPFlag("uplink.workers", stageCmd.Flags().Lookup("workers")); err != nil {
		fmt.Println("Failed to bind flag:", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(stageCmd)
}
