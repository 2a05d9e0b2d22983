package commands

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"

	"aetherupload/pkg/chunker"
	"aetherupload/pkg/manifest"
	"aetherupload/pkg/merkle"
	"aetherupload/pkg/types"
	"aetherupload/pkg/verify"

	"github.com/spf13/cobra"
)

var verifySamples int

var verifyCmd = &cobra.Command{
	Use:   "verify [manifest] [file]",
	Short: "Verify a local file against a persisted manifest",
	Long: `Verify re-chunks the file and compares it chunk by chunk against the
manifest, then rebuilds the Merkle tree, spot-checks inclusion proofs against
the recorded root and replays the commitment chain. Runs fully offline.
Exits non-zero on any mismatch.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		m, err := manifest.Decode(data)
		if err != nil {
			return fmt.Errorf("manifest rejected: %w", err)
		}

		ck, err := chunker.New(chunker.Config{
			MinSize: Cfg.Chunker.MinSize,
			AvgSize: Cfg.Chunker.AvgSize,
			MaxSize: Cfg.Chunker.MaxSize,
		})
		if err != nil {
			return err
		}
		boundaries, err := ck.ChunkFile(context.Background(), args[1])
		if err != nil {
			return fmt.Errorf("chunking failed: %w", err)
		}

		// 1. 结构比对：大小和块数必须一致
		// 切分是确定性的，同一份内容在相同参数下必然产生相同的边界
		var fileSize int64
		if n := len(boundaries); n > 0 {
			fileSize = boundaries[n-1].Offset + boundaries[n-1].Size
		}
		if fileSize != m.FileSize {
			fmt.Printf("❌ size mismatch: file is %s, manifest records %s\n", fmtSize(fileSize), fmtSize(m.FileSize))
			return fmt.Errorf("verification failed: size mismatch")
		}
		if int64(len(boundaries)) != m.ChunkCount {
			fmt.Printf("❌ chunk count mismatch: file splits into %d, manifest records %d\n", len(boundaries), m.ChunkCount)
			return fmt.Errorf("verification failed: chunk count mismatch")
		}

		// 2. 逐块哈希比对，直接定位被篡改的块
		var bad []int64
		for i, b := range boundaries {
			if b.SHA256Hex != m.Chunks[i].Hash {
				bad = append(bad, int64(i))
			}
		}
		if len(bad) > 0 {
			show := bad
			if len(show) > 10 {
				show = show[:10]
			}
			for _, idx := range show {
				fmt.Printf("❌ chunk %d: file %s != manifest %s\n",
					idx, types.Hash(boundaries[idx].SHA256Hex).Short(), types.Hash(m.Chunks[idx].Hash).Short())
			}
			return fmt.Errorf("verification failed: %d of %d chunks differ from manifest", len(bad), m.ChunkCount)
		}

		// 3. 重建 Merkle 树，抽查证明，并重放承诺链核对最终承诺。
		// 到这里文件内容已和清单逐块一致，证明环节把关的是
		// 清单自身记录的根与承诺没有被改写。
		tree := merkle.NewTree()
		for _, b := range boundaries {
			raw, err := types.Hash(b.SHA256Hex).Raw()
			if err != nil {
				return err
			}
			tree.AppendLeaf(raw[:])
		}

		indexes := sampleIndexes(m.ChunkCount, verifySamples)
		proofs := make([]verify.ChunkProof, 0, len(indexes))
		for _, idx := range indexes {
			p, err := tree.GenerateProof(idx)
			if err != nil {
				return err
			}
			proofs = append(proofs, verify.ChunkProof{Index: idx, Proof: p})
		}

		v := verify.NewVerifier()
		if int64(len(indexes)) < m.ChunkCount {
			// 抽样模式：覆盖率最多就是抽样率，阈值随之收窄到恰好全中
			v.CoverageThreshold = float64(len(indexes)) / float64(m.ChunkCount)
		} else if Cfg.Verify.CoverageThreshold > 0 {
			v.CoverageThreshold = Cfg.Verify.CoverageThreshold
		}

		report := v.VerifyUpload(m, proofs, nil)
		printReport(report)
		if !report.Passed {
			return fmt.Errorf("verification failed")
		}
		return nil
	},
}

// sampleIndexes 选出要抽查证明的块下标。
// samples <= 0 或不小于总数时退化为全量验证。
func sampleIndexes(total int64, samples int) []int64 {
	if total == 0 {
		return nil
	}
	if samples <= 0 || int64(samples) >= total {
		all := make([]int64, total)
		for i := range all {
			all[i] = int64(i)
		}
		return all
	}
	perm := rand.Perm(int(total))
	out := make([]int64, samples)
	for i := 0; i < samples; i++ {
		out[i] = int64(perm[i])
	}
	return out
}

// printReport 打印验证结论
func printReport(rep verify.Report) {
	fmt.Printf("Chunks:   %d total, %d proven (%.2f%% coverage)\n", rep.TotalChunks, rep.ProvenChunks, rep.Coverage*100)
	fmt.Printf("Chain:    %s\n", okMark(rep.ChainOK))
	fmt.Printf("Jumps:    %s\n", okMark(rep.JumpOK))
	if len(rep.FailedIndexes) > 0 {
		fmt.Printf("Failed:   %v\n", rep.FailedIndexes)
	}
	if rep.Passed {
		fmt.Println("✅ PASS")
	} else {
		fmt.Println("❌ FAIL")
	}
}

func okMark(ok bool) string {
	if ok {
		return "ok"
	}
	return "BROKEN"
}

func init() {
	verifyCmd.Flags().IntVar(&verifySamples, "samples", 0, "Spot-check N random proofs instead of all chunks (0 = all)")
	rootCmd.AddCommand(verifyCmd)
}
