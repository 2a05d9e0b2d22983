// Package verify 对一次已完成的上传做完整性裁决：
// 服务端返回的 Merkle 证明逐个对照本地清单验证，
// 覆盖率不达标或承诺链对不上就整体拒绝 (fail closed)。
package verify

import (
	"sort"

	"aetherupload/pkg/chain"
	"aetherupload/pkg/manifest"
	"aetherupload/pkg/merkle"
	"aetherupload/pkg/types"
)

// DefaultCoverageThreshold: 至少 99.9% 的块要带有效证明
const DefaultCoverageThreshold = 0.999

// ChunkProof 是服务端为单个块返回的证明
// 叶子数据用本地清单里的块哈希，不信服务端的声明
type ChunkProof struct {
	Index int64
	Proof [][32]byte
}

// Report 是一次验证的完整结论
type Report struct {
	TotalChunks  int64
	ProvenChunks int64
	Coverage     float64

	// FailedIndexes: 提供了证明但验证失败的块下标 (升序)
	FailedIndexes []int64

	// ChainOK: 清单的块序列重放出的最终承诺与清单记录一致；
	// 提供了持久化链时，重放还必须命中它的每一个锚点
	ChainOK bool

	// JumpOK: 持久化链的跳跃锚点表自洽；没有持久化链时不设防 (true)
	JumpOK bool

	Passed bool
}

// Verifier 聚合覆盖率阈值等验证策略
type Verifier struct {
	CoverageThreshold float64
}

func NewVerifier() *Verifier {
	return &Verifier{CoverageThreshold: DefaultCoverageThreshold}
}

// VerifyUpload 对照清单验证服务端证明
// restored 是会话存储里恢复出的承诺链，可以为 nil (只做清单侧验证)
func (v *Verifier) VerifyUpload(m *manifest.Manifest, proofs []ChunkProof, restored *chain.Chain) Report {
	report := Report{
		TotalChunks: m.ChunkCount,
		JumpOK:      true,
	}

	root, err := types.Hash(m.MerkleRoot).Raw()
	if err != nil {
		// 清单在 Decode 时已校验过，这里兜底：根坏了所有证明都无效
		report.Coverage = 0
		return report
	}

	// 1. 逐个验证证明，同一下标多份证明只要有一份有效即算覆盖
	proven := make(map[int64]bool)
	failed := make(map[int64]bool)
	for _, p := range proofs {
		if p.Index < 0 || p.Index >= m.ChunkCount {
			failed[p.Index] = true
			continue
		}
		leaf, err := types.Hash(m.Chunks[p.Index].Hash).Raw()
		if err != nil {
			failed[p.Index] = true
			continue
		}
		if merkle.VerifyProof(leaf[:], p.Proof, root, p.Index, m.ChunkCount) {
			proven[p.Index] = true
		} else {
			failed[p.Index] = true
		}
	}
	for idx := range proven {
		delete(failed, idx)
	}
	for idx := range failed {
		report.FailedIndexes = append(report.FailedIndexes, idx)
	}
	sort.Slice(report.FailedIndexes, func(i, j int) bool {
		return report.FailedIndexes[i] < report.FailedIndexes[j]
	})

	report.ProvenChunks = int64(len(proven))
	if m.ChunkCount == 0 {
		// 空文件没有可证明的块，覆盖率按满算
		report.Coverage = 1.0
	} else {
		report.Coverage = float64(report.ProvenChunks) / float64(m.ChunkCount)
	}

	// 2. 承诺链交叉验证
	report.ChainOK = v.verifyChain(m, restored)
	if restored != nil {
		report.JumpOK = restored.VerifyJumpChain()
	}

	report.Passed = report.Coverage >= v.CoverageThreshold && report.ChainOK && report.JumpOK
	return report
}

// verifyChain 重放清单的块序列并核对最终承诺
func (v *Verifier) verifyChain(m *manifest.Manifest, restored *chain.Chain) bool {
	want, err := types.Hash(m.FinalCommitment).Raw()
	if err != nil {
		return false
	}

	// 清单自洽：按清单的会话与块序列重放，终值必须一致
	replay := chain.NewChain(m.SessionID)
	for _, h := range m.ChunkHashes() {
		if _, err := replay.AppendChunk(h); err != nil {
			return false
		}
	}
	if replay.LatestCommitment() != want {
		return false
	}

	// 持久化断点交叉验证：块数一致，且从 0 重放命中持久化链的每个锚点
	if restored != nil {
		if restored.SessionID() != m.SessionID {
			return false
		}
		if restored.ChunkCount() != m.ChunkCount {
			return false
		}
		if _, diverged := restored.VerifyReverseChain(0, m.ChunkHashes()); diverged {
			return false
		}
	}
	return true
}
