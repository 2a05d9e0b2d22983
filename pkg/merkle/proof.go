package merkle

import (
	"errors"
	"math/bits"
)

var (
	// ErrNoProof: 空树或索引越界，没有可生成的证明
	ErrNoProof = errors.New("no proof for index")
	// ErrNoLeaf: 叶子索引越界
	ErrNoLeaf = errors.New("no leaf at index")
)

// 树的形状由叶子数唯一决定：跨度为 m 的节点在 k 处分裂，
// k 是严格小于 m 的最大 2 的幂。左子树因此总是完美子树，
// 节点的标签字节就是左子树的层高 log2(k)。
// 进位栈的折叠和这里的递归划分产出完全相同的形状，
// 证明的生成与校验都以 (index, totalLeaves) 重放这个划分。

func largestPow2LessThan(m int64) int64 {
	return int64(1) << (bits.Len64(uint64(m-1)) - 1)
}

// proofStep 描述证明路径上的一个结合点
type proofStep struct {
	leafSideLeft bool  // 目标叶子位于左子树
	level        uint8 // 该结合点的标签字节
}

// proofSteps 自顶向下重放划分，再反转为叶子邻接优先的顺序
func proofSteps(index, totalLeaves int64) []proofStep {
	var steps []proofStep
	lo, hi := int64(0), totalLeaves
	for hi-lo > 1 {
		k := largestPow2LessThan(hi - lo)
		level := uint8(bits.Len64(uint64(k)) - 1)
		if index < lo+k {
			steps = append(steps, proofStep{leafSideLeft: true, level: level})
			hi = lo + k
		} else {
			steps = append(steps, proofStep{leafSideLeft: false, level: level})
			lo = lo + k
		}
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps
}

// subtreeRoot 按划分形状折叠 leaves[lo:hi) 的哈希
func subtreeRoot(leaves [][32]byte, lo, hi int64) [32]byte {
	if hi-lo == 1 {
		return leaves[lo]
	}
	k := largestPow2LessThan(hi - lo)
	level := uint8(bits.Len64(uint64(k)) - 1)
	left := subtreeRoot(leaves, lo, lo+k)
	right := subtreeRoot(leaves, lo+k, hi)
	return nodeHash(level, left, right)
}

// GenerateProof 返回从叶子 index 重算根所需的兄弟哈希序列，
// 叶子邻接的兄弟在前。空树、负索引、越界索引返回 ErrNoProof。
//
// 单叶树的证明是空序列：此时叶子哈希就是根。
func (t *Tree) GenerateProof(index int64) ([][32]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := int64(len(t.leaves))
	if total == 0 || index < 0 || index >= total {
		return nil, ErrNoProof
	}

	// 自顶向下收集兄弟子树哈希，最后反转成自底向上
	var siblings [][32]byte
	lo, hi := int64(0), total
	for hi-lo > 1 {
		k := largestPow2LessThan(hi - lo)
		if index < lo+k {
			siblings = append(siblings, subtreeRoot(t.leaves, lo+k, hi))
			hi = lo + k
		} else {
			siblings = append(siblings, subtreeRoot(t.leaves, lo, lo+k))
			lo = lo + k
		}
	}
	for i, j := 0, len(siblings)-1; i < j; i, j = i+1, j-1 {
		siblings[i], siblings[j] = siblings[j], siblings[i]
	}
	return siblings, nil
}

// VerifyProof 是纯函数校验：不需要树实例本身。
//
// 从 leafHash(index, leafData) 出发，按 (index, totalLeaves) 决定的
// 层高与左右顺序逐级结合证明项，最终哈希等于 root 且证明长度
// 恰好等于该位置的路径长度时才返回 true。
// 截断、补长、交换兄弟顺序的证明一律失败 (fail closed)。
func VerifyProof(leafData []byte, proof [][32]byte, root [32]byte, index, totalLeaves int64) bool {
	if totalLeaves <= 0 || index < 0 || index >= totalLeaves {
		return false
	}
	steps := proofSteps(index, totalLeaves)
	if len(proof) != len(steps) {
		return false
	}

	acc := leafHash(uint32(index), leafData)
	for i, st := range steps {
		if st.leafSideLeft {
			acc = nodeHash(st.level, acc, proof[i])
		} else {
			acc = nodeHash(st.level, proof[i], acc)
		}
	}
	return acc == root
}
