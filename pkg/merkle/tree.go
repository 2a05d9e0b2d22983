// Package merkle 实现上传完整性核心的流式 Merkle 树：
// 叶子按序追加，内部只维护一个 (hash, level) 进位栈，
// 内存随叶子数对数增长，同时保留叶子哈希序列用于生成包含证明。
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// 域分离标签：叶子和内部节点的哈希前缀不同，
// 保证叶子哈希永远不可能与任何内部节点哈希碰撞
const (
	leafTag byte = 0x00
	nodeTag byte = 0x01
)

// leafHash = SHA256(0x00 ‖ LE32(index) ‖ data)
// 索引参与哈希，同样的数据出现在不同位置会得到不同叶子
func leafHash(index uint32, data []byte) [32]byte {
	h := sha256.New()
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)
	h.Write([]byte{leafTag})
	h.Write(idx[:])
	h.Write(data)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// nodeHash = SHA256(0x01 ‖ uint8(level) ‖ left ‖ right)
// level 是左子树的层高，防止不同高度的节点互相冒充
func nodeHash(level uint8, left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{nodeTag, level})
	h.Write(left[:])
	h.Write(right[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// emptyRoot 是空树的固定哨兵值 SHA256(0x00)。
// 标签后不跟索引和数据，因此不可能等于任何真实叶子
func emptyRoot() [32]byte {
	return sha256.Sum256([]byte{leafTag})
}

// stackEntry 是一棵“已完成但未合并”的完美子树
type stackEntry struct {
	hash  [32]byte
	level uint8
}

// Tree 是单次上传会话内的流式 Merkle 树。
// 进位栈与叶子序列都只归本实例所有，全部操作经由同一把锁串行化：
// 进位合并是有状态且顺序相关的，无同步的并发追加会直接破坏结构。
type Tree struct {
	mu     sync.RWMutex
	stack  []stackEntry
	leaves [][32]byte
}

// NewTree 构造空树
func NewTree() *Tree {
	return &Tree{}
}

// AppendLeaf 为 data 分配下一个序号 (从 0 开始)，推入叶子并执行进位合并，
// 返回该叶子的哈希。
//
// 进位规则：栈顶两项层高相同 (L) 时弹出两者，
// 推入 (nodeHash(L, older, newer), L+1)，重复直到层高不再相等。
// 这正是栈深被限制在 ⌊log2(n)⌋+1 的机制。
func (t *Tree) AppendLeaf(data []byte) [32]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	lh := leafHash(uint32(len(t.leaves)), data)
	t.leaves = append(t.leaves, lh)
	t.stack = append(t.stack, stackEntry{hash: lh, level: 0})

	for len(t.stack) >= 2 && t.stack[len(t.stack)-1].level == t.stack[len(t.stack)-2].level {
		newer := t.stack[len(t.stack)-1]
		older := t.stack[len(t.stack)-2]
		merged := stackEntry{
			hash:  nodeHash(older.level, older.hash, newer.hash),
			level: older.level + 1,
		}
		t.stack = append(t.stack[:len(t.stack)-2], merged)
	}
	return lh
}

// RootHash 返回当前根哈希。
//
// 空树返回固定哨兵 SHA256(0x00)；单叶返回该叶子哈希；
// 其余情况把栈从顶到底做一次不平衡折叠：
// acc 从最新的子树开始，逐个与更老的子树合并，
// 标签取老子树的层高。迭代实现，不重建整棵树。
func (t *Tree) RootHash() [32]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.stack) == 0 {
		return emptyRoot()
	}
	acc := t.stack[len(t.stack)-1]
	for i := len(t.stack) - 2; i >= 0; i-- {
		older := t.stack[i]
		acc = stackEntry{
			hash:  nodeHash(older.level, older.hash, acc.hash),
			level: older.level + 1,
		}
	}
	return acc.hash
}

// LeafCount 返回已追加的叶子数
func (t *Tree) LeafCount() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.leaves))
}

// LeafHash 返回指定叶子的哈希 (越界返回 ErrNoLeaf)
func (t *Tree) LeafHash(index int64) ([32]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if index < 0 || index >= int64(len(t.leaves)) {
		return [32]byte{}, ErrNoLeaf
	}
	return t.leaves[index], nil
}
