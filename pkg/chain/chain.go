// Package chain 实现会话绑定的块承诺链：
// 每个块哈希按序折叠进一条顺序哈希链，并在 ⌈√n⌉+1 步长处
// 记录稀疏的跳跃哈希，支持全量、后缀 (反向) 与跳跃抽样三种校验。
package chain

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"sync"

	"aetherupload/pkg/types"
)

// 链的 wire 常量。改动任何一个都会使所有历史承诺失效
const (
	genesisPrefix = "Aether3D_CC_GENESIS"
	chainDomain   = "CCv1\x00"
	jumpDomain    = "CCv1_JUMP\x00"
)

var (
	// ErrMalformedHash: 块哈希编码非法 (长度/字符集)。调用方契约错误，
	// 与 types.ErrMalformedHash 同一身份，errors.Is 两边都成立
	ErrMalformedHash = types.ErrMalformedHash

	// ErrBadRestore: 持久化状态无法还原成一致的链
	ErrBadRestore = errors.New("invalid restored chain state")
)

// JumpEntry 是跳跃链上的一个锚点：某个承诺及其跳跃哈希
type JumpEntry struct {
	Commitment [32]byte
	JumpHash   [32]byte
}

// Chain 是单个上传会话的承诺链。
//
// 索引约定：块下标从 0 开始；Commitment_0 = Genesis，
// Commitment_{i+1} = SHA256("CCv1\0" ‖ chunkHash_i ‖ Commitment_i)，
// 其中 chunkHash_i 是 hex 解码后的 32 字节原始摘要。
//
// 所有状态只归本实例所有，追加与读取经同一把锁串行化；
// 链式折叠是顺序相关的，无同步并发追加属于正确性错误。
type Chain struct {
	mu        sync.RWMutex
	sessionID string
	genesis   [32]byte
	latest    [32]byte
	count     int64
	// history: 承诺索引 -> 承诺值。现场构建的链是稠密的；
	// 从持久化状态还原的链只有 {0, 跳跃点, count} 这些稀疏锚点
	history map[int64][32]byte
	jump    map[int64]JumpEntry
}

// NewChain 以 sessionID 构造新链。
// Genesis = SHA256("Aether3D_CC_GENESIS" ‖ sessionID)：
// 相同的块序列在不同会话下会得到完全不同的链，杜绝跨会话重放。
func NewChain(sessionID string) *Chain {
	g := genesisFor(sessionID)
	return &Chain{
		sessionID: sessionID,
		genesis:   g,
		latest:    g,
		history:   map[int64][32]byte{0: g},
		jump:      make(map[int64]JumpEntry),
	}
}

func genesisFor(sessionID string) [32]byte {
	h := sha256.New()
	h.Write([]byte(genesisPrefix))
	h.Write([]byte(sessionID))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func nextCommitment(chunkHash [32]byte, prev [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(chainDomain))
	h.Write(chunkHash[:])
	h.Write(prev[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func jumpHashOf(commitment [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(jumpDomain))
	h.Write(commitment[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// jumpStride 在承诺索引 n 处的步长：⌈√n⌉+1。
// 步长随链增长而变大，记录点因此越来越稀
func jumpStride(n int64) int64 {
	return int64(math.Ceil(math.Sqrt(float64(n)))) + 1
}

func (c *Chain) SessionID() string { return c.sessionID }

// LatestCommitment 返回最新承诺；空链返回 Genesis
func (c *Chain) LatestCommitment() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// ChunkCount 返回已追加的块数
func (c *Chain) ChunkCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// AppendChunk 把一个块哈希折叠进链，返回新承诺的 hex。
// 非法编码返回 ErrMalformedHash，且不留下任何状态变化：
// 宁可拒绝也不能把坏值吸收进链里。
func (c *Chain) AppendChunk(chunkHashHex string) (string, error) {
	raw, err := types.Hash(chunkHashHex).Raw()
	if err != nil {
		return "", fmt.Errorf("append chunk: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	commitIdx := c.count + 1
	c.latest = nextCommitment(raw, c.latest)
	c.count = commitIdx
	c.history[commitIdx] = c.latest

	if commitIdx%jumpStride(commitIdx) == 0 {
		c.jump[commitIdx] = JumpEntry{
			Commitment: c.latest,
			JumpHash:   jumpHashOf(c.latest),
		}
	}
	return types.HashFromRaw(c.latest).String(), nil
}

// JumpEntries 返回跳跃链的拷贝 (承诺索引 -> 锚点)，供持久化层落盘
func (c *Chain) JumpEntries() map[int64]JumpEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[int64]JumpEntry, len(c.jump))
	for k, v := range c.jump {
		out[k] = v
	}
	return out
}

// CheckpointAt 返回记录在案的承诺 (索引 0 恒为 Genesis)。
// 还原出的稀疏链只在锚点上有记录
func (c *Chain) CheckpointAt(index int64) ([32]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.history[index]
	return v, ok
}

// NearestCheckpoint 返回不超过 target 的最高已记录承诺索引。
// 恢复流程用它挑选重放起点：锚点之前的历史由持久化状态背书，
// 锚点之后的尾巴走 VerifyReverseChain。
func (c *Chain) NearestCheckpoint(target int64) (int64, [32]byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	best := int64(0)
	bestVal := c.genesis
	for idx, v := range c.history {
		if idx <= target && idx > best {
			best, bestVal = idx, v
		}
	}
	return best, bestVal
}

// Restore 从持久化状态还原一条链。
// 跳跃锚点逐个重算校验，任何不一致都拒绝还原 (fail closed)。
// 还原出的链可以继续追加；追加部分的历史是稠密的。
func Restore(sessionID string, chunkCount int64, latestCommitment [32]byte, jumpEntries map[int64]JumpEntry) (*Chain, error) {
	if chunkCount < 0 {
		return nil, fmt.Errorf("%w: negative chunk count %d", ErrBadRestore, chunkCount)
	}
	c := NewChain(sessionID)
	if chunkCount == 0 {
		if latestCommitment != c.genesis {
			return nil, fmt.Errorf("%w: empty chain must sit at genesis", ErrBadRestore)
		}
		return c, nil
	}

	for idx, e := range jumpEntries {
		if idx < 1 || idx > chunkCount {
			return nil, fmt.Errorf("%w: jump index %d outside [1,%d]", ErrBadRestore, idx, chunkCount)
		}
		if jumpHashOf(e.Commitment) != e.JumpHash {
			return nil, fmt.Errorf("%w: jump hash mismatch at index %d", ErrBadRestore, idx)
		}
		c.jump[idx] = e
		c.history[idx] = e.Commitment
	}

	// 锚点与末端同一索引时必须一致
	if v, ok := c.history[chunkCount]; ok && v != latestCommitment {
		return nil, fmt.Errorf("%w: latest commitment disagrees with jump entry at %d", ErrBadRestore, chunkCount)
	}

	c.count = chunkCount
	c.latest = latestCommitment
	c.history[chunkCount] = latestCommitment
	return c, nil
}
