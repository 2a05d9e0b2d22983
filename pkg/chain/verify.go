package chain

import "aetherupload/pkg/types"

// VerifyForwardChain 用给定的哈希序列从 Genesis 重放整条链，
// 将最终值与链自身记录的最新承诺比较。
// 任何插入、删除、乱序、改值、长度不符都返回 false；
// 非法编码同样返回 false (校验结果 fail closed，不抛错)。
func (c *Chain) VerifyForwardChain(allHashesInOrder []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if int64(len(allHashesInOrder)) != c.count {
		return false
	}
	acc := c.genesis
	for _, hex := range allHashesInOrder {
		raw, err := types.Hash(hex).Raw()
		if err != nil {
			return false
		}
		acc = nextCommitment(raw, acc)
	}
	return acc == c.latest
}

// VerifyReverseChain 把块 startIndex 之前的承诺视为已信任
// (即承诺索引 startIndex 处的记录)，只重放给定后缀。
//
// 返回 (首个分歧的绝对块下标, true)，完全一致时返回 (0, false)。
// 现场构建的链历史稠密，分歧定位精确到块；
// 还原出的稀疏链只在锚点处比较，返回首个失配锚点之前的块下标，
// 这正是跳跃链提供的亚线性定位粒度。
//
// 边界：startIndex 越过链长或为负时返回 (startIndex, true)——
// 哨兵语义，没有可校验的内容不等于成功；
// 信任起点缺失 (稀疏链上没有该锚点) 同样拒绝。
func (c *Chain) VerifyReverseChain(startIndex int64, hashesFromStartIndex []string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if startIndex < 0 || startIndex > c.count {
		return startIndex, true
	}
	trusted, ok := c.history[startIndex]
	if !ok {
		return startIndex, true
	}

	acc := trusted
	for j, hex := range hashesFromStartIndex {
		chunkIdx := startIndex + int64(j)
		commitIdx := chunkIdx + 1

		// 后缀声称的块超出链的已知长度：在首个未知位置判定分歧
		if commitIdx > c.count {
			return chunkIdx, true
		}
		raw, err := types.Hash(hex).Raw()
		if err != nil {
			return chunkIdx, true
		}
		acc = nextCommitment(raw, acc)

		if recorded, ok := c.history[commitIdx]; ok && recorded != acc {
			return chunkIdx, true
		}
	}
	return 0, false
}

// VerifyJumpChain 逐个重算记录在案的跳跃锚点：
// JumpHash 必须等于 SHA256("CCv1_JUMP\0" ‖ 对应承诺)，
// 且与历史记录不矛盾。O(√n)，作为全量/后缀校验之前的粗筛。
func (c *Chain) VerifyJumpChain() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for idx, e := range c.jump {
		if jumpHashOf(e.Commitment) != e.JumpHash {
			return false
		}
		if recorded, ok := c.history[idx]; ok && recorded != e.Commitment {
			return false
		}
	}
	return true
}
