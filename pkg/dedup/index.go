// Package dedup 提供块去重索引：上传前批量判断哪些块已经在暂存区。
// 索引只是加速层，事实真相永远在 spool 里。
package dedup

import (
	"context"

	"aetherupload/pkg/spool"
	"aetherupload/pkg/types"
)

// Index 是去重查询接口
type Index interface {
	// Has 检查单个块是否已入库
	Has(ctx context.Context, hash types.Hash) (bool, error)

	// Add 在块成功入库后记录它，后续 Has 可以走快路径
	Add(ctx context.Context, hash types.Hash) error

	// FilterMissing 返回输入中尚未入库的哈希
	// 保持原有顺序，重复哈希只保留第一次出现
	FilterMissing(ctx context.Context, hashes []types.Hash) ([]types.Hash, error)
}

// SpoolIndex 是没有 Redis 时的退化实现：每次都直接问暂存区
type SpoolIndex struct {
	store spool.Store
}

func NewSpoolIndex(store spool.Store) *SpoolIndex {
	return &SpoolIndex{store: store}
}

func (s *SpoolIndex) Has(ctx context.Context, hash types.Hash) (bool, error) {
	return s.store.Has(ctx, hash)
}

// Add 是空操作：暂存区本身就是索引
func (s *SpoolIndex) Add(ctx context.Context, hash types.Hash) error {
	return nil
}

func (s *SpoolIndex) FilterMissing(ctx context.Context, hashes []types.Hash) ([]types.Hash, error) {
	var missing []types.Hash
	seen := make(map[types.Hash]bool, len(hashes))
	for _, h := range hashes {
		if seen[h] {
			continue
		}
		seen[h] = true

		found, err := s.store.Has(ctx, h)
		if err != nil {
			return nil, err
		}
		if !found {
			missing = append(missing, h)
		}
	}
	return missing, nil
}
