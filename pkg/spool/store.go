// Package spool 定义块暂存区的后端接口。
// 暂存区是内容寻址的：键就是块的 SHA256，写入前必须重算摘要。
package spool

import (
	"context"
	"errors"
	"io"

	"aetherupload/pkg/types"
)

var (
	// ErrNotFound: 暂存区中没有该哈希对应的块
	ErrNotFound = errors.New("chunk not found")

	// ErrHashMismatch: 数据的实际摘要与声明的哈希不一致，写入被拒绝
	ErrHashMismatch = errors.New("chunk data does not match declared hash")

	// ErrAmbiguousHash: 前缀同时命中多个块
	ErrAmbiguousHash = errors.New("ambiguous hash prefix")
)

// Store 是块暂存区的统一接口
// 实现可以是本地磁盘，也可以是对象存储 (S3/MinIO)
type Store interface {
	// Put 以声明的哈希为键持久化一个块
	// 实现必须先重算摘要，不匹配时返回 ErrHashMismatch 并拒绝写入
	Put(ctx context.Context, hash types.Hash, data []byte) error

	// Get 按哈希读取块内容
	// 返回 io.ReadCloser 而不是 []byte，大块可以流式消费
	Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error)

	// Has 检查块是否已存在 (去重预检)
	Has(ctx context.Context, hash types.Hash) (bool, error)

	// ExpandHash 将唯一前缀扩展为完整哈希，供 CLI 查询使用
	ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error)
}
