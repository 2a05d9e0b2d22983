// Package disk 把块暂存在本地目录，是 spool.Store 的默认实现
package disk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"aetherupload/pkg/spool"
	"aetherupload/pkg/types"
)

// Adapter 实现了 spool.Store 接口
type Adapter struct {
	rootPath string // 比如: <workspace>/.au/spool
}

// NewAdapter 创建一个新的磁盘暂存适配器
func NewAdapter(root string) (*Adapter, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool root dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

// layout 返回哈希对应的物理路径
// 策略：前 2 个字符作为子目录 (Sharding)，避免单目录文件过多
// Example: hash "aabbcc..." -> root/aa/bbcc...
func (s *Adapter) layout(hash types.Hash) string {
	h := string(hash)
	if len(h) < 2 {
		return filepath.Join(s.rootPath, h)
	}
	return filepath.Join(s.rootPath, h[:2], h[2:])
}

func (s *Adapter) Put(ctx context.Context, hash types.Hash, data []byte) error {
	// 1. 入库前重算摘要：内容寻址存储绝不接受名不副实的数据
	if _, err := hash.Raw(); err != nil {
		return err
	}
	if types.HashOf(data) != hash {
		return fmt.Errorf("%w: declared %s", spool.ErrHashMismatch, hash.Short())
	}

	targetPath := s.layout(hash)

	// 2. 已存在直接跳过 (CAS 幂等性)
	if _, err := os.Stat(targetPath); err == nil {
		return nil
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 3. 原子写入：先落临时文件再 Rename
	// 保证目标路径上要么没有文件，要么是完整的块
	tempFile, err := os.CreateTemp(dir, "put-*")
	if err != nil {
		return err
	}
	// Rename 成功后这个删除会失败，无害
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	// 4. 移动到最终位置
	return os.Rename(tempFile.Name(), targetPath)
}

func (s *Adapter) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	targetPath := s.layout(hash)

	f, err := os.Open(targetPath)
	if os.IsNotExist(err) {
		return nil, spool.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Adapter) Has(ctx context.Context, hash types.Hash) (bool, error) {
	_, err := os.Stat(s.layout(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ExpandHash 把唯一前缀扩展为完整哈希
// 规则：至少 4 个字符；没有匹配报 not found，多于一个匹配报 ambiguous
func (s *Adapter) ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error) {
	p := strings.ToLower(string(prefix))
	if len(p) < 4 {
		return "", fmt.Errorf("hash prefix %q too short, need at least 4 characters", p)
	}
	if len(p) > 64 {
		return "", fmt.Errorf("hash prefix %q longer than a full hash", p)
	}

	// 前缀必然覆盖整个 Shard 目录名，扫描范围缩小到一个子目录
	shard, rest := p[:2], p[2:]

	entries, err := os.ReadDir(filepath.Join(s.rootPath, shard))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("hash prefix %q not found: %w", p, spool.ErrNotFound)
	}
	if err != nil {
		return "", err
	}

	var matches []types.Hash
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), rest) {
			continue
		}
		matches = append(matches, types.Hash(shard+e.Name()))
		if len(matches) > 1 {
			break
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("hash prefix %q not found: %w", p, spool.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("hash prefix %q: %w", p, spool.ErrAmbiguousHash)
	}
}
