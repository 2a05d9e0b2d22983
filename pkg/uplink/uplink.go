// Package uplink 编排一次完整上传：切分、登记 Merkle 树与承诺链、
// 去重过滤、并发入库、清单组装、会话终结。
// 中断后 Resume 从最近的信任锚点做反向校验再接续传输。
package uplink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"aetherupload/pkg/chain"
	"aetherupload/pkg/chunker"
	"aetherupload/pkg/dedup"
	"aetherupload/pkg/ignore"
	"aetherupload/pkg/manifest"
	"aetherupload/pkg/merkle"
	"aetherupload/pkg/session"
	"aetherupload/pkg/spool"
	"aetherupload/pkg/types"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrResumeMismatch: 当前文件内容与会话记录的承诺链对不上
	ErrResumeMismatch = errors.New("file no longer matches the recorded chain")

	// ErrSessionClosed: 会话已完成或已放弃，不可续传
	ErrSessionClosed = errors.New("session is no longer active")
)

// DefaultWorkers 是并发入库的默认 worker 数
const DefaultWorkers = 4

// Uplink 聚合上传所需的全部后端
type Uplink struct {
	store    spool.Store
	index    dedup.Index
	sessions *session.Repository
	chunker  *chunker.Chunker
	workers  int
}

func New(store spool.Store, index dedup.Index, sessions *session.Repository, ck *chunker.Chunker, workers int) *Uplink {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Uplink{
		store:    store,
		index:    index,
		sessions: sessions,
		chunker:  ck,
		workers:  workers,
	}
}

// Result 汇总一次上传的产出
type Result struct {
	SessionID       string
	FilePath        string
	FileSize        int64
	ChunkCount      int64
	UploadedChunks  int64 // 本次真正传输的块
	DedupedChunks   int64 // 去重命中、无需传输的块
	MerkleRoot      types.Hash
	FinalCommitment types.Hash
	ManifestHash    types.Hash
	Manifest        *manifest.Manifest
	Resumed         bool
	Skipped         bool // 目录上传时命中已完成的会话
}

// Stage 上传一个新文件
// 流程：切分 -> 串行登记 -> 创建会话 -> 全链断点落库 -> 并发补传 -> 终结
func (u *Uplink) Stage(ctx context.Context, sessionID, filePath string) (*Result, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is empty")
	}

	boundaries, err := u.chunker.ChunkFile(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("chunking failed: %w", err)
	}

	tree, c, err := registerChunks(sessionID, boundaries)
	if err != nil {
		return nil, err
	}

	fileSize := totalSize(boundaries)
	if _, err := u.sessions.Create(ctx, sessionID, filePath, fileSize); err != nil {
		return nil, err
	}

	// 断点先落库再传输：中断后 Resume 手里有完整的链可对照
	if err := u.sessions.SaveCheckpoint(ctx, sessionID, session.CheckpointFromChain(c), 1); err != nil {
		return nil, err
	}

	slog.Info("📦 staging file",
		slog.String("session", sessionID),
		slog.String("path", filePath),
		slog.Int("chunks", len(boundaries)))

	res := &Result{
		SessionID:  sessionID,
		FilePath:   filePath,
		FileSize:   fileSize,
		ChunkCount: int64(len(boundaries)),
	}

	if err := u.transfer(ctx, filePath, boundaries, res); err != nil {
		return nil, err
	}

	return u.finish(ctx, res, tree, c, boundaries, 2)
}

// Resume 接续一次中断的上传
// 重新切分文件，对照持久化断点从最近锚点反向校验，只补传缺失块。
// filePath 为空时使用会话记录的路径；文件被挪动过时由调用方显式给出新位置
func (u *Uplink) Resume(ctx context.Context, sessionID, filePath string) (*Result, error) {
	restored, sess, err := u.sessions.RestoreChain(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrSessionClosed, sess.Status)
	}
	if filePath == "" {
		filePath = sess.FilePath
	}

	boundaries, err := u.chunker.ChunkFile(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("re-chunking failed: %w", err)
	}

	res := &Result{
		SessionID:  sessionID,
		FilePath:   filePath,
		FileSize:   totalSize(boundaries),
		ChunkCount: int64(len(boundaries)),
		Resumed:    true,
	}

	// 尺寸先对一道，内容分歧再由链校验精确定位
	if sess.FileSize > 0 && res.FileSize != sess.FileSize {
		return nil, fmt.Errorf("%w: size %d, recorded %d", ErrResumeMismatch, res.FileSize, sess.FileSize)
	}

	hashes := make([]string, len(boundaries))
	for i, b := range boundaries {
		hashes[i] = b.SHA256Hex
	}

	var tree *merkle.Tree
	var c *chain.Chain
	oldVersion := sess.Version

	switch {
	case restored.ChunkCount() == 0:
		// 上次中断在断点落库之前，等价于从头登记
		tree, c, err = registerChunks(sessionID, boundaries)
		if err != nil {
			return nil, err
		}
		if err := u.sessions.SaveCheckpoint(ctx, sessionID, session.CheckpointFromChain(c), oldVersion); err != nil {
			return nil, err
		}
		oldVersion++

	case restored.ChunkCount() != int64(len(boundaries)):
		return nil, fmt.Errorf("%w: %d chunks, recorded %d", ErrResumeMismatch, len(boundaries), restored.ChunkCount())

	default:
		// 亚线性反向校验：失败时能指出首个分歧块，而不是一句"不一致"
		start, _ := restored.NearestCheckpoint(restored.ChunkCount() - 1)
		if idx, tampered := restored.VerifyReverseChain(start, hashes[start:]); tampered {
			return nil, fmt.Errorf("%w: chunk %d diverges from the recorded chain", ErrResumeMismatch, idx)
		}

		// 清单需要 Merkle 根，树必须整棵重建；重放终值是最后一道闸
		tree, c, err = registerChunks(sessionID, boundaries)
		if err != nil {
			return nil, err
		}
		if c.LatestCommitment() != restored.LatestCommitment() {
			return nil, fmt.Errorf("%w: replayed commitment differs", ErrResumeMismatch)
		}
	}

	slog.Info("⚡ resuming session",
		slog.String("session", sessionID),
		slog.Int64("chunks", res.ChunkCount))

	if err := u.transfer(ctx, filePath, boundaries, res); err != nil {
		return nil, err
	}

	return u.finish(ctx, res, tree, c, boundaries, oldVersion)
}

// StageDir 递归上传目录：按忽略规则过滤，每个文件一个确定性会话
// 已完成的会话直接跳过，进行中的会话转入续传
func (u *Uplink) StageDir(ctx context.Context, root string) ([]*Result, error) {
	matcher, err := ignore.NewMatcher(root)
	if err != nil {
		return nil, err
	}

	var results []*Result
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}

		if matcher.Matches(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			// 符号链接、设备文件等一律跳过
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		sid := SessionIDFor(rel, info.Size(), info.ModTime().Unix())
		res, err := u.StageOrResume(ctx, sid, path)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		results = append(results, res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// StageOrResume 按会话状态分流：没有会话就新传，进行中就续传，完成就跳过
func (u *Uplink) StageOrResume(ctx context.Context, sessionID, path string) (*Result, error) {
	sess, err := u.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return u.Stage(ctx, sessionID, path)
	}
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case session.StatusCompleted:
		return &Result{
			SessionID:    sessionID,
			FilePath:     path,
			FileSize:     sess.FileSize,
			ChunkCount:   sess.ChunkCount,
			MerkleRoot:   types.Hash(sess.MerkleRoot),
			ManifestHash: types.Hash(sess.ManifestHash),
			Skipped:      true,
		}, nil
	case session.StatusActive:
		return u.Resume(ctx, sessionID, path)
	default:
		return nil, fmt.Errorf("%w: status %s", ErrSessionClosed, sess.Status)
	}
}

// SessionIDFor 从路径+尺寸+修改时间导出确定性会话 ID
// 文件没变就续用同一会话，变了就自然开新会话
func SessionIDFor(path string, size, mtimeUnix int64) string {
	seed := fmt.Sprintf("%s\x00%d\x00%d", filepath.ToSlash(path), size, mtimeUnix)
	return string(types.HashOf([]byte(seed)))
}

// registerChunks 串行登记：Merkle 叶子与承诺链都按块序追加
// 叶子数据是块哈希的 32 字节原始摘要
func registerChunks(sessionID string, boundaries []chunker.ChunkBoundary) (*merkle.Tree, *chain.Chain, error) {
	tree := merkle.NewTree()
	c := chain.NewChain(sessionID)
	for i, b := range boundaries {
		raw, err := types.Hash(b.SHA256Hex).Raw()
		if err != nil {
			return nil, nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		tree.AppendLeaf(raw[:])
		if _, err := c.AppendChunk(b.SHA256Hex); err != nil {
			return nil, nil, fmt.Errorf("chunk %d: %w", i, err)
		}
	}
	return tree, c, nil
}

// transfer 并发补传缺失块，命中去重的块只计数
func (u *Uplink) transfer(ctx context.Context, filePath string, boundaries []chunker.ChunkBoundary, res *Result) error {
	all := make([]types.Hash, len(boundaries))
	byHash := make(map[types.Hash]chunker.ChunkBoundary, len(boundaries))
	for i, b := range boundaries {
		h := types.Hash(b.SHA256Hex)
		all[i] = h
		if _, ok := byHash[h]; !ok {
			byHash[h] = b
		}
	}

	missing, err := u.index.FilterMissing(ctx, all)
	if err != nil {
		return fmt.Errorf("dedup query failed: %w", err)
	}

	res.UploadedChunks = int64(len(missing))
	res.DedupedChunks = int64(len(boundaries) - len(missing))

	if len(missing) == 0 {
		return nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var done atomic.Int64
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(u.workers)

	for _, h := range missing {
		b, ok := byHash[h]
		if !ok {
			return fmt.Errorf("dedup returned unknown hash %s", h.Short())
		}

		eg.Go(func() error {
			if err := egctx.Err(); err != nil {
				return err
			}

			// 多个 worker 共享同一个 *os.File：SectionReader 底层走 ReadAt，天然并发安全
			data := make([]byte, b.Size)
			if _, err := io.ReadFull(io.NewSectionReader(f, b.Offset, b.Size), data); err != nil {
				return fmt.Errorf("read chunk at %d: %w", b.Offset, err)
			}

			if err := u.store.Put(egctx, h, data); err != nil {
				return fmt.Errorf("store chunk %s: %w", h.Short(), err)
			}
			if err := u.index.Add(egctx, h); err != nil {
				return err
			}

			done.Add(1)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	slog.Info("✅ transfer complete",
		slog.String("session", res.SessionID),
		slog.Int64("uploaded", done.Load()),
		slog.Int64("deduped", res.DedupedChunks))
	return nil
}

// finish 组装清单、记录产出并终结会话
func (u *Uplink) finish(ctx context.Context, res *Result, tree *merkle.Tree, c *chain.Chain, boundaries []chunker.ChunkBoundary, oldVersion int64) (*Result, error) {
	m, err := manifest.Build(res.SessionID, boundaries, tree.RootHash(), c.LatestCommitment())
	if err != nil {
		return nil, err
	}
	manifestHash, err := m.Hash()
	if err != nil {
		return nil, err
	}

	res.MerkleRoot = types.HashFromRaw(tree.RootHash())
	res.FinalCommitment = types.HashFromRaw(c.LatestCommitment())
	res.ManifestHash = manifestHash
	res.Manifest = m

	if err := u.sessions.Complete(ctx, res.SessionID, res.MerkleRoot, manifestHash, oldVersion); err != nil {
		return nil, err
	}

	slog.Info("🚀 upload sealed",
		slog.String("session", res.SessionID),
		slog.String("root", res.MerkleRoot.Short().String()),
		slog.Int64("chunks", res.ChunkCount))
	return res, nil
}

func totalSize(boundaries []chunker.ChunkBoundary) int64 {
	if len(boundaries) == 0 {
		return 0
	}
	last := boundaries[len(boundaries)-1]
	return last.Offset + last.Size
}
