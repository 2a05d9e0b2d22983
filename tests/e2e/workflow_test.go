package e2e

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aetherupload/pkg/chunker"
	"aetherupload/pkg/dedup"
	"aetherupload/pkg/manifest"
	"aetherupload/pkg/merkle"
	"aetherupload/pkg/restore"
	"aetherupload/pkg/session"
	"aetherupload/pkg/spool"
	"aetherupload/pkg/spool/disk"
	"aetherupload/pkg/types"
	"aetherupload/pkg/uplink"
	"aetherupload/pkg/verify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MetricStore 包装真实的 Store，只统计底层调用次数
// 用它验证去重：热上传不该触发任何底层 Put
type MetricStore struct {
	spool.Store // 组合真正的 Store
	putCount    int32
	hasCount    int32
}

func (m *MetricStore) Put(ctx context.Context, hash types.Hash, data []byte) error {
	atomic.AddInt32(&m.putCount, 1)
	return m.Store.Put(ctx, hash, data)
}

func (m *MetricStore) Has(ctx context.Context, hash types.Hash) (bool, error) {
	atomic.AddInt32(&m.hasCount, 1)
	return m.Store.Has(ctx, hash)
}

// budgetStore 在写满配额后开始报错，模拟传输中途断网
type budgetStore struct {
	spool.Store
	mu        sync.Mutex
	remaining int
}

func (b *budgetStore) Put(ctx context.Context, hash types.Hash, data []byte) error {
	b.mu.Lock()
	if b.remaining <= 0 {
		b.mu.Unlock()
		return fmt.Errorf("simulated network failure")
	}
	b.remaining--
	b.mu.Unlock()
	return b.Store.Put(ctx, hash, data)
}

// newE2EStack 组装 真实磁盘暂存区 + 内存数据库 的完整栈
func newE2EStack(t *testing.T, store spool.Store, workers int) (*uplink.Uplink, *session.Repository, *chunker.Chunker) {
	dsn := fmt.Sprintf("file:e2e_%s?mode=memory&cache=shared", t.Name())
	db, err := session.NewDB(context.Background(), session.Config{Driver: "sqlite", Path: dsn})
	require.NoError(t, err)

	repo := session.NewRepository(db)

	ck, err := chunker.New(chunker.Config{
		MinSize: 4 * 1024,
		AvgSize: 16 * 1024,
		MaxSize: 64 * 1024,
	})
	require.NoError(t, err)

	return uplink.New(store, dedup.NewSpoolIndex(store), repo, ck, workers), repo, ck
}

func writeRandom(t *testing.T, path string, size int) []byte {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return data
}

// TestWorkflow_StageDedupResumeVerify 验证完整链路：
// 并发切分上传 -> 去重命中 -> 断点续传 -> 端到端完整性裁决
func TestWorkflow_StageDedupResumeVerify(t *testing.T) {
	// 1. 基础设施准备
	// -------------------------------------------------------------
	tmpDir := t.TempDir()
	ctx := context.Background()

	diskStore, err := disk.NewAdapter(filepath.Join(tmpDir, "spool"))
	require.NoError(t, err)

	// 监控层 (Metrics)
	spy := &MetricStore{Store: diskStore}
	up, repo, ck := newE2EStack(t, spy, 8)

	// 2. 准备数据 (20MB 随机数据)
	// -------------------------------------------------------------
	t.Log("Generating 20MB random data...")
	coldPath := filepath.Join(tmpDir, "cold.bin")
	originalData := writeRandom(t, coldPath, 20*1024*1024)

	// 3. 第一次上传 (Cold Stage)
	// -------------------------------------------------------------
	t.Log("Step 1: Cold Stage (Should write every chunk to disk)...")
	start := time.Now()
	cold, err := up.Stage(ctx, "e2e-cold", coldPath)
	require.NoError(t, err)
	t.Logf("Cold stage took: %v", time.Since(start))

	// 随机数据没有重复块，传输数必须等于块数
	assert.Equal(t, cold.ChunkCount, cold.UploadedChunks, "Should write every chunk to disk")
	assert.Greater(t, int(atomic.LoadInt32(&spy.putCount)), 0)

	sess, err := repo.Get(ctx, "e2e-cold")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)

	// 记录当前的调用次数
	putsAfterCold := atomic.LoadInt32(&spy.putCount)

	// 4. 第二次上传 (Warm Stage / Dedup)
	// -------------------------------------------------------------
	t.Log("Step 2: Warm Stage (Should hit dedup index)...")
	warmPath := filepath.Join(tmpDir, "warm.bin")
	require.NoError(t, os.WriteFile(warmPath, originalData, 0644))

	start = time.Now()
	warm, err := up.Stage(ctx, "e2e-warm", warmPath)
	require.NoError(t, err)
	t.Logf("Warm stage took: %v", time.Since(start))

	// 验证一致性：同内容同根，但承诺绑定会话，必须不同
	assert.Equal(t, cold.MerkleRoot, warm.MerkleRoot, "Same content must produce the same root")
	assert.NotEqual(t, cold.FinalCommitment, warm.FinalCommitment, "Commitment binds the session identity")

	// 验证去重：底层 Put 次数应该完全不变
	putsAfterWarm := atomic.LoadInt32(&spy.putCount)
	assert.Equal(t, putsAfterCold, putsAfterWarm, "Warm stage should trigger ZERO chunk uploads")
	assert.Equal(t, int64(0), warm.UploadedChunks)
	assert.Equal(t, warm.ChunkCount, warm.DedupedChunks)

	if putsAfterWarm == putsAfterCold {
		t.Log("✅ Deduplication works! No chunks re-uploaded.")
	}

	// 5. 断点续传 (Interrupt & Resume)
	// -------------------------------------------------------------
	t.Log("Step 3: Interrupt & Resume...")
	resumePath := filepath.Join(tmpDir, "resume.bin")
	resumeData := writeRandom(t, resumePath, 5*1024*1024)

	// 配额 5 个块之后"断网"
	flaky := &budgetStore{Store: spy, remaining: 5}
	interrupted := uplink.New(flaky, dedup.NewSpoolIndex(flaky), repo, ck, 4)
	_, err = interrupted.Stage(ctx, "e2e-resume", resumePath)
	require.Error(t, err, "Stage must fail when the spool goes away")

	// 会话应该停在 active，断点已落库
	sess, err = repo.Get(ctx, "e2e-resume")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
	assert.Equal(t, int64(2), sess.Version, "create + checkpoint")

	// 用健康的栈续传
	start = time.Now()
	res, err := up.Resume(ctx, "e2e-resume", "")
	require.NoError(t, err)
	t.Logf("Resume took: %v", time.Since(start))

	assert.True(t, res.Resumed)
	assert.Positive(t, res.DedupedChunks, "Chunks landed before the failure must not be re-sent")
	assert.Equal(t, res.ChunkCount, res.UploadedChunks+res.DedupedChunks)

	sess, err = repo.Get(ctx, "e2e-resume")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)

	// 6. 端到端完整性裁决 (Verify)
	// -------------------------------------------------------------
	t.Log("Step 4: Verify against the persisted chain...")

	// 清单走一次线缆往返
	wire, err := res.Manifest.Encode()
	require.NoError(t, err)
	m, err := manifest.Decode(wire)
	require.NoError(t, err)

	// 重新切分并重建 Merkle 树，为每个块生成证明
	boundaries, err := ck.ChunkFile(ctx, resumePath)
	require.NoError(t, err)
	require.Equal(t, m.ChunkCount, int64(len(boundaries)))

	tree := merkle.NewTree()
	for i, b := range boundaries {
		require.Equal(t, m.Chunks[i].Hash, b.SHA256Hex, "Chunk %d must match the manifest", i)
		raw, err := types.Hash(b.SHA256Hex).Raw()
		require.NoError(t, err)
		tree.AppendLeaf(raw[:])
	}

	proofs := make([]verify.ChunkProof, 0, m.ChunkCount)
	for i := int64(0); i < m.ChunkCount; i++ {
		p, err := tree.GenerateProof(i)
		require.NoError(t, err)
		proofs = append(proofs, verify.ChunkProof{Index: i, Proof: p})
	}

	// 交叉验证持久化链的锚点
	restored, _, err := repo.RestoreChain(ctx, "e2e-resume")
	require.NoError(t, err)

	rep := verify.NewVerifier().VerifyUpload(m, proofs, restored)
	assert.True(t, rep.Passed, "Verification must accept an honest upload")
	assert.True(t, rep.ChainOK, "Replayed commitment chain must match")
	assert.True(t, rep.JumpOK, "Jump anchor table must be self-consistent")
	assert.Equal(t, 1.0, rep.Coverage)
	assert.Empty(t, rep.FailedIndexes)

	// 7. 取回重组 (Restore)
	// -------------------------------------------------------------
	t.Log("Step 5: Concurrent Restore...")
	restorePath := filepath.Join(tmpDir, "restored.bin")

	// 创建文件以触发 WriterAt 并发逻辑
	f, err := os.Create(restorePath)
	require.NoError(t, err)

	start = time.Now()
	n, err := restore.New(spy, 8).RestoreFile(ctx, m, f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	assert.Equal(t, m.FileSize, n)
	t.Logf("Restore took: %v", time.Since(start))

	// 8. 数据完整性比对
	// -------------------------------------------------------------
	restoredData, err := os.ReadFile(restorePath)
	require.NoError(t, err)

	if bytes.Equal(resumeData, restoredData) {
		t.Log("✅ SUCCESS: Full workflow E2E passed!")
	} else {
		t.Fatal("❌ FAILURE: Data mismatch")
	}
}

// TestWorkflow_RedisDedup 用真实 Redis 验证索引快路径：
// 热上传的存在性判断全部由 Redis 扛住，一次也不打暂存区
func TestWorkflow_RedisDedup(t *testing.T) {
	redisAddr := "localhost:6379"
	if conn, err := net.DialTimeout("tcp", redisAddr, 1*time.Second); err != nil {
		t.Skip("Skipping E2E test: Redis not available")
	} else {
		conn.Close()
	}

	tmpDir := t.TempDir()
	ctx := context.Background()

	diskStore, err := disk.NewAdapter(filepath.Join(tmpDir, "spool"))
	require.NoError(t, err)
	spy := &MetricStore{Store: diskStore}

	// 缓存层 (Redis)
	ridx, err := dedup.NewRedisIndex(spy, dedup.Config{
		RedisURL: fmt.Sprintf("redis://%s/0", redisAddr),
		TTL:      1 * time.Hour,
	})
	require.NoError(t, err)
	defer ridx.Close()

	dsn := fmt.Sprintf("file:e2e_%s?mode=memory&cache=shared", t.Name())
	db, err := session.NewDB(ctx, session.Config{Driver: "sqlite", Path: dsn})
	require.NoError(t, err)
	repo := session.NewRepository(db)

	ck, err := chunker.New(chunker.Config{MinSize: 4 * 1024, AvgSize: 16 * 1024, MaxSize: 64 * 1024})
	require.NoError(t, err)

	up := uplink.New(spy, ridx, repo, ck, 8)

	// 冷上传：随机数据保证和历史测试的 key 不冲突
	coldPath := filepath.Join(tmpDir, "cold.bin")
	data := writeRandom(t, coldPath, 5*1024*1024)

	cold, err := up.Stage(ctx, "e2e-redis-cold", coldPath)
	require.NoError(t, err)
	assert.Equal(t, cold.ChunkCount, cold.UploadedChunks)

	hasAfterCold := atomic.LoadInt32(&spy.hasCount)

	// 热上传：MGET 应该全命中，暂存区的 Has 一次都不该被调用
	warmPath := filepath.Join(tmpDir, "warm.bin")
	require.NoError(t, os.WriteFile(warmPath, data, 0644))

	warm, err := up.Stage(ctx, "e2e-redis-warm", warmPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), warm.UploadedChunks, "Warm stage should trigger ZERO chunk uploads")

	hasAfterWarm := atomic.LoadInt32(&spy.hasCount)
	assert.Equal(t, hasAfterCold, hasAfterWarm, "Warm lookups must be served by Redis, not the spool")

	t.Log("✅ Redis dedup fast path works!")
}
