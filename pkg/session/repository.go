// Package session 持久化上传会话：承诺链断点的落盘与恢复。
// 会话表是续传的事实来源，Version 列用乐观锁挡住并发续传进程。
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"aetherupload/pkg/chain"
	"aetherupload/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrSessionExists    = errors.New("upload session already exists")
	ErrSessionNotFound  = errors.New("upload session not found")
	ErrConcurrentUpdate = errors.New("concurrent update detected (CAS failed)")
	ErrBadCheckpoint    = errors.New("persisted checkpoint is corrupt")
)

// Repository 封装所有对会话表的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Checkpoint 是一次落库的链断点
type Checkpoint struct {
	ChunkCount       int64
	LatestCommitment [32]byte
	JumpEntries      map[int64]chain.JumpEntry
}

// CheckpointFromChain 从活链提取断点
func CheckpointFromChain(c *chain.Chain) Checkpoint {
	return Checkpoint{
		ChunkCount:       c.ChunkCount(),
		LatestCommitment: c.LatestCommitment(),
		JumpEntries:      c.JumpEntries(),
	}
}

// -----------------------------------------------------------------------------
// 1. 会话生命周期
// -----------------------------------------------------------------------------

// Create 注册一个新的上传会话
// 初始断点就是创世承诺，因此任何已持久化的会话都可恢复
func (r *Repository) Create(ctx context.Context, sessionID, filePath string, fileSize int64) (*UploadSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is empty")
	}

	genesis := chain.NewChain(sessionID).LatestCommitment()
	emptyJumps, err := encodeJumpEntries(nil)
	if err != nil {
		return nil, err
	}

	s := &UploadSession{
		SessionID:        sessionID,
		FilePath:         filePath,
		FileSize:         fileSize,
		Status:           StatusActive,
		ChunkCount:       0,
		LatestCommitment: hex.EncodeToString(genesis[:]),
		JumpEntries:      emptyJumps,
		Version:          1,
	}

	if err := r.db.GetConn().WithContext(ctx).Create(s).Error; err != nil {
		// 兼容性：处理不同数据库 (PG 与 SQLite) 的唯一约束错误
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "duplicate key") {
			return nil, ErrSessionExists
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// Get 读取会话
func (r *Repository) Get(ctx context.Context, sessionID string) (*UploadSession, error) {
	var s UploadSession
	err := r.db.GetConn().WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListActive 列出进行中的会话，最近活动的在前
func (r *Repository) ListActive(ctx context.Context, limit int) ([]UploadSession, error) {
	var sessions []UploadSession
	err := r.db.GetConn().WithContext(ctx).
		Where("status = ?", StatusActive).
		Order("updated_at DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// -----------------------------------------------------------------------------
// 2. 断点读写 (CAS)
// -----------------------------------------------------------------------------

// SaveCheckpoint 原子落盘链断点 (CAS - Compare And Swap)
// oldVersion: 之前读到的版本号。数据库里的版本号不等于它，说明有人抢先改了，更新失败。
func (r *Repository) SaveCheckpoint(ctx context.Context, sessionID string, cp Checkpoint, oldVersion int64) error {
	jumps, err := encodeJumpEntries(cp.JumpEntries)
	if err != nil {
		return err
	}

	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// SQL: UPDATE upload_sessions SET ..., version = version + 1
		//      WHERE session_id = ? AND version = ? AND status = 'active'
		result := tx.Model(&UploadSession{}).
			Where("session_id = ? AND version = ? AND status = ?", sessionID, oldVersion, StatusActive).
			Updates(map[string]any{
				"chunk_count":       cp.ChunkCount,
				"latest_commitment": hex.EncodeToString(cp.LatestCommitment[:]),
				"jump_entries":      jumps,
				"version":           gorm.Expr("version + 1"), // 版本号自增
				"updated_at":        time.Now(),
			})

		if result.Error != nil {
			return result.Error
		}

		// 关键检查：影响行数为 0，说明 version 不匹配或会话已结束
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		return nil
	})
}

// Complete 终结会话：记录 Merkle 根与清单哈希，状态置 completed
func (r *Repository) Complete(ctx context.Context, sessionID string, merkleRoot, manifestHash types.Hash, oldVersion int64) error {
	return r.finalize(ctx, sessionID, oldVersion, map[string]any{
		"status":        StatusCompleted,
		"merkle_root":   string(merkleRoot),
		"manifest_hash": string(manifestHash),
	})
}

// Abort 放弃会话，断点保留以便事后排查
func (r *Repository) Abort(ctx context.Context, sessionID string, oldVersion int64) error {
	return r.finalize(ctx, sessionID, oldVersion, map[string]any{
		"status": StatusAborted,
	})
}

func (r *Repository) finalize(ctx context.Context, sessionID string, oldVersion int64, fields map[string]any) error {
	fields["version"] = gorm.Expr("version + 1")
	fields["updated_at"] = time.Now()

	result := r.db.GetConn().WithContext(ctx).Model(&UploadSession{}).
		Where("session_id = ? AND version = ? AND status = ?", sessionID, oldVersion, StatusActive).
		Updates(fields)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// -----------------------------------------------------------------------------
// 3. 链恢复
// -----------------------------------------------------------------------------

// RestoreChain 从持久化断点重建承诺链
// 任何不一致 (坏 hex、锚点对不上) 都映射为 ErrBadCheckpoint，绝不返回半坏的链
func (r *Repository) RestoreChain(ctx context.Context, sessionID string) (*chain.Chain, *UploadSession, error) {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	latest, err := types.Hash(s.LatestCommitment).Raw()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: latest commitment: %v", ErrBadCheckpoint, err)
	}

	entries, err := decodeJumpEntries(s.JumpEntries)
	if err != nil {
		return nil, nil, err
	}

	c, err := chain.Restore(sessionID, s.ChunkCount, latest, entries)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	return c, s, nil
}

// -----------------------------------------------------------------------------
// JSON 投影
// -----------------------------------------------------------------------------

func encodeJumpEntries(entries map[int64]chain.JumpEntry) (datatypes.JSON, error) {
	out := make(map[string]jumpEntryJSON, len(entries))
	for idx, e := range entries {
		out[strconv.FormatInt(idx, 10)] = jumpEntryJSON{
			Commitment: hex.EncodeToString(e.Commitment[:]),
			JumpHash:   hex.EncodeToString(e.JumpHash[:]),
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jump entries: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func decodeJumpEntries(raw datatypes.JSON) (map[int64]chain.JumpEntry, error) {
	entries := make(map[int64]chain.JumpEntry)
	if len(raw) == 0 {
		return entries, nil
	}

	var flat map[string]jumpEntryJSON
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("%w: jump entries: %v", ErrBadCheckpoint, err)
	}

	for key, je := range flat {
		idx, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: jump index %q", ErrBadCheckpoint, key)
		}
		commitment, err := types.Hash(je.Commitment).Raw()
		if err != nil {
			return nil, fmt.Errorf("%w: commitment at %d: %v", ErrBadCheckpoint, idx, err)
		}
		jump, err := types.Hash(je.JumpHash).Raw()
		if err != nil {
			return nil, fmt.Errorf("%w: jump hash at %d: %v", ErrBadCheckpoint, idx, err)
		}
		entries[idx] = chain.JumpEntry{Commitment: commitment, JumpHash: jump}
	}
	return entries, nil
}
