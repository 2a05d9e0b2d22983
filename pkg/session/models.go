package session

import (
	"time"

	"gorm.io/datatypes"
)

// 会话生命周期状态
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// UploadSession 是一次上传的持久化断点
// 存的是恢复承诺链所需的最小集合：计数、最新承诺、跳跃锚点
type UploadSession struct {
	// SessionID 是主键，由发起方生成并全程绑定承诺链
	SessionID string `gorm:"primaryKey;type:varchar(128)"`

	// 源文件信息 (仅用于展示与续传时的路径核对)
	FilePath string `gorm:"type:text"`
	FileSize int64

	Status string `gorm:"index;type:varchar(16);default:active"`

	// --- 承诺链断点 ---

	ChunkCount       int64
	LatestCommitment string `gorm:"type:char(64)"`

	// MerkleRoot 在完成时落库，进行中为空
	MerkleRoot string `gorm:"type:char(64)"`

	// ManifestHash 指向本次上传的清单 (完成后才有)
	ManifestHash string `gorm:"type:char(64)"`

	// JumpEntries: 跳跃锚点表
	// JSON 形如 {"8": {"c": "<承诺 hex>", "j": "<跳跃哈希 hex>"}}
	JumpEntries datatypes.JSON

	// Version 用于乐观锁并发控制 (CAS)
	// 每次更新时 +1，防止两个续传进程互相覆盖
	Version int64 `gorm:"default:1"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 强制指定表名
func (UploadSession) TableName() string {
	return "upload_sessions"
}

// jumpEntryJSON 是锚点在 JSON 里的投影，字段名刻意缩短
type jumpEntryJSON struct {
	Commitment string `json:"c"`
	JumpHash   string `json:"j"`
}
