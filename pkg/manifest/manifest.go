// Package manifest 定义一次切分结果的规范化描述文档：
// 边界列表、Merkle 根与最终承诺的可传输载体。
// 编码采用确定性 CBOR——相同内容必然得到相同字节，
// 文档哈希因此可以直接当作上传的身份标识。
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"aetherupload/pkg/chunker"
	"aetherupload/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// FormatVersion 是清单格式版本，解码时严格校验
const FormatVersion = 1

// ErrInvalidManifest: 清单不满足结构约束 (版本、划分不变量、哈希编码)
var ErrInvalidManifest = errors.New("invalid manifest")

// 确定性编码选项
var encOptions = cbor.EncOptions{
	// 强制 Map Key 排序 (Canonical)，保证相同清单生成唯一字节序列
	Sort: cbor.SortCanonical,

	// 浮点数不做缩短转换 (清单里本来也不该出现浮点)
	ShortestFloat: cbor.ShortestFloatNone,

	// 时间一律是 Unix 整数，禁止 RFC3339 Tag
	Time:    cbor.TimeUnix,
	TimeTag: cbor.EncTagNone,

	// 禁止不定长编码：数组和 Map 必须在头部声明长度
	IndefLength: cbor.IndefLengthForbidden,

	BigIntConvert: cbor.BigIntConvertShortest,
}

var em, _ = encOptions.EncMode()

// 解码选项：限制容器规模防 DoS，并拒绝非规范输入
var decOptions = cbor.DecOptions{
	// 8MB 最小块时 1<<22 个块可覆盖 32TB 级输入，远超实际上限
	MaxArrayElements: 1 << 22,
	MaxMapPairs:      1 << 22,
	MaxNestedLevels:  16,

	IndefLength: cbor.IndefLengthForbidden,
	DupMapKey:   cbor.DupMapKeyEnforcedAPF,
	BignumTag:   cbor.BignumTagForbidden,
	TimeTag:     cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// ChunkRecord 是清单里的一个块条目
type ChunkRecord struct {
	Offset int64  `cbor:"o"`
	Size   int64  `cbor:"s"`
	Hash   string `cbor:"h"`
	CRC32C uint32 `cbor:"c"`
}

// Manifest 描述一个被切分文件的完整完整性视图
type Manifest struct {
	Version         int           `cbor:"v"`
	SessionID       string        `cbor:"sid"`
	FileSize        int64         `cbor:"fs"`
	ChunkCount      int64         `cbor:"n"`
	Chunks          []ChunkRecord `cbor:"ch"`
	MerkleRoot      string        `cbor:"mr"`
	FinalCommitment string        `cbor:"fc"`
	CreatedAt       int64         `cbor:"ts"`
}

// Build 从核心组件的产出组装清单，并校验划分不变量
func Build(sessionID string, boundaries []chunker.ChunkBoundary, merkleRoot, finalCommitment [32]byte) (*Manifest, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrInvalidManifest)
	}

	m := &Manifest{
		Version:         FormatVersion,
		SessionID:       sessionID,
		ChunkCount:      int64(len(boundaries)),
		MerkleRoot:      hex.EncodeToString(merkleRoot[:]),
		FinalCommitment: hex.EncodeToString(finalCommitment[:]),
		CreatedAt:       time.Now().Unix(),
	}
	for _, b := range boundaries {
		m.Chunks = append(m.Chunks, ChunkRecord{
			Offset: b.Offset,
			Size:   b.Size,
			Hash:   b.SHA256Hex,
			CRC32C: b.CRC32C,
		})
		m.FileSize = b.Offset + b.Size
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate 校验结构约束：版本、块数、划分不变量、哈希编码。
// 解码出的清单在使用前必须通过这里
func (m *Manifest) Validate() error {
	if m.Version != FormatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidManifest, m.Version)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidManifest)
	}
	if m.ChunkCount != int64(len(m.Chunks)) {
		return fmt.Errorf("%w: chunk count %d does not match %d records", ErrInvalidManifest, m.ChunkCount, len(m.Chunks))
	}

	var next int64
	for i, ch := range m.Chunks {
		if ch.Offset != next {
			return fmt.Errorf("%w: chunk %d offset %d, want %d (gap or overlap)", ErrInvalidManifest, i, ch.Offset, next)
		}
		if ch.Size <= 0 {
			return fmt.Errorf("%w: chunk %d has non-positive size %d", ErrInvalidManifest, i, ch.Size)
		}
		if _, err := types.ParseHash(ch.Hash); err != nil {
			return fmt.Errorf("%w: chunk %d: %v", ErrInvalidManifest, i, err)
		}
		next = ch.Offset + ch.Size
	}
	if m.FileSize != next {
		return fmt.Errorf("%w: file size %d, chunks cover %d", ErrInvalidManifest, m.FileSize, next)
	}

	if _, err := types.ParseHash(m.MerkleRoot); err != nil {
		return fmt.Errorf("%w: merkle root: %v", ErrInvalidManifest, err)
	}
	if _, err := types.ParseHash(m.FinalCommitment); err != nil {
		return fmt.Errorf("%w: final commitment: %v", ErrInvalidManifest, err)
	}
	return nil
}

// Encode 输出确定性 CBOR 字节
func (m *Manifest) Encode() ([]byte, error) {
	data, err := em.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

// Decode 解析并校验清单
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := dm.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Hash 返回清单身份：规范化编码的 SHA256
func (m *Manifest) Hash() (types.Hash, error) {
	data, err := m.Encode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return types.HashFromRaw(sum), nil
}

// ChunkHashes 按序抽出块哈希，供承诺链重放
func (m *Manifest) ChunkHashes() []string {
	out := make([]string, len(m.Chunks))
	for i, ch := range m.Chunks {
		out[i] = ch.Hash
	}
	return out
}
