// pkg/types/common.go
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrMalformedHash 表示哈希编码不符合规范 (长度/字符集错误)
// 这是调用方的契约错误，不是运行时可重试的故障
var ErrMalformedHash = errors.New("malformed hash encoding")

// Hash 代表一个 Chunk 的唯一标识符 (SHA256 Hex String, 小写 64 字符)
// 这是一个“值对象”，应当是不可变的。
type Hash string

func (h Hash) String() string { return string(h) }

// 验证 Hash 合法性
func (h Hash) IsZero() bool  { return h == "" }
func (h Hash) IsValid() bool { return len(h) == 64 } // 简单的长度检查

// Raw 将 Hex 编码还原为 32 字节原始摘要
// 严格校验：长度必须是 64，字符必须是小写 hex (大写视为非法编码)
func (h Hash) Raw() ([32]byte, error) {
	var raw [32]byte
	if len(h) != 64 {
		return raw, fmt.Errorf("%w: length %d, want 64", ErrMalformedHash, len(h))
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return raw, fmt.Errorf("%w: invalid character %q at %d", ErrMalformedHash, c, i)
		}
	}
	b, err := hex.DecodeString(string(h))
	if err != nil {
		return raw, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	copy(raw[:], b)
	return raw, nil
}

// ParseHash 校验并构造 Hash
func ParseHash(s string) (Hash, error) {
	h := Hash(s)
	if _, err := h.Raw(); err != nil {
		return "", err
	}
	return h, nil
}

// HashFromRaw 将 32 字节原始摘要编码为 Hash
func HashFromRaw(raw [32]byte) Hash {
	return Hash(hex.EncodeToString(raw[:]))
}

// HashOf 计算数据的 SHA256 并返回 Hash
func HashOf(data []byte) Hash {
	return HashFromRaw(sha256.Sum256(data))
}

// HashPrefix 用于短哈希显示与前缀查询
type HashPrefix string

func (p HashPrefix) String() string { return string(p) }

// Short 返回用于日志/表格展示的前 12 位
func (h Hash) Short() HashPrefix {
	if len(h) < 12 {
		return HashPrefix(h)
	}
	return HashPrefix(h[:12])
}
