package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math"
	"os"
)

// 面向大文件上传场景的默认配置 (单位: 字节)
const (
	DefaultMinSize = 256 * 1024      // 256KB
	DefaultAvgSize = 1 * 1024 * 1024 // 1MB
	DefaultMaxSize = 8 * 1024 * 1024 // 8MB

	// normLevel 控制归一化强度：avg 之前掩码加严 2 位，avg 之后放宽 2 位，
	// 用来压缩块大小的方差 (避免过早切出小块、也避免长尾)
	normLevel = 2

	// 流式读取缓冲；与块大小无关，只影响 syscall 次数
	readBufferSize = 256 * 1024
)

// ErrInvalidConfig 表示切分参数不满足约束，属于调用方契约错误
var ErrInvalidConfig = errors.New("invalid chunker config")

// castagnoli 是 CRC32C 的查找表 (iSCSI 多项式)，与 SHA256 一起作为每块的双校验
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Config 描述一次切分使用的尺寸参数
type Config struct {
	MinSize int64
	AvgSize int64
	MaxSize int64
}

// DefaultConfig 返回生产默认值 (256KB / 1MB / 8MB)
func DefaultConfig() Config {
	return Config{
		MinSize: DefaultMinSize,
		AvgSize: DefaultAvgSize,
		MaxSize: DefaultMaxSize,
	}
}

// Validate 校验尺寸关系。avg 至少为 16，否则宽掩码 (maskBits-2) 会退化为 0
func (c Config) Validate() error {
	if c.MinSize <= 0 || c.AvgSize <= 0 || c.MaxSize <= 0 {
		return fmt.Errorf("%w: sizes must be positive (min=%d avg=%d max=%d)", ErrInvalidConfig, c.MinSize, c.AvgSize, c.MaxSize)
	}
	if c.AvgSize < 16 {
		return fmt.Errorf("%w: avg size %d too small for mask derivation", ErrInvalidConfig, c.AvgSize)
	}
	if c.MinSize > c.AvgSize || c.AvgSize > c.MaxSize {
		return fmt.Errorf("%w: need min <= avg <= max (min=%d avg=%d max=%d)", ErrInvalidConfig, c.MinSize, c.AvgSize, c.MaxSize)
	}
	return nil
}

// ChunkBoundary 描述一个内容定义块：在源文件中的位置，以及这段字节的双重校验值。
// 对大小为 S 的输入，有序边界列表必须恰好划分 [0, S)：无缝隙、无重叠。
// 本结构一经产出不再修改。
type ChunkBoundary struct {
	Offset    int64
	Size      int64
	SHA256Hex string // 64 字符小写 hex
	CRC32C    uint32
}

// Chunker 是一个无状态的切分工具：同一实例可以被多个 goroutine
// 同时用于互不相关的输入，唯一共享的是只读的 gearTable。
type Chunker struct {
	cfg      Config
	maskHard uint64 // currentSize < avg 时使用 (更难命中)
	maskEasy uint64 // currentSize >= avg 时使用 (更易命中)
}

// New 根据配置构造 Chunker，预计算两级掩码
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bits := int(math.Floor(math.Log2(float64(cfg.AvgSize))))
	return &Chunker{
		cfg:      cfg,
		maskHard: uint64(1)<<(bits+normLevel) - 1,
		maskEasy: uint64(1)<<(bits-normLevel) - 1,
	}, nil
}

// NewDefault 使用默认配置构造 Chunker。
// 默认值是编译期常量且恒合法，这里直接吞掉 error 分支。
func NewDefault() *Chunker {
	c, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return c
}

// Config 返回本实例使用的尺寸参数
func (c *Chunker) Config() Config { return c.cfg }

// ChunkFile 打开文件并流式切分。
// 结果只取决于文件内容，与路径、文件名、mtime 无关。
func (c *Chunker) ChunkFile(ctx context.Context, path string) ([]ChunkBoundary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	return c.ChunkReader(ctx, f)
}

// ChunkReader 对字节流做内容定义切分。
//
// 算法：滚动 64 位 gear 哈希，每字节更新一次
//
//	gearHash = (gearHash << 1) ^ gearTable[b]
//
// currentSize >= min 后开始判边界：avg 之前用严掩码，avg 之后用宽掩码；
// currentSize == max 时无条件强制切分，保证任何输入都能终止。
// 每个块同时流式计算 SHA256 与 CRC32C，整个过程内存占用与文件大小无关。
//
// 取消是协作式的：只在块产出之间检查，不会打断一个块的哈希计算。
// 任何错误返回时都不携带半成品列表。
func (c *Chunker) ChunkReader(ctx context.Context, r io.Reader) ([]ChunkBoundary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		boundaries []ChunkBoundary
		offset     int64 // 当前块的起始位置 (绝对偏移)
		size       int64 // 当前块已累计的字节数
		gear       uint64
		sum        hash.Hash = sha256.New()
		crc        uint32
	)

	// emit 收尾当前块并复位滚动状态
	emit := func() {
		boundaries = append(boundaries, ChunkBoundary{
			Offset:    offset,
			Size:      size,
			SHA256Hex: hex.EncodeToString(sum.Sum(nil)),
			CRC32C:    crc,
		})
		offset += size
		size = 0
		gear = 0
		crc = 0
		sum.Reset()
	}

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			seg := buf[:n]
			segStart := 0
			for i := 0; i < len(seg); i++ {
				gear = gear<<1 ^ gearTable[seg[i]]
				size++

				cut := size == c.cfg.MaxSize
				if !cut && size >= c.cfg.MinSize {
					if size < c.cfg.AvgSize {
						cut = gear&c.maskHard == 0
					} else {
						cut = gear&c.maskEasy == 0
					}
				}
				if !cut {
					continue
				}

				// 把本缓冲里属于该块的尾段喂给校验器，再产出边界
				sum.Write(seg[segStart : i+1])
				crc = crc32.Update(crc, castagnoli, seg[segStart:i+1])
				emit()
				segStart = i + 1

				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			// 缓冲扫描完但块未结束：余下字节先入校验器
			if segStart < len(seg) {
				sum.Write(seg[segStart:])
				crc = crc32.Update(crc, castagnoli, seg[segStart:])
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read source: %w", readErr)
		}
	}

	// 尾块允许小于 min；空输入不产出任何边界
	if size > 0 {
		emit()
	}
	return boundaries, nil
}
