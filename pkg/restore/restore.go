// Package restore 从暂存区取回块并重组原文件。
// 清单是唯一信源：每个块写回前重验长度、SHA256 与 CRC32C，
// 任何一道不过就让整次重组失败 (fail closed)。
package restore

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"aetherupload/pkg/manifest"
	"aetherupload/pkg/spool"
	"aetherupload/pkg/types"

	"golang.org/x/sync/errgroup"
)

// ErrCorruptChunk: 暂存区返回的块与清单记录不符
var ErrCorruptChunk = errors.New("spooled chunk does not match manifest")

// DefaultWorkers 与 uplink 对齐
const DefaultWorkers = 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Restorer 并发读暂存区，按清单偏移写回目标
type Restorer struct {
	store   spool.Store
	workers int
}

func New(store spool.Store, workers int) *Restorer {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Restorer{store: store, workers: workers}
}

// RestoreFile 把清单描述的文件重组到 w。
// 块之间互不重叠 (清单的划分不变量)，可以并发 WriteAt。
// 返回写出的总字节数，等于清单的 FileSize
func (r *Restorer) RestoreFile(ctx context.Context, m *manifest.Manifest, w io.WriterAt) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, rec := range m.Chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			rc, err := r.store.Get(gctx, types.Hash(rec.Hash))
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}

			// 三道闸：长度、摘要、CRC
			if int64(len(data)) != rec.Size {
				return fmt.Errorf("%w: chunk %d is %d bytes, recorded %d", ErrCorruptChunk, i, len(data), rec.Size)
			}
			if types.HashOf(data) != types.Hash(rec.Hash) {
				return fmt.Errorf("%w: chunk %d digest mismatch", ErrCorruptChunk, i)
			}
			if crc32.Checksum(data, castagnoli) != rec.CRC32C {
				return fmt.Errorf("%w: chunk %d crc mismatch", ErrCorruptChunk, i)
			}

			if _, err := w.WriteAt(data, rec.Offset); err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return m.FileSize, nil
}
