package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试里用显式拼接的预像独立复算哈希，不复用生产代码的 helper
func rawLeafHash(index uint32, data []byte) [32]byte {
	pre := []byte{0x00}
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)
	pre = append(pre, idx[:]...)
	pre = append(pre, data...)
	return sha256.Sum256(pre)
}

func rawNodeHash(level uint8, left, right [32]byte) [32]byte {
	pre := []byte{0x01, level}
	pre = append(pre, left[:]...)
	pre = append(pre, right[:]...)
	return sha256.Sum256(pre)
}

func leafData(i int) []byte {
	return []byte(fmt.Sprintf("leaf-%d", i))
}

func TestTree_EmptyRoot(t *testing.T) {
	tr := NewTree()
	assert.Equal(t, sha256.Sum256([]byte{0x00}), tr.RootHash(), "空树根必须是固定哨兵 SHA256(0x00)")
	assert.Equal(t, int64(0), tr.LeafCount())
}

func TestTree_SingleLeaf(t *testing.T) {
	data := []byte("hello chunk")
	tr := NewTree()
	lh := tr.AppendLeaf(data)

	want := rawLeafHash(0, data)
	assert.Equal(t, want, lh, "AppendLeaf 必须返回叶子哈希")
	assert.Equal(t, want, tr.RootHash(), "单叶树的根就是叶子哈希")
}

func TestTree_TwoLeaves(t *testing.T) {
	d0, d1 := []byte("alpha"), []byte("beta")

	tr := NewTree()
	tr.AppendLeaf(d0)
	tr.AppendLeaf(d1)

	want := rawNodeHash(0, rawLeafHash(0, d0), rawLeafHash(1, d1))
	assert.Equal(t, want, tr.RootHash())

	// 交换叶子顺序必须改变根：索引参与叶子哈希
	swapped := NewTree()
	swapped.AppendLeaf(d1)
	swapped.AppendLeaf(d0)
	assert.NotEqual(t, tr.RootHash(), swapped.RootHash())
}

// 对 3/4/5 个叶子手工搭出期望形状，钉死不平衡折叠的层高标签
func TestTree_SmallShapes(t *testing.T) {
	var l [5][32]byte
	for i := range l {
		l[i] = rawLeafHash(uint32(i), leafData(i))
	}
	n01 := rawNodeHash(0, l[0], l[1])
	n23 := rawNodeHash(0, l[2], l[3])

	tests := []struct {
		n    int
		want [32]byte
	}{
		{n: 3, want: rawNodeHash(1, n01, l[2])},
		{n: 4, want: rawNodeHash(1, n01, n23)},
		{n: 5, want: rawNodeHash(2, rawNodeHash(1, n01, n23), l[4])},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			tr := NewTree()
			for i := 0; i < tt.n; i++ {
				tr.AppendLeaf(leafData(i))
			}
			assert.Equal(t, tt.want, tr.RootHash())
		})
	}
}

func TestTree_RootStableAcrossReads(t *testing.T) {
	tr := NewTree()
	for i := 0; i < 7; i++ {
		tr.AppendLeaf(leafData(i))
	}
	first := tr.RootHash()
	second := tr.RootHash()
	assert.Equal(t, first, second, "RootHash 是只读操作，不允许改变状态")
	assert.Equal(t, int64(7), tr.LeafCount())
}

func TestTree_LeafHashAccessor(t *testing.T) {
	tr := NewTree()
	lh := tr.AppendLeaf(leafData(0))

	got, err := tr.LeafHash(0)
	require.NoError(t, err)
	assert.Equal(t, lh, got)

	_, err = tr.LeafHash(1)
	assert.ErrorIs(t, err, ErrNoLeaf)
	_, err = tr.LeafHash(-1)
	assert.ErrorIs(t, err, ErrNoLeaf)
}

func TestTree_ConcurrentReadsDuringAppend(t *testing.T) {
	// 追加单写，读并发：结束后根必须与顺序构建完全一致
	const n = 200
	tr := NewTree()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = tr.RootHash()
					_ = tr.LeafCount()
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		tr.AppendLeaf(leafData(i))
	}
	close(stop)
	wg.Wait()

	sequential := NewTree()
	for i := 0; i < n; i++ {
		sequential.AppendLeaf(leafData(i))
	}
	assert.Equal(t, sequential.RootHash(), tr.RootHash())
}
