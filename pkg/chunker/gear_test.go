package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGearTable_Deterministic(t *testing.T) {
	rebuilt := buildGearTable()
	assert.Equal(t, gearTable, rebuilt, "Gear 表必须可以从种子完全复现")
}

func TestGearTable_Spread(t *testing.T) {
	// SHA256 推导出的 256 个 64 位值理论上互不相同；
	// 留一点余量，只断言几乎全部不同且没有退化为 0
	seen := make(map[uint64]struct{}, len(gearTable))
	zeros := 0
	for _, v := range gearTable {
		seen[v] = struct{}{}
		if v == 0 {
			zeros++
		}
	}
	assert.GreaterOrEqual(t, len(seen), 250)
	assert.LessOrEqual(t, zeros, 1)
}
