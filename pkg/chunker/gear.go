package chunker

import (
	"crypto/sha256"
	"encoding/binary"
)

// gearSeed 是 Gear 表的固定推导种子。
// 换掉这个字符串等于换掉整套切分边界，会让所有历史去重失效，视同 wire 格式变更。
const gearSeed = "Aether3D_CDC_GEAR_V1"

// gearTable: 256 个 64 位值，由种子的迭代 SHA256 确定性推导。
// 确定性是去重的前提：相同内容在任何进程、任何平台、任何时间都必须切出相同边界，
// 所以这里不用 math/rand，而是把随机性固化在哈希链里。
var gearTable = buildGearTable()

// buildGearTable 每轮取一个 SHA256 摘要，按大端序拆出 4 个 uint64，
// 再对摘要本身继续哈希，直到填满 256 项 (共 64 轮)。
func buildGearTable() [256]uint64 {
	var table [256]uint64
	digest := sha256.Sum256([]byte(gearSeed))
	for i := 0; i < len(table); {
		for off := 0; off <= len(digest)-8 && i < len(table); off += 8 {
			table[i] = binary.BigEndian.Uint64(digest[off : off+8])
			i++
		}
		digest = sha256.Sum256(digest[:])
	}
	return table
}
