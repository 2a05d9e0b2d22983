package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"aetherupload/pkg/chain"
	"aetherupload/pkg/types"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// 注意：文件名必须以 _test.go 结尾，否则会被编译进生产代码！
// -----------------------------------------------------------------------------

// setupTestRepo 构建隔离的测试环境
func setupTestRepo(t *testing.T) *Repository {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sessionDB := NewWithConn(db)
	require.NoError(t, sessionDB.AutoMigrate(&UploadSession{}))

	return NewRepository(sessionDB)
}

// mockHash 生成合法的测试用块哈希
func mockHash(input string) types.Hash {
	sum := sha256.Sum256([]byte(input))
	return types.Hash(hex.EncodeToString(sum[:]))
}

// buildChain 构造一条追加了 n 个块的活链
func buildChain(t *testing.T, sessionID string, n int) *chain.Chain {
	t.Helper()
	c := chain.NewChain(sessionID)
	for i := 0; i < n; i++ {
		_, err := c.AppendChunk(string(mockHash(fmt.Sprintf("chunk-%d", i))))
		require.NoError(t, err)
	}
	return c
}

// mustCheckpoint 落盘链断点，失败直接终止测试
func mustCheckpoint(t *testing.T, repo *Repository, c *chain.Chain, oldVersion int64, msgAndArgs ...any) {
	t.Helper()
	err := repo.SaveCheckpoint(context.Background(), c.SessionID(), CheckpointFromChain(c), oldVersion)
	require.NoError(t, err, msgAndArgs...)
}
