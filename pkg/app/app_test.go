package app

import (
	"context"
	"path/filepath"
	"testing"

	"aetherupload/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diskConfig(t *testing.T) *config.Config {
	ws := t.TempDir()
	return &config.Config{
		Workspace: ws,
		Chunker:   config.ChunkerConfig{MinSize: 4 * 1024, AvgSize: 16 * 1024, MaxSize: 64 * 1024},
		Spool:     config.SpoolConfig{Backend: "disk", Path: filepath.Join(ws, "spool")},
		Session:   config.SessionConfig{Driver: "sqlite", SQLitePath: filepath.Join(ws, "sessions.db")},
		Uplink:    config.UplinkConfig{Workers: 2},
	}
}

func TestInitSpool_Disk(t *testing.T) {
	cfg := diskConfig(t)

	store, err := initSpool(context.Background(), cfg)

	require.NoError(t, err)
	assert.NotNil(t, store)
}

func TestInitSpool_S3_MissingBucket(t *testing.T) {
	cfg := diskConfig(t)
	cfg.Spool.Backend = "s3"
	// 故意不设置 bucket

	store, err := initSpool(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestInitSpool_UnknownBackend(t *testing.T) {
	cfg := diskConfig(t)
	cfg.Spool.Backend = "ftp" // 不支持的类型

	store, err := initSpool(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "unsupported spool backend")
}

func TestNewApp_DiskSqlite(t *testing.T) {
	cfg := diskConfig(t)

	application, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)

	assert.NotNil(t, application.Spool)
	assert.NotNil(t, application.Dedup)
	assert.NotNil(t, application.Sessions)
	assert.NotNil(t, application.Uplink)
	assert.NotNil(t, application.Log)

	require.NoError(t, application.Close())
}
