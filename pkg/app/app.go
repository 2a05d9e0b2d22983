// pkg/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"aetherupload/pkg/chunker"
	"aetherupload/pkg/config"
	"aetherupload/pkg/dedup"
	"aetherupload/pkg/session"
	"aetherupload/pkg/spool"
	"aetherupload/pkg/spool/disk"
	"aetherupload/pkg/spool/s3"
	"aetherupload/pkg/uplink"
)

// App 是整个应用程序的依赖容器 (Dependency Container)
// 它持有所有“单例”服务
type App struct {
	Config   *config.Config
	Spool    spool.Store
	Dedup    dedup.Index
	Sessions *session.Repository
	Uplink   *uplink.Uplink
	Log      *slog.Logger

	db       *session.DB
	redisIdx *dedup.RedisIndex // dedup.enabled 时非空，Close 要用
}

// NewApp 是工厂函数，负责组装这一台机器
// 它只认配置快照，不知道具体的 CLI 命令
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := initSpool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init spool: %w", err)
	}

	idx, redisIdx, err := initDedup(cfg, store)
	if err != nil {
		return nil, err
	}

	db, err := session.NewDB(ctx, session.Config{
		Driver: cfg.Session.Driver,
		Path:   cfg.Session.SQLitePath,
		DSN:    cfg.Session.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init session db: %w", err)
	}
	repo := session.NewRepository(db)

	ck, err := chunker.New(chunker.Config{
		MinSize: cfg.Chunker.MinSize,
		AvgSize: cfg.Chunker.AvgSize,
		MaxSize: cfg.Chunker.MaxSize,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Config:   cfg,
		Spool:    store,
		Dedup:    idx,
		Sessions: repo,
		Uplink:   uplink.New(store, idx, repo, ck, cfg.Uplink.Workers),
		Log:      slog.Default(),
		db:       db,
		redisIdx: redisIdx,
	}, nil
}

// Close 释放外部连接 (会话库、Redis)
func (a *App) Close() error {
	var errs []error
	if a.redisIdx != nil {
		errs = append(errs, a.redisIdx.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// initSpool 按配置选择暂存区后端
// 未来要加新后端，就在这里扩 switch case
func initSpool(ctx context.Context, cfg *config.Config) (spool.Store, error) {
	switch cfg.Spool.Backend {
	case "", "disk":
		return disk.NewAdapter(cfg.Spool.Path)
	case "s3":
		if cfg.Spool.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 bucket is required")
		}
		return s3.NewAdapter(ctx, s3.Config{
			Endpoint:        cfg.Spool.S3.Endpoint,
			Region:          cfg.Spool.S3.Region,
			Bucket:          cfg.Spool.S3.Bucket,
			AccessKeyID:     cfg.Spool.S3.AccessKey,
			SecretAccessKey: cfg.Spool.S3.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unsupported spool backend: %q", cfg.Spool.Backend)
	}
}

// initDedup: 没开 Redis 就退化为直查暂存区
func initDedup(cfg *config.Config, store spool.Store) (dedup.Index, *dedup.RedisIndex, error) {
	if !cfg.Dedup.Enabled {
		return dedup.NewSpoolIndex(store), nil, nil
	}
	ri, err := dedup.NewRedisIndex(store, dedup.Config{
		RedisURL: cfg.Dedup.RedisURL,
		TTL:      cfg.Dedup.TTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init dedup index: %w", err)
	}
	return ri, ri, nil
}
