package dedup

import (
	"context"
	"fmt"
	"time"

	"aetherupload/pkg/spool"
	"aetherupload/pkg/types"

	"github.com/redis/go-redis/v9"
)

// RedisIndex 是一个装饰器，为底层的 spool.Store 添加 Redis 去重索引
// 设计目标：大文件续传时，已入库块的判断是毫秒级的，不打暂存区
type RedisIndex struct {
	backend spool.Store   // 被装饰的底层暂存区 (如 S3)
	client  *redis.Client // Redis 客户端
	ttl     time.Duration // 索引过期时间 (例如 24h)
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
}

func NewRedisIndex(backend spool.Store, cfg Config) (*RedisIndex, error) {
	// 解析 URL
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisIndex{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
	}, nil
}

// Close 释放 Redis 连接
func (s *RedisIndex) Close() error {
	return s.client.Close()
}

// indexKey 生成 Redis Key，添加前缀防止冲突
func (s *RedisIndex) indexKey(hash types.Hash) string {
	return "au:chunk:" + string(hash)
}

// Has 优先查 Redis，实现毫秒级去重
func (s *RedisIndex) Has(ctx context.Context, hash types.Hash) (bool, error) {
	key := s.indexKey(hash)

	// 1. 查 Redis
	// Exists 返回 1 表示存在，0 表示不存在
	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		// 架构决策：缓存故障降级 (Cache Failure Fallback)
		// Redis 挂了就退化为无索引模式直接查暂存区，绝不让上传流程崩溃
		fmt.Printf("WARN: Redis error: %v\n", err)
	} else if val > 0 {
		// Cache Hit! 无需打到暂存区
		return true, nil
	}

	// 2. 缓存未命中 (Cache Miss)，查底层暂存区
	found, err := s.backend.Has(ctx, hash)
	if err != nil {
		return false, err
	}

	// 3. 缓存回填 (Cache Fill)
	if found {
		// 异步写入 Redis，不阻塞主流程
		// 用 context.Background()：即使上层 ctx 取消，回填也能完成
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, s.indexKey(hash), "1", s.ttl)
		}()
	}

	return found, nil
}

// Add 在块成功入库后写索引
// Set 失败只影响后续快路径，不影响正确性，错误可以忽略
func (s *RedisIndex) Add(ctx context.Context, hash types.Hash) error {
	s.client.Set(ctx, s.indexKey(hash), "1", s.ttl)
	return nil
}

// FilterMissing 批量判断缺失块
// 先用一次 MGET 把能命中的都命中，剩下的逐个回退到暂存区
func (s *RedisIndex) FilterMissing(ctx context.Context, hashes []types.Hash) ([]types.Hash, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	// 去重并保序
	uniq := make([]types.Hash, 0, len(hashes))
	seen := make(map[types.Hash]bool, len(hashes))
	for _, h := range hashes {
		if !seen[h] {
			seen[h] = true
			uniq = append(uniq, h)
		}
	}

	keys := make([]string, len(uniq))
	for i, h := range uniq {
		keys[i] = s.indexKey(h)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		// 降级：整批都走暂存区
		fmt.Printf("WARN: Redis error: %v\n", err)
		vals = make([]interface{}, len(uniq))
	}

	var missing []types.Hash
	for i, h := range uniq {
		if vals[i] != nil {
			continue // 索引命中，块已入库
		}

		found, err := s.backend.Has(ctx, h)
		if err != nil {
			return nil, err
		}
		if found {
			// 回填，下一批就能命中
			s.client.Set(ctx, keys[i], "1", s.ttl)
			continue
		}
		missing = append(missing, h)
	}
	return missing, nil
}
