// Package config 负责加载分层配置：默认值 < 配置文件 < 环境变量 < 命令行参数。
// 环境变量前缀 AU_，嵌套键用下划线展开 (AU_SPOOL_BACKEND 等)。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 是应用的全量配置快照
type Config struct {
	// Workspace 是本工具的工作目录 (.au)，派生默认的暂存区与会话库路径
	Workspace string        `mapstructure:"workspace"`
	Chunker   ChunkerConfig `mapstructure:"chunker"`
	Spool     SpoolConfig   `mapstructure:"spool"`
	Dedup     DedupConfig   `mapstructure:"dedup"`
	Session   SessionConfig `mapstructure:"session"`
	Verify    VerifyConfig  `mapstructure:"verify"`
	Uplink    UplinkConfig  `mapstructure:"uplink"`
}

type ChunkerConfig struct {
	MinSize int64 `mapstructure:"min_size"`
	AvgSize int64 `mapstructure:"avg_size"`
	MaxSize int64 `mapstructure:"max_size"`
}

type SpoolConfig struct {
	Backend string   `mapstructure:"backend"` // "disk" (默认) 或 "s3"
	Path    string   `mapstructure:"path"`    // disk 后端的根目录
	S3      S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type DedupConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type SessionConfig struct {
	Driver      string `mapstructure:"driver"` // "sqlite" (默认) 或 "postgres"
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type VerifyConfig struct {
	CoverageThreshold float64 `mapstructure:"coverage_threshold"`
}

type UplinkConfig struct {
	Workers int `mapstructure:"workers"`
}

// Load 初始化 Viper 配置并返回解析后的快照
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) (*Config, error) {
	// 1. 设置默认值 (Defaults)
	if err := setDefaults(); err != nil {
		return nil, err
	}

	// 2. 配置搜索路径
	if cfgFile != "" {
		// 如果用户指定了文件，直接使用
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}

		// 搜索顺序：当前目录 -> ./.au -> ~/.au
		viper.AddConfigPath(".")
		viper.AddConfigPath(".au")
		viper.AddConfigPath(filepath.Join(home, ".au"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config") // 找 config.yaml
	}

	// 3. 读取环境变量 (AU_SPOOL_BACKEND、AU_DEDUP_REDIS_URL 等)
	viper.SetEnvPrefix("AU")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 没找到配置文件不算错，默认值加环境变量也能跑；格式错才是真错
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("⚠️  No config file found, using defaults/env vars")
		} else {
			return nil, fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		fmt.Println("🔧 Using config file:", viper.ConfigFileUsed())
	}

	// 5. 解析为类型化快照
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// 路径类默认值跟随 workspace，用户没显式配置就派生
	if cfg.Spool.Path == "" {
		cfg.Spool.Path = filepath.Join(cfg.Workspace, "spool")
	}
	if cfg.Session.SQLitePath == "" {
		cfg.Session.SQLitePath = filepath.Join(cfg.Workspace, "sessions.db")
	}

	return &cfg, nil
}

func setDefaults() error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	viper.SetDefault("workspace", filepath.Join(wd, ".au"))

	// 切分默认值 (256KB / 1MB / 8MB)
	viper.SetDefault("chunker.min_size", 256*1024)
	viper.SetDefault("chunker.avg_size", 1024*1024)
	viper.SetDefault("chunker.max_size", 8*1024*1024)

	// 暂存区默认值
	// 注意：没有默认值的键对 Unmarshal 不可见，环境变量也就不生效，
	// 所以纯可选的键也要注册空默认值
	viper.SetDefault("spool.backend", "disk")
	viper.SetDefault("spool.path", "")
	viper.SetDefault("spool.s3.endpoint", "")
	viper.SetDefault("spool.s3.region", "us-east-1")
	viper.SetDefault("spool.s3.bucket", "")
	viper.SetDefault("spool.s3.access_key", "")
	viper.SetDefault("spool.s3.secret_key", "")

	// 去重索引默认关闭，打开时默认连本机 Redis
	viper.SetDefault("dedup.enabled", false)
	viper.SetDefault("dedup.redis_url", "redis://localhost:6379/0")
	viper.SetDefault("dedup.ttl", "24h")

	// 会话库默认值
	viper.SetDefault("session.driver", "sqlite")
	viper.SetDefault("session.sqlite_path", "")
	viper.SetDefault("session.postgres_dsn", "")

	// 校验与上传默认值
	viper.SetDefault("verify.coverage_threshold", 0.999)
	viper.SetDefault("uplink.workers", 4)
	return nil
}
