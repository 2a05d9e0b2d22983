package commands

import (
	"context"
	"fmt"
	"os"

	"aetherupload/pkg/app"
	"aetherupload/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// 全局配置与应用实例，供子命令使用
	Cfg *config.Config
	AU  *app.App
)

var rootCmd = &cobra.Command{
	Use:   "au",
	Short: "AetherUpload: verifiable chunked file transfer",
	// 【关键】PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 纯本地命令 (chunk/verify/info) 不需要后端，跳过初始化
		if !needsBackends(cmd) {
			return nil
		}

		// 统一初始化 App
		var err error
		AU, err = app.NewApp(context.Background(), Cfg)
		if err != nil {
			// 友好的错误提示
			return fmt.Errorf("failed to initialize aetherupload: %w\n(check your config or AU_* environment)", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if AU == nil {
			return nil
		}
		return AU.Close()
	},
	// 执行出错时不要刷一屏 usage，错误本身已经够明确
	SilenceUsage: true,
}

// needsBackends 判断该命令是否需要 spool/dedup/session 后端。
// chunk 和 verify 是纯计算，info 只打印配置，都不该因为连不上 Redis 而失败。
func needsBackends(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "chunk", "verify", "info", "help", "completion":
		return false
	}
	// completion 的子命令 (bash/zsh/...) 也是纯本地的
	if p := cmd.Parent(); p != nil && p.Name() == "completion" {
		return false
	}
	return true
}

// Execute 是入口
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// 在初始化时，加载配置
	cobra.OnInitialize(initConfig)

	// 1. 定义全局参数 --config
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./.au/config.yaml)")

	// 2. 定义 workspace 参数，并绑定到 Viper
	// 这样用户既可以在 yaml 里写，也可以用 --workspace 覆盖
	rootCmd.PersistentFlags().String("workspace", "", "Workspace directory for spool, sessions and manifests")
	err := viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	if err != nil {
		fmt.Println("Failed to bind flag:", err)
		os.Exit(1)
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	var err error
	Cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}
}
