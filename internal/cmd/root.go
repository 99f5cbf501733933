package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/antigravity/codex-proxy/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version   string
	BuildTime string
	cfgFile   string
)

// vp 是整个命令树共用的 viper 实例
var vp = viper.New()

var loginMode bool

var rootCmd = &cobra.Command{
	Use:   "codex-proxy",
	Short: "Multi-account proxy for the Codex Responses API",
	Long: `codex-proxy serves the OpenAI Responses API locally and forwards each call to
the Codex backend using a pool of ChatGPT OAuth accounts, rotating between them
on rate limits and authentication failures.`,
	SilenceUsage: true,
	RunE:         defaultRun, // 默认执行serve或login
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// 全局标志
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default $HOME/.codex-proxy)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug/info/warn/error)")

	rootCmd.Flags().BoolVar(&loginMode, "login", false, "trigger OAuth login and exit")
	// 服务器标志（root 与 serve 共用）
	rootCmd.PersistentFlags().String("host", "", "server host")
	rootCmd.PersistentFlags().Int("port", 0, "server port")
	rootCmd.PersistentFlags().String("mode", "", "server mode (debug/release/test)")

	for key, flag := range map[string]string{
		"storage.data_dir": "data-dir",
		"logging.level":    "log-level",
		"server.host":      "host",
		"server.port":      "port",
		"server.mode":      "mode",
	} {
		_ = vp.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
	}
}

// defaultRun 默认运行逻辑：如果指定--login则执行OAuth，否则启动服务器
func defaultRun(cmd *cobra.Command, args []string) error {
	if loginMode {
		return runLogin(cmd, args)
	}
	return runServe(cmd, args)
}

func initConfig() {
	// .env 先于 viper 读取环境变量
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "Warning:", err)
	}
	config.RegisterDefaults(vp)
	config.BindEnv(vp)

	if cfgFile != "" {
		vp.SetConfigFile(cfgFile)
	} else {
		vp.SetConfigName("config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		vp.AddConfigPath("./data")
		vp.AddConfigPath(config.DefaultDataDir())
	}

	if err := vp.ReadInConfig(); err != nil {
		// 配置文件不存在时由 LoadOrCreate 写出默认配置
		if cfgFile == "" {
			vp.SetConfigFile(filepath.Join(".", "config.yaml"))
		}
		return
	}
	fmt.Fprintln(os.Stderr, "Using config file:", vp.ConfigFileUsed())
}
