package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "exec"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.name", "binance")
	v.SetDefault("broker.use_sandbox", false)
	v.SetDefault("broker.retry.max_attempts", 5)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")

	v.SetDefault("stream.connect_timeout", "10s")
	v.SetDefault("stream.read_timeout", "60s")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.reconnect.max_attempts", 6)
	v.SetDefault("stream.reconnect.min_delay", "1s")
	v.SetDefault("stream.reconnect.max_delay", "60s")
	v.SetDefault("stream.idle_close", "0s")

	v.SetDefault("planner.risk_aversion", 0.5)
	v.SetDefault("planner.volatility", 0.02)
	v.SetDefault("planner.auto_volatility", false)
	v.SetDefault("planner.volatility_window", 30)
	v.SetDefault("planner.temporary_impact", 0.001)
	v.SetDefault("planner.num_slices", 5)
	v.SetDefault("planner.total_time", "300s")

	v.SetDefault("execution.slice_wait", "30s")
	v.SetDefault("execution.poll_interval", "2s")
	v.SetDefault("execution.market_fallback_enabled", true)
	v.SetDefault("execution.fallback_fill_threshold", 0.50)
	v.SetDefault("execution.offline_offset", 0.001)

	v.SetDefault("database.path", "data/adaptive_exec.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8787)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
