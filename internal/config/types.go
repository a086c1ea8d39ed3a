package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了执行引擎运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述券商接入信息。
type BrokerConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// StreamConfig 控制共享行情会话的生命周期。
type StreamConfig struct {
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	Reconnect      RetryConfig   `mapstructure:"reconnect"`
	IdleClose      time.Duration `mapstructure:"idle_close"`
}

// PlannerConfig 控制执行轨迹的风险/冲击权衡参数。
type PlannerConfig struct {
	RiskAversion     float64       `mapstructure:"risk_aversion"`
	Volatility       float64       `mapstructure:"volatility"`
	AutoVolatility   bool          `mapstructure:"auto_volatility"`
	VolatilityWindow int           `mapstructure:"volatility_window"`
	TemporaryImpact  float64       `mapstructure:"temporary_impact"`
	NumSlices        int           `mapstructure:"num_slices"`
	TotalTime        time.Duration `mapstructure:"total_time"`
}

// ExecutionConfig 控制切片执行行为。
type ExecutionConfig struct {
	SliceWait             time.Duration `mapstructure:"slice_wait"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	MarketFallbackEnabled bool          `mapstructure:"market_fallback_enabled"`
	FallbackFillThreshold float64       `mapstructure:"fallback_fill_threshold"`
	OfflineOffset         float64       `mapstructure:"offline_offset"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Broker.Name == "" {
		err = multierr.Append(err, errors.New("broker.name 不能为空"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Stream.URL == "" {
		err = multierr.Append(err, errors.New("stream.url 不能为空"))
	}
	if c.Stream.ConnectTimeout <= 0 {
		err = multierr.Append(err, errors.New("stream.connect_timeout 必须大于0"))
	}
	if c.Stream.ReadTimeout <= 0 {
		err = multierr.Append(err, errors.New("stream.read_timeout 必须大于0"))
	}
	if c.Stream.Reconnect.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("stream.reconnect.max_attempts 必须大于0"))
	}
	if c.Stream.Reconnect.MinDelay <= 0 || c.Stream.Reconnect.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("stream.reconnect.delay 必须为正"))
	}
	if c.Stream.IdleClose < 0 {
		err = multierr.Append(err, errors.New("stream.idle_close 不能为负"))
	}
	if c.Planner.RiskAversion < 0 {
		err = multierr.Append(err, errors.New("planner.risk_aversion 不能为负"))
	}
	if c.Planner.Volatility < 0 {
		err = multierr.Append(err, errors.New("planner.volatility 不能为负"))
	}
	if c.Planner.AutoVolatility && c.Planner.VolatilityWindow < 2 {
		err = multierr.Append(err, errors.New("planner.volatility_window 启用自动估计时必须大于1"))
	}
	if c.Planner.TemporaryImpact <= 0 {
		err = multierr.Append(err, errors.New("planner.temporary_impact 必须大于0"))
	}
	if c.Planner.NumSlices <= 0 {
		err = multierr.Append(err, errors.New("planner.num_slices 必须大于0"))
	}
	if c.Planner.TotalTime <= 0 {
		err = multierr.Append(err, errors.New("planner.total_time 必须大于0"))
	}
	if c.Execution.SliceWait <= 0 {
		err = multierr.Append(err, errors.New("execution.slice_wait 必须大于0"))
	}
	if c.Execution.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("execution.poll_interval 必须大于0"))
	}
	if c.Execution.FallbackFillThreshold < 0 || c.Execution.FallbackFillThreshold > 1 {
		err = multierr.Append(err, errors.New("execution.fallback_fill_threshold 必须位于[0,1]"))
	}
	if c.Execution.OfflineOffset < 0 || c.Execution.OfflineOffset > 0.1 {
		err = multierr.Append(err, errors.New("execution.offline_offset 应位于[0,0.1]"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
