package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了网关运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Trade    TradeConfig    `mapstructure:"trade"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ServerConfig 描述应答套接字的绑定地址与请求处理参数。
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

// Addr 返回 ZeroMQ 绑定地址。
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// TradeConfig 控制下单时的默认参数与归属标识。
type TradeConfig struct {
	Magic     int64  `mapstructure:"magic"`
	Deviation int    `mapstructure:"deviation"`
	Comment   string `mapstructure:"comment"`
}

// BrokerConfig 描述交易通道配置，name 可为 sim 或 binanceusdm。
type BrokerConfig struct {
	Name             string      `mapstructure:"name"`
	APIKey           string      `mapstructure:"api_key"`
	APISecret        string      `mapstructure:"api_secret"`
	APIPass          string      `mapstructure:"api_password"`
	UseSandbox       bool        `mapstructure:"use_sandbox"`
	DefaultTimeframe string      `mapstructure:"default_timeframe"`
	Retry            RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制查询类接口的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DatabaseConfig 管理请求流水数据库连接。
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

// MonitorConfig 控制只读监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

var knownBrokers = map[string]struct{}{
	"sim":         {},
	"binanceusdm": {},
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Server.Host == "" {
		err = multierr.Append(err, errors.New("server.host 不能为空"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}
	if c.Server.HandlerTimeout < 0 {
		err = multierr.Append(err, errors.New("server.handler_timeout 不能为负"))
	}
	if c.Trade.Magic <= 0 {
		err = multierr.Append(err, errors.New("trade.magic 必须大于0"))
	}
	if c.Trade.Deviation < 0 {
		err = multierr.Append(err, errors.New("trade.deviation 不能为负"))
	}
	if c.Trade.Comment == "" {
		err = multierr.Append(err, errors.New("trade.comment 不能为空"))
	}
	name := strings.ToLower(c.Broker.Name)
	if _, ok := knownBrokers[name]; !ok {
		err = multierr.Append(err, fmt.Errorf("broker.name %q 不受支持", c.Broker.Name))
	}
	if name == "binanceusdm" {
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			err = multierr.Append(err, errors.New("binanceusdm 通道需要配置 api_key 与 api_secret"))
		}
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
