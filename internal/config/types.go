package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Trailing  TrailingConfig  `mapstructure:"trailing"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	GraphPath   string `mapstructure:"graph_path"`
	// EventRetention 为监控事件保留时长，0 表示不清理。
	EventRetention time.Duration `mapstructure:"event_retention"`
}

// GatewayConfig 描述交易网关。kind 取 paper 或 bridge。
type GatewayConfig struct {
	Kind   string       `mapstructure:"kind"`
	Bridge BridgeConfig `mapstructure:"bridge"`
	Paper  PaperConfig  `mapstructure:"paper"`
}

// BridgeConfig 描述终端桥接 websocket 连接。
type BridgeConfig struct {
	URL            string        `mapstructure:"url"`
	Login          int64         `mapstructure:"login"`
	Password       string        `mapstructure:"password"`
	Server         string        `mapstructure:"server"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// PaperConfig 控制模拟账户。
type PaperConfig struct {
	InitialBalance float64 `mapstructure:"initial_balance"`
	ContractSize   float64 `mapstructure:"contract_size"`
	FirstTicket    int64   `mapstructure:"first_ticket"`
	// Feed 取 ccxt 或 static。
	Feed         string             `mapstructure:"feed"`
	StaticPrices map[string]float64 `mapstructure:"static_prices"`
}

// ExchangeConfig 描述 ccxt 行情源连接信息。
type ExchangeConfig struct {
	Name       string            `mapstructure:"name"`
	APIKey     string            `mapstructure:"api_key"`
	APISecret  string            `mapstructure:"api_secret"`
	APIPass    string            `mapstructure:"api_password"`
	UseSandbox bool              `mapstructure:"use_sandbox"`
	Symbols    map[string]string `mapstructure:"symbols"`
	Retry      RetryConfig       `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// EngineConfig 控制执行引擎。
type EngineConfig struct {
	Live bool `mapstructure:"live"`
}

// RiskConfig 管理终端下单节点的风控限制。
type RiskConfig struct {
	MaxOrderVolume   float64 `mapstructure:"max_order_volume"`
	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	MaxRetry         int     `mapstructure:"max_retry"`
}

// SchedulerConfig 控制流程调度。
type SchedulerConfig struct {
	MinInterval    time.Duration `mapstructure:"min_interval"`
	RestoreOnStart bool          `mapstructure:"restore_on_start"`
}

// TrailingConfig 控制移动止损循环。
type TrailingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	DefaultDigits  int           `mapstructure:"default_digits"`
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
	Level            string        `mapstructure:"level"`
	Encoding         string        `mapstructure:"encoding"`
	Development      bool          `mapstructure:"development"`
	OutputPaths      []string      `mapstructure:"output_paths"`
	ErrorOutputPaths []string      `mapstructure:"error_output_paths"`
	File             LogFileConfig `mapstructure:"file"`
}

// LogFileConfig 控制滚动日志文件，Filename 为空时不写文件。
type LogFileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig 控制 HTTP 控制接口。
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Mode    string `mapstructure:"mode"`
}

// AlertsConfig 控制交易事件的短信或 WhatsApp 通知。
type AlertsConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	AccountSID string   `mapstructure:"account_sid"`
	AuthToken  string   `mapstructure:"auth_token"`
	From       string   `mapstructure:"from"`
	To         []string `mapstructure:"to"`
	// Channel 取 sms 或 whatsapp。
	Channel string `mapstructure:"channel"`

	TakeProfit       bool `mapstructure:"take_profit"`
	StopLoss         bool `mapstructure:"stop_loss"`
	PositionOpened   bool `mapstructure:"position_opened"`
	TrailingAdjusted bool `mapstructure:"trailing_adjusted"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	switch strings.ToLower(c.Gateway.Kind) {
	case "paper":
		if c.Gateway.Paper.InitialBalance <= 0 {
			err = multierr.Append(err, errors.New("gateway.paper.initial_balance 必须大于0"))
		}
		if c.Gateway.Paper.ContractSize <= 0 {
			err = multierr.Append(err, errors.New("gateway.paper.contract_size 必须大于0"))
		}
		switch strings.ToLower(c.Gateway.Paper.Feed) {
		case "static":
		case "ccxt":
			if c.Exchange.Name == "" {
				err = multierr.Append(err, errors.New("ccxt 行情源需要配置 exchange.name"))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("gateway.paper.feed 不支持: %q", c.Gateway.Paper.Feed))
		}
	case "bridge":
		if c.Gateway.Bridge.URL == "" {
			err = multierr.Append(err, errors.New("gateway.bridge.url 不能为空"))
		}
		if c.Gateway.Bridge.RequestTimeout <= 0 {
			err = multierr.Append(err, errors.New("gateway.bridge.request_timeout 必须大于0"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("gateway.kind 不支持: %q", c.Gateway.Kind))
	}

	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.App.EventRetention < 0 {
		err = multierr.Append(err, errors.New("app.event_retention 不能为负"))
	}
	if c.Risk.MaxOrderVolume < 0 {
		err = multierr.Append(err, errors.New("risk.max_order_volume 不能为负"))
	}
	if c.Risk.MaxOpenPositions < 0 {
		err = multierr.Append(err, errors.New("risk.max_open_positions 不能为负"))
	}
	if c.Risk.MaxRetry <= 0 {
		err = multierr.Append(err, errors.New("risk.max_retry 必须大于0"))
	}
	if c.Scheduler.MinInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.min_interval 必须大于0"))
	}
	if c.Trailing.UpdateInterval <= 0 {
		err = multierr.Append(err, errors.New("trailing.update_interval 必须大于0"))
	}
	if c.Trailing.DefaultDigits < 0 || c.Trailing.DefaultDigits > 10 {
		err = multierr.Append(err, errors.New("trailing.default_digits 必须位于[0,10]"))
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
	if c.Server.Enabled && c.Server.Listen == "" {
		err = multierr.Append(err, errors.New("server.listen 不能为空"))
	}
	if c.Alerts.Enabled {
		if c.Alerts.AccountSID == "" || c.Alerts.AuthToken == "" {
			err = multierr.Append(err, errors.New("alerts.account_sid 与 alerts.auth_token 不能为空"))
		}
		if c.Alerts.From == "" {
			err = multierr.Append(err, errors.New("alerts.from 不能为空"))
		}
		if len(c.Alerts.To) == 0 {
			err = multierr.Append(err, errors.New("alerts.to 至少包含一个号码"))
		}
		switch strings.ToLower(c.Alerts.Channel) {
		case "sms", "whatsapp":
		default:
			err = multierr.Append(err, fmt.Errorf("alerts.channel 不支持: %q", c.Alerts.Channel))
		}
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
