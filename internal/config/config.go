package config

import (
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "flowtrader"
)

// defaults 按配置段列出默认值。环境变量只能覆盖这里出现过的键。
var defaults = map[string]map[string]interface{}{
	"app": {
		"environment":     "development",
		"graph_path":      "",
		"event_retention": "720h",
	},
	"gateway": {
		"kind":                   "paper",
		"bridge.url":             "ws://localhost:8765",
		"bridge.login":           0,
		"bridge.password":        "",
		"bridge.server":          "",
		"bridge.request_timeout": "10s",
		"bridge.dial_timeout":    "5s",
		"paper.initial_balance":  10000.0,
		"paper.contract_size":    100000.0,
		"paper.first_ticket":     1000000,
		"paper.feed":             "static",
	},
	"exchange": {
		"name":               "binanceusdm",
		"api_key":            "",
		"api_secret":         "",
		"api_password":       "",
		"use_sandbox":        false,
		"retry.max_attempts": 5,
		"retry.min_delay":    "500ms",
		"retry.max_delay":    "5s",
	},
	"engine": {
		"live": false,
	},
	"risk": {
		"max_order_volume":   0.0,
		"max_open_positions": 0,
		"max_retry":          3,
	},
	"scheduler": {
		"min_interval":     "1s",
		"restore_on_start": true,
	},
	"trailing": {
		"enabled":         true,
		"update_interval": "300s",
		"default_digits":  5,
	},
	"database": {
		"path":              "data/flowtrader.db",
		"max_open_conns":    4,
		"max_idle_conns":    4,
		"conn_max_lifetime": "1h",
		"in_memory":         false,
	},
	"logging": {
		"level":              "info",
		"encoding":           "console",
		"development":        true,
		"output_paths":       []string{"stdout"},
		"error_output_paths": []string{"stderr"},
		"file.filename":      "",
		"file.max_size_mb":   50,
		"file.max_backups":   5,
		"file.max_age_days":  14,
		"file.compress":      false,
	},
	"server": {
		"enabled": true,
		"listen":  ":8090",
		"mode":    "release",
	},
	"alerts": {
		"enabled":           false,
		"account_sid":       "",
		"auth_token":        "",
		"from":              "",
		"to":                []string{},
		"channel":           "sms",
		"take_profit":       true,
		"stop_loss":         true,
		"position_opened":   true,
		"trailing_adjusted": false,
	},
}

// Load 读取 YAML 配置文件，环境变量 FLOWTRADER_<段>_<键> 优先于文件。
func Load(path string) (*Config, error) {
	if path == "" {
		path = defaultConfigPath
	}

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件 %q 失败: %w", path, err)
	}
	return decode(v)
}

// Defaults 返回仅由默认值与环境变量构成的配置，不读取文件。
func Defaults() (*Config, error) {
	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for section, keys := range defaults {
		for key, value := range keys {
			v.SetDefault(section+"."+key, value)
		}
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
