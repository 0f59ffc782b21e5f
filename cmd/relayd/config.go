package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// daemonConfig captures the relay daemon's runtime parameters.
type daemonConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DataDir    string `mapstructure:"data_dir"`
	LogLevel   string `mapstructure:"log_level"`
	LogJSON    bool   `mapstructure:"log_json"`
}

const (
	defaultListenAddr = "0.0.0.0:7420"
	defaultDataDir    = "data"
	defaultLogLevel   = "info"
)

// loadConfig reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with RELAYFAB_ and override
// file values, e.g. RELAYFAB_LISTEN_ADDR.
func loadConfig(path string) (daemonConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAYFAB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_json", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return daemonConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg daemonConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return daemonConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	return cfg, nil
}
