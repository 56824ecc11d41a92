package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/paywatch/statesync/pkg/guard"
	"github.com/paywatch/statesync/pkg/poll"
)

const (
	defaultGatewayURL         = "http://127.0.0.1:8480"
	defaultListenAddr         = "127.0.0.1:9390"
	defaultPaymentInterval    = poll.DefaultPaymentInterval
	defaultOverviewInterval   = poll.DefaultOverviewInterval
	defaultActivityInterval   = poll.DefaultActivityInterval
	defaultDebounceWindow     = 300 * time.Millisecond
	defaultFetchTimeout       = poll.DefaultFetchTimeout
	defaultReloadCeiling      = guard.DefaultCeiling
	defaultOverviewDays       = 7
	defaultActivityLimit      = 10
	defaultDistributionPeriod = "30d"
)

// appConfig is internal runtime configuration. It is package-private to
// keep defaults and shape local to the daemon entrypoint.
type appConfig struct {
	GatewayURL             string        `mapstructure:"gateway-url"`
	ListenAddr             string        `mapstructure:"listen-addr"`
	PaymentIDs             []string      `mapstructure:"payment-ids"`
	PaymentInterval        time.Duration `mapstructure:"payment-interval"`
	OverviewInterval       time.Duration `mapstructure:"overview-interval"`
	ActivityInterval       time.Duration `mapstructure:"activity-interval"`
	DebounceWindow         time.Duration `mapstructure:"debounce-window"`
	FetchTimeout           time.Duration `mapstructure:"fetch-timeout"`
	ReloadCeiling          time.Duration `mapstructure:"reload-ceiling"`
	OverviewDays           int           `mapstructure:"overview-days"`
	ActivityLimit          int           `mapstructure:"activity-limit"`
	DistributionPeriod     string        `mapstructure:"distribution-period"`
	MaxConsecutiveFailures int           `mapstructure:"max-consecutive-failures"`
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	v := viper.New()
	v.SetEnvPrefix("STATESYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("gateway-url", defaultGatewayURL)
	v.SetDefault("listen-addr", defaultListenAddr)
	v.SetDefault("payment-ids", []string{})
	v.SetDefault("payment-interval", defaultPaymentInterval)
	v.SetDefault("overview-interval", defaultOverviewInterval)
	v.SetDefault("activity-interval", defaultActivityInterval)
	v.SetDefault("debounce-window", defaultDebounceWindow)
	v.SetDefault("fetch-timeout", defaultFetchTimeout)
	v.SetDefault("reload-ceiling", defaultReloadCeiling)
	v.SetDefault("overview-days", defaultOverviewDays)
	v.SetDefault("activity-limit", defaultActivityLimit)
	v.SetDefault("distribution-period", defaultDistributionPeriod)
	v.SetDefault("max-consecutive-failures", 0)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.GatewayURL == "" {
		return cfg, fmt.Errorf("gateway-url must not be empty")
	}
	return cfg, nil
}
