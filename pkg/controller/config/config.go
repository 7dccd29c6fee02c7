// Package config loads controllerd's runtime configuration from a YAML file
// and WORKLOADCTL_-prefixed environment variables via spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mlplatform/workload-controller/pkg/controller/canary"
	"github.com/mlplatform/workload-controller/pkg/controller/driver"
	"github.com/mlplatform/workload-controller/pkg/controller/executor"
	"github.com/mlplatform/workload-controller/pkg/controller/health"
	"github.com/mlplatform/workload-controller/pkg/controller/rollback"
)

// Config is controllerd's full runtime configuration.
type Config struct {
	GRPCPort       int    `mapstructure:"grpc_port"`
	GRPCHealthPort int    `mapstructure:"grpc_health_port"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	SecureServing  bool   `mapstructure:"secure_serving"`
	CertPath       string `mapstructure:"cert_path"`
	LogVerbosity   int    `mapstructure:"log_verbosity"`

	MySQLDSN string `mapstructure:"mysql_dsn"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`

	ApprovalSecret string        `mapstructure:"approval_secret"`
	ApprovalTTL    time.Duration `mapstructure:"approval_ttl"`

	PriceTableSource string `mapstructure:"price_table_source"` // local file path; S3 uses PriceTableBucket/Key
	PriceTableBucket string `mapstructure:"price_table_bucket"`
	PriceTableKey    string `mapstructure:"price_table_key"`

	ManagedClusters []string `mapstructure:"managed_clusters"`

	Health   health.Config   `mapstructure:"health"`
	Rollback rollback.Config `mapstructure:"rollback"`
	Canary   canary.Config   `mapstructure:"canary"`
	Retry    driver.RetryPolicy `mapstructure:"retry"`
	Executor executor.Config `mapstructure:"executor"`
}

// Default returns a Config populated with the defaults each component
// defines for itself, plus sane defaults for the ambient serving surface.
func Default() Config {
	return Config{
		GRPCPort:       9002,
		GRPCHealthPort: 9003,
		MetricsPort:    9090,
		SecureServing:  true,
		LogVerbosity:   0,
		ApprovalTTL:    15 * time.Minute,
		Health:         health.DefaultConfig(),
		Rollback:       rollback.DefaultConfig(),
		Canary:         canary.DefaultConfig(),
		Retry:          driver.DefaultRetryPolicy(),
		Executor:       executor.DefaultConfig(),
	}
}

// Load reads configuration from configPath (if non-empty), then overlays
// environment variables prefixed WORKLOADCTL_ (e.g. WORKLOADCTL_GRPC_PORT),
// on top of Default().
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WORKLOADCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config file %q: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("grpc_port", cfg.GRPCPort)
	v.SetDefault("grpc_health_port", cfg.GRPCHealthPort)
	v.SetDefault("metrics_port", cfg.MetricsPort)
	v.SetDefault("secure_serving", cfg.SecureServing)
	v.SetDefault("log_verbosity", cfg.LogVerbosity)
	v.SetDefault("approval_ttl", cfg.ApprovalTTL)
	v.SetDefault("kafka_topic", "workload-controller.events")
}
