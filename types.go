package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/withObsrvr/snapshot-audit-pipeline/consumer"
)

// ListenerConfig holds the per-contract polling and verification settings.
// Durations are in seconds, matching the flat YAML style of the rest of the
// config surface.
type ListenerConfig struct {
	ContractID           string   `yaml:"contract_id"`
	RPCURL               string   `yaml:"rpc_url"`
	AuthHeader           string   `yaml:"auth_header"`
	PollInterval         int      `yaml:"poll_interval"`
	StartLedger          uint32   `yaml:"start_ledger"`
	BatchSize            int      `yaml:"batch_size"`
	RetryAttempts        int      `yaml:"retry_attempts"`
	BackoffCeiling       int      `yaml:"backoff_ceiling"`
	PendingWindow        int      `yaml:"pending_window"`
	RetentionDays        int      `yaml:"retention_days"`
	AuthorizedSubmitters []string `yaml:"authorized_submitters"`
}

// Config is the top-level pipeline configuration loaded from the file passed
// via -config.
type Config struct {
	Listeners map[string]ListenerConfig `yaml:"listeners"`
	Storage   consumer.PostgresConfig   `yaml:"storage"`
	Alerts    consumer.AlertConfig      `yaml:"alerts"`
	Redis     *consumer.RedisConfig     `yaml:"redis"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if len(config.Listeners) == 0 {
		return nil, fmt.Errorf("no listeners defined in config")
	}
	for name, lc := range config.Listeners {
		if lc.ContractID == "" {
			return nil, fmt.Errorf("listener %q: contract_id must be specified", name)
		}
		if lc.RPCURL == "" {
			return nil, fmt.Errorf("listener %q: rpc_url must be specified", name)
		}
		if lc.PendingWindow <= 0 {
			return nil, fmt.Errorf("listener %q: pending_window must be specified", name)
		}
	}

	return &config, nil
}
