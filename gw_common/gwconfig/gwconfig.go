// Package gwconfig implements configuration loading and the command-line
// surface (C8's main loop is wired up from the values this package
// produces), grounded on the teacher's ap-factory/factory.go cobra root
// command and persistent-flag pattern, adapted from subcommands over an
// install workflow to a single long-running daemon's flags plus a YAML
// document.
package gwconfig

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// StorageConfig is the storage.* section of spec.md §6.
type StorageConfig struct {
	Type      string `yaml:"type"`
	Dir       string `yaml:"dir"`
	BatchSize int    `yaml:"batchSize"`
	Capacity  int    `yaml:"capacity"`
}

// ThingsBoardConfig is the thingsboard.* section of spec.md §6.
type ThingsBoardConfig struct {
	MaxPayloadSizeBytes               int    `yaml:"maxPayloadSizeBytes"`
	MinPackSendDelayMS                int    `yaml:"minPackSendDelayMS"`
	StatsSendPeriodInSeconds          int    `yaml:"statsSendPeriodInSeconds"`
	CheckConnectorsConfigInSeconds    int    `yaml:"checkConnectorsConfigurationInSeconds"`
	RemoteShell                       bool   `yaml:"remoteShell"`
	RemoteConfiguration               bool   `yaml:"remoteConfiguration"`
	Host                              string `yaml:"host"`
	Port                              int    `yaml:"port"`
	AccessToken                       string `yaml:"accessToken"`
}

// UpdatesConfig backs gateway_update/gateway_version and C8's self-update
// version check.
type UpdatesConfig struct {
	CheckPeriodMS int `yaml:"updatesCheckPeriodMs"`
}

// Config is the top-level gateway configuration document, unmarshaled
// from the YAML file named by --config.
type Config struct {
	GatewayName  string            `yaml:"gatewayName"`
	ConfigDir    string            `yaml:"configDir"`
	LogLevel     string            `yaml:"logLevel"`
	Storage      StorageConfig     `yaml:"storage"`
	ThingsBoard  ThingsBoardConfig `yaml:"thingsboard"`
	Updates      UpdatesConfig     `yaml:"updates"`
	Connectors   []ConnectorConfig `yaml:"connectors"`
}

// ConnectorConfig names and configures one connector instance. The
// connector-specific Params document is kept opaque here; only the core's
// own bookkeeping fields (name, type, config file path for mtime
// watching) are typed, per spec.md §1's connectors-are-out-of-scope
// boundary.
type ConnectorConfig struct {
	Name       string                 `yaml:"name"`
	Type       string                 `yaml:"type"`
	ConfigFile string                 `yaml:"configFile"`
	Params     map[string]interface{} `yaml:"params"`
}

// defaults mirror spec.md §6's stated defaults, applied after a YAML load
// leaves a field at its Go zero value.
func (c *Config) applyDefaults() {
	if c.ThingsBoard.MaxPayloadSizeBytes == 0 {
		c.ThingsBoard.MaxPayloadSizeBytes = 4096
	}
	if c.ThingsBoard.MinPackSendDelayMS == 0 {
		c.ThingsBoard.MinPackSendDelayMS = 500
	}
	if c.ThingsBoard.StatsSendPeriodInSeconds == 0 {
		c.ThingsBoard.StatsSendPeriodInSeconds = 3600
	}
	if c.ThingsBoard.CheckConnectorsConfigInSeconds == 0 {
		c.ThingsBoard.CheckConnectorsConfigInSeconds = 60
	}
	if c.Updates.CheckPeriodMS == 0 {
		c.Updates.CheckPeriodMS = 300000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ConfigDir == "" {
		c.ConfigDir = "."
	}
}

// Load reads and parses the YAML configuration document at path.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read configuration file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration file")
	}
	cfg.applyDefaults()
	return &cfg, nil
}
