package main

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eahydra/gotftp/tftp"
)

// fileConfig mirrors the YAML schema spec.md §6 names for the server
// binary: listen address, negotiable defaults, retry budget, and the
// filesystem root served.
type fileConfig struct {
	Listen    string `yaml:"listen"`
	Root      string `yaml:"root"`
	ReadOnly  bool   `yaml:"read_only"`
	BlockSize uint16 `yaml:"block_size"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Retries   int    `yaml:"retries"`
	LogLevel  string `yaml:"log_level"`
}

func loadConfig(path string) (fileConfig, error) {
	cfg := fileConfig{
		Listen:    ":69",
		Root:      ".",
		BlockSize: tftp.DefaultBlockSize,
		TimeoutMs: tftp.DefaultTimeoutMs,
		Retries:   tftp.DefaultRetries,
		LogLevel:  "info",
	}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c fileConfig) engineConfig() tftp.Config {
	return tftp.Config{
		BlockSize: c.BlockSize,
		TimeoutMs: c.TimeoutMs,
		Retries:   c.Retries,
	}
}
