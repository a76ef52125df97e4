package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mastercactapus/grblctl/grbl"
)

// fileConfig mirrors the YAML config file. Zero values defer to the
// session defaults.
type fileConfig struct {
	CNC struct {
		Device          string   `yaml:"device"`
		Baud            int      `yaml:"baud"`
		Startup         []string `yaml:"startup"`
		BufferSize      int      `yaml:"bufferSize"`
		WarmupMS        int      `yaml:"warmupMs"`
		AckQuiescenceMS int      `yaml:"ackQuiescenceMs"`
	} `yaml:"cnc"`
}

func loadConfig(path string) (*fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *fileConfig) session() grbl.Config {
	return grbl.Config{
		Address:       c.CNC.Device,
		BaudRate:      c.CNC.Baud,
		Startup:       c.CNC.Startup,
		BufferSize:    c.CNC.BufferSize,
		Warmup:        time.Duration(c.CNC.WarmupMS) * time.Millisecond,
		AckQuiescence: time.Duration(c.CNC.AckQuiescenceMS) * time.Millisecond,
	}
}
