package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// watchConfig is the yaml instruction file driving every monitor.
type watchConfig struct {
	Node struct {
		API          string `yaml:"api"`
		CompareAPI   string `yaml:"compare-api"`
		Interval     int    `yaml:"interval"`
		HistorySize  int    `yaml:"history-size"`
		LogInterval  int64  `yaml:"log-interval"`
		StallWarning int    `yaml:"stall-warning"`
		DiffWarning  int64  `yaml:"diff-warning"`
	} `yaml:"node"`

	Chain struct {
		Host            string `yaml:"host"`
		Ports           []int  `yaml:"ports"`
		Interval        int    `yaml:"interval"`
		RefreshInterval int    `yaml:"refresh-interval"`
		StartPort       int    `yaml:"start-port"`
		EndPort         int    `yaml:"end-port"`
	} `yaml:"chain"`

	P2P struct {
		URL           string `yaml:"url"`
		MaxDepth      int    `yaml:"max-depth"`
		MaxConcurrent int64  `yaml:"max-concurrent"`
	} `yaml:"p2p"`

	Performance struct {
		HTTPTimeout   int    `yaml:"http-timeout"`
		MaxConcurrent int64  `yaml:"max-concurrent"`
		Retries       uint64 `yaml:"retries"`
	} `yaml:"performance"`

	StatusAddr string `yaml:"status-addr"`

	Auth struct {
		PagerDuty struct {
			EventServiceKey string `yaml:"event-service-key"`
		} `yaml:"pagerduty"`
		Telegram struct {
			BotToken string `yaml:"bot-token"`
			ChatID   string `yaml:"chat-id"`
		} `yaml:"telegram"`
	} `yaml:"auth"`
}

func loadConfig(path string) (*watchConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read instruction file %s", path)
	}
	cfg := &watchConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "could not parse instruction file %s", path)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *watchConfig) applyDefaults() {
	if c.Node.Interval <= 0 {
		c.Node.Interval = 2
	}
	if c.Node.HistorySize <= 0 {
		c.Node.HistorySize = 100
	}
	if c.Node.LogInterval <= 0 {
		c.Node.LogInterval = 20
	}
	if c.Chain.Interval <= 0 {
		c.Chain.Interval = 2
	}
	if c.Chain.RefreshInterval <= 0 {
		c.Chain.RefreshInterval = 30
	}
	if c.P2P.MaxDepth <= 0 {
		c.P2P.MaxDepth = 2
	}
	if c.P2P.MaxConcurrent <= 0 {
		c.P2P.MaxConcurrent = 5
	}
	if c.Performance.HTTPTimeout <= 0 {
		c.Performance.HTTPTimeout = 2
	}
	if c.Performance.MaxConcurrent <= 0 {
		c.Performance.MaxConcurrent = 10
	}
	if c.StatusAddr == "" {
		c.StatusAddr = ":8080"
	}
}

func (c *watchConfig) httpTimeout() time.Duration {
	return time.Duration(c.Performance.HTTPTimeout) * time.Second
}

func (c *watchConfig) validateNode() error {
	if c.Node.API == "" {
		return errors.New("node.api is required")
	}
	return nil
}

func (c *watchConfig) validateChain() error {
	if c.Chain.Host == "" {
		return errors.New("chain.host is required")
	}
	return nil
}

func (c *watchConfig) validateP2P() error {
	if c.P2P.URL == "" {
		return errors.New("p2p.url is required")
	}
	return nil
}
