package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	CDP struct {
		Endpoint         string `yaml:"endpoint"`
		CommandTimeoutMS int    `yaml:"commandTimeoutMS"`
		EventBufferSize  int    `yaml:"eventBufferSize"`
	} `yaml:"cdp"`

	Navigation struct {
		TimeoutMS         int `yaml:"timeoutMS"`
		NetworkIdleMS     int `yaml:"networkIdleMS"`
		DetectionWindowMS int `yaml:"detectionWindowMS"`
	} `yaml:"navigation"`

	Auth struct {
		MaxRetries int `yaml:"maxRetries"`
	} `yaml:"auth"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Rules struct {
		File string `yaml:"file"`
	} `yaml:"rules"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.CDP.Endpoint = "http://127.0.0.1:9222"
	c.CDP.CommandTimeoutMS = 30000
	c.CDP.EventBufferSize = 256
	c.Navigation.TimeoutMS = 30000
	c.Navigation.NetworkIdleMS = 500
	c.Navigation.DetectionWindowMS = 50
	c.Auth.MaxRetries = 3
	c.Sqlite.Prefix = "cdpwire_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	return c
}

// Load 读取 YAML 文件并覆盖默认值，path 为空时直接返回默认配置
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	var errs []error
	if c.CDP.CommandTimeoutMS <= 0 {
		errs = append(errs, errors.New("cdp.commandTimeoutMS must be positive"))
	}
	if c.CDP.EventBufferSize <= 0 {
		errs = append(errs, errors.New("cdp.eventBufferSize must be positive"))
	}
	if c.Navigation.TimeoutMS <= 0 {
		errs = append(errs, errors.New("navigation.timeoutMS must be positive"))
	}
	if c.Navigation.NetworkIdleMS < 0 || c.Navigation.DetectionWindowMS < 0 {
		errs = append(errs, errors.New("navigation windows must not be negative"))
	}
	if c.Auth.MaxRetries < 0 {
		errs = append(errs, errors.New("auth.maxRetries must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CDP.CommandTimeoutMS) * time.Millisecond
}

func (c *Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Navigation.TimeoutMS) * time.Millisecond
}

func (c *Config) NetworkIdle() time.Duration {
	return time.Duration(c.Navigation.NetworkIdleMS) * time.Millisecond
}

func (c *Config) DetectionWindow() time.Duration {
	return time.Duration(c.Navigation.DetectionWindowMS) * time.Millisecond
}
