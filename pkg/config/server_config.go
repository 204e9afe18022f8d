package config

import (
	"fmt"
	"os"
)

// ServerConfig 服务端配置
type ServerConfig struct {
	// 服务器配置
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	// 日志配置
	Log struct {
		Debug bool   `yaml:"debug"`
		File  string `yaml:"file"`
	} `yaml:"log"`

	// 存储配置
	Storage struct {
		Type   string `yaml:"type"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Postgres struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			DBName   string `yaml:"dbname"`
			SSLMode  string `yaml:"sslmode"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	// 定时任务的共享密钥，可用环境变量 CRON_SECRET 覆盖
	Cron struct {
		Secret string `yaml:"secret"`
	} `yaml:"cron"`

	// AI 验证器配置
	Verifier struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"verifier"`

	// 实时科学数据源配置
	LiveData struct {
		Enabled        bool   `yaml:"enabled"`
		USGSFeedURL    string `yaml:"usgs_feed_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"live_data"`
}

// ApplyDefaults 填充单机部署的默认值
func (c *ServerConfig) ApplyDefaults() {
	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8080
	c.Storage.Type = "sqlite"
	c.Storage.SQLite.Path = "data/planet.db"
	c.Verifier.TimeoutSeconds = 5
	c.LiveData.TimeoutSeconds = 3
}

// Validate 验证配置
func (c *ServerConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case "postgres":
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.DBName == "" {
			return fmt.Errorf("postgres host and dbname are required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}

	// 环境变量优先
	if secret := os.Getenv("CRON_SECRET"); secret != "" {
		c.Cron.Secret = secret
	}
	if c.Cron.Secret == "" {
		return fmt.Errorf("cron secret is required")
	}

	if c.Verifier.TimeoutSeconds <= 0 {
		c.Verifier.TimeoutSeconds = 5
	}
	if c.LiveData.TimeoutSeconds <= 0 {
		c.LiveData.TimeoutSeconds = 3
	}

	return nil
}
