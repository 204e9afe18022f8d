package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 可校验的配置
type Config interface {
	Validate() error
}

// Defaulter 在解析前填充默认值的配置
type Defaulter interface {
	ApplyDefaults()
}

// LoadConfig 从 YAML 文件加载配置: 先填默认值, 文件内容覆盖, 最后校验
func LoadConfig(path string, cfg Config) error {
	if d, ok := cfg.(Defaulter); ok {
		d.ApplyDefaults()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	return nil
}
