package agency

import (
	"fmt"
	"os"
	"time"

	"go_raft_agency/raft/common"

	"gopkg.in/yaml.v3"
)

// Config 节点的配置文件
type Config struct {
	ID                 string            `yaml:"id"`
	Endpoint           string            `yaml:"endpoint"`      // gRPC 监听地址
	HttpEndpoint       string            `yaml:"http_endpoint"` // 客户端 HTTP 接口
	DataDir            string            `yaml:"data_dir"`
	Pool               map[string]string `yaml:"pool"`   // 节点id -> gRPC 地址
	Active             []string          `yaml:"active"` // 参与选举的节点
	MinPing            float64           `yaml:"min_ping"`
	MaxPing            float64           `yaml:"max_ping"`
	TimeoutMult        int64             `yaml:"timeout_mult"`
	CompactionStepSize uint64            `yaml:"compaction_step_size"`
	CompactionKeepSize uint64            `yaml:"compaction_keep_size"`
	MaxConnections     int               `yaml:"max_connections"`
	LogLevel           string            `yaml:"log_level"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.MinPing == 0 {
		c.MinPing = common.DefaultMinPing.Seconds()
	}
	if c.MaxPing == 0 {
		c.MaxPing = common.DefaultMaxPing.Seconds()
	}
	if c.TimeoutMult == 0 {
		c.TimeoutMult = common.DefaultTimeoutMult
	}
	if c.CompactionStepSize == 0 {
		c.CompactionStepSize = common.DefaultCompactionStepSize
	}
	if c.CompactionKeepSize == 0 {
		c.CompactionKeepSize = common.DefaultCompactionKeepSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Pool == nil {
		c.Pool = make(map[string]string)
	}
	if _, ok := c.Pool[c.ID]; !ok && c.ID != "" && c.Endpoint != "" {
		c.Pool[c.ID] = c.Endpoint
	}
	if len(c.Active) == 0 && c.ID != "" {
		c.Active = []string{c.ID}
	}
}

func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if addr, ok := c.Pool[c.ID]; ok && addr != c.Endpoint {
		return fmt.Errorf("endpoint mismatch: endpoint=%s but pool address=%s", c.Endpoint, addr)
	}
	return c.AgentConfig().Validate()
}

// AgentConfig 转成运行时配置
func (c *Config) AgentConfig() common.Config {
	pool := make(map[string]string, len(c.Pool))
	for id, addr := range c.Pool {
		pool[id] = addr
	}
	return common.Config{
		ID:                 c.ID,
		Pool:               pool,
		Active:             append([]string(nil), c.Active...),
		MinPing:            time.Duration(c.MinPing * float64(time.Second)),
		MaxPing:            time.Duration(c.MaxPing * float64(time.Second)),
		TimeoutMult:        c.TimeoutMult,
		CompactionStepSize: c.CompactionStepSize,
		CompactionKeepSize: c.CompactionKeepSize,
	}
}
