package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config 运行时配置快照，由驱动方（Agent）持有，调用方拿到的是副本
type Config struct {
	ID                 string            // 本节点id
	Pool               map[string]string // 节点id -> 地址
	Active             []string          // 参与选举的节点id
	MinPing            time.Duration
	MaxPing            time.Duration
	TimeoutMult        int64
	CompactionStepSize uint64
	CompactionKeepSize uint64
}

func (c Config) Size() int {
	return len(c.Active)
}

func (c Config) Majority() int {
	return c.Size()/2 + 1
}

func (c Config) Endpoint(id string) (string, bool) {
	addr, ok := c.Pool[id]
	return addr, ok
}

// Peers 除自己以外的活跃节点
func (c Config) Peers() []string {
	peers := make([]string, 0, len(c.Active))
	for _, id := range c.Active {
		if id != c.ID {
			peers = append(peers, id)
		}
	}
	return peers
}

func (c Config) IsActive(id string) bool {
	for _, a := range c.Active {
		if a == id {
			return true
		}
	}
	return false
}

func (c Config) Clone() Config {
	cp := c
	cp.Pool = make(map[string]string, len(c.Pool))
	for k, v := range c.Pool {
		cp.Pool[k] = v
	}
	cp.Active = append([]string(nil), c.Active...)
	return cp
}

func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if len(c.Active) == 0 {
		return fmt.Errorf("%w: active must contain at least one agent", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Active))
	for _, id := range c.Active {
		if seen[id] {
			return fmt.Errorf("%w: duplicate active agent %s", ErrInvalidConfig, id)
		}
		seen[id] = true
		if _, ok := c.Pool[id]; !ok {
			return fmt.Errorf("%w: active agent %s has no endpoint in pool", ErrInvalidConfig, id)
		}
	}
	if c.MinPing <= 0 || c.MaxPing < c.MinPing {
		return fmt.Errorf("%w: need 0 < min ping <= max ping, got %v / %v", ErrInvalidConfig, c.MinPing, c.MaxPing)
	}
	if c.TimeoutMult < 1 {
		return fmt.Errorf("%w: timeout multiplier must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// ConfigDocument 持久化在 configuration 集合、以及重配置日志条目 "new" 字段中的 JSON 结构
type ConfigDocument struct {
	Pool               map[string]string `json:"pool,omitempty"`
	Active             []string          `json:"active,omitempty"`
	MinPing            *float64          `json:"minPing,omitempty"` // 秒
	MaxPing            *float64          `json:"maxPing,omitempty"` // 秒
	TimeoutMult        *int64            `json:"timeoutMult,omitempty"`
	CompactionStepSize *uint64           `json:"compactionStepSize,omitempty"`
	CompactionKeepSize *uint64           `json:"compactionKeepSize,omitempty"`
}

func ParseConfigDocument(data []byte) (ConfigDocument, error) {
	var doc ConfigDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: configuration document: %v", ErrMalformedRequest, err)
	}
	return doc, nil
}

// Document 导出为可持久化的配置文档
func (c Config) Document() ConfigDocument {
	minPing := c.MinPing.Seconds()
	maxPing := c.MaxPing.Seconds()
	mult := c.TimeoutMult
	step := c.CompactionStepSize
	keep := c.CompactionKeepSize
	cp := c.Clone()
	return ConfigDocument{
		Pool:               cp.Pool,
		Active:             cp.Active,
		MinPing:            &minPing,
		MaxPing:            &maxPing,
		TimeoutMult:        &mult,
		CompactionStepSize: &step,
		CompactionKeepSize: &keep,
	}
}

// Merge 将文档中出现的字段覆盖到配置上，本节点id不变
func (c Config) Merge(doc ConfigDocument) Config {
	out := c.Clone()
	if doc.Pool != nil {
		for id, addr := range doc.Pool {
			out.Pool[id] = addr
		}
	}
	if len(doc.Active) > 0 {
		out.Active = append([]string(nil), doc.Active...)
	}
	if doc.MinPing != nil {
		out.MinPing = secondsToDuration(*doc.MinPing)
	}
	if doc.MaxPing != nil {
		out.MaxPing = secondsToDuration(*doc.MaxPing)
	}
	if doc.TimeoutMult != nil {
		out.TimeoutMult = *doc.TimeoutMult
	}
	if doc.CompactionStepSize != nil {
		out.CompactionStepSize = *doc.CompactionStepSize
	}
	if doc.CompactionKeepSize != nil {
		out.CompactionKeepSize = *doc.CompactionKeepSize
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
