package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go_raft_agency/raft/common"
	smi "go_raft_agency/raft/state_machine_interface"

	log "github.com/sirupsen/logrus"
)

/*
* Gomap 是一个简单的 map[string]string 的封装，作为日志应用后的键值状态机
* 值保存为原始 JSON 文本
* 支持的操作：{"op":"set","key":k,"val":v} 与 {"op":"delete","key":k}，
* 负载可以是单个操作，也可以是操作数组；带 "prev" 的操作要求当前值与之相等才可应用
 */
type Gomap map[string]string

var _ smi.Store = (*Gomap)(nil)

const (
	OpSet    = "set"
	OpDelete = "delete"
)

type Operation struct {
	Op   string          `json:"op"`
	Key  string          `json:"key"`
	Val  json.RawMessage `json:"val,omitempty"`
	Prev json.RawMessage `json:"prev,omitempty"`
}

func NewGomap(initCap int) *Gomap {
	gomap := Gomap(make(map[string]string, initCap))
	return &gomap
}

// NewStore 压缩时使用的状态机工厂
func NewStore() smi.Store {
	return NewGomap(16)
}

func (m *Gomap) Put(key, value string) {
	(*m)[key] = value
}

func (m *Gomap) Get(key string) (string, bool) {
	v, b := (*m)[key]
	return v, b
}

func (m *Gomap) Del(key string) {
	delete(*m, key)
}

func (m *Gomap) Len() int {
	return len(*m)
}

func (m *Gomap) Prefix(prefix string) []string {
	result := make([]string, 0)
	for k := range *m {
		if k == "" {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	return result
}

func (m *Gomap) Suffix(suffix string) []string {
	result := make([]string, 0)
	for k := range *m {
		if k == "" {
			continue
		}
		if strings.HasSuffix(k, suffix) {
			result = append(result, k)
		}
	}
	return result
}

func (m *Gomap) Contains(sub string) []string {
	result := make([]string, 0)
	for k := range *m {
		if k == "" {
			continue
		}
		if strings.Contains(k, sub) {
			result = append(result, k)
		}
	}
	return result
}

// ParseOperations 解析负载，重配置条目返回空操作列表
func ParseOperations(payload []byte) ([]Operation, error) {
	if _, ok := common.IsReconfiguration(payload); ok {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", common.ErrMalformedRequest)
	}
	var ops []Operation
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &ops); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrMalformedRequest, err)
		}
	} else {
		var op Operation
		if err := json.Unmarshal(trimmed, &op); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrMalformedRequest, err)
		}
		ops = []Operation{op}
	}
	for i, op := range ops {
		if op.Key == "" {
			return nil, fmt.Errorf("%w: operation %d has no key", common.ErrMalformedRequest, i)
		}
		switch op.Op {
		case OpSet:
			if len(op.Val) == 0 {
				return nil, fmt.Errorf("%w: set %s without val", common.ErrMalformedRequest, op.Key)
			}
		case OpDelete:
		default:
			return nil, fmt.Errorf("%w: unknown op %q", common.ErrMalformedRequest, op.Op)
		}
	}
	return ops, nil
}

// Check 负载格式正确且所有前置条件成立时可以写入日志
func (m *Gomap) Check(payload []byte) bool {
	ops, err := ParseOperations(payload)
	if err != nil {
		log.Debugf("拒绝写入: %v", err)
		return false
	}
	for _, op := range ops {
		if len(op.Prev) == 0 {
			continue
		}
		cur, ok := m.Get(op.Key)
		if !ok || compactJSON(op.Prev) != cur {
			return false
		}
	}
	return true
}

// ApplyCommand 应用一条负载
func (m *Gomap) ApplyCommand(payload []byte) error {
	ops, err := ParseOperations(payload)
	if err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Op {
		case OpSet:
			m.Put(op.Key, compactJSON(op.Val))
		case OpDelete:
			m.Del(op.Key)
		}
	}
	return nil
}

// Apply 按顺序应用日志，空条目（哨兵、补洞）跳过，格式错误的条目记录后跳过
func (m *Gomap) Apply(entries []common.LogEntry) error {
	for _, e := range entries {
		if e.Empty() {
			continue
		}
		if err := m.ApplyCommand(e.Entry); err != nil {
			log.Warnf("应用日志 index:%d 失败，跳过: %v", e.Index, err)
		}
	}
	return nil
}

func (m *Gomap) Dump() ([]byte, error) {
	return json.Marshal(map[string]string(*m))
}

func (m *Gomap) Restore(data []byte) error {
	restored := make(map[string]string)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &restored); err != nil {
			return fmt.Errorf("restore gomap: %w", err)
		}
	}
	*m = Gomap(restored)
	return nil
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
