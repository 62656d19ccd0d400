package common

import (
	"bytes"
	"encoding/json"
)

// ReconfigureKey 操作负载的第一个key为此值时，该条目是重配置条目
const ReconfigureKey = "/.agency"

// IsReconfiguration 检查负载（对象，或首元素为对象的数组）的第一个key，
// 是重配置条目时返回其中 "new" 字段的配置文档。
// encoding/json 的 map 不保证key顺序，所以这里逐个读 token。
func IsReconfiguration(payload []byte) ([]byte, bool) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	tok, err := dec.Token()
	if err != nil {
		return nil, false
	}
	if d, ok := tok.(json.Delim); ok && d == '[' {
		if tok, err = dec.Token(); err != nil {
			return nil, false
		}
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, false
	}
	tok, err = dec.Token()
	if err != nil {
		return nil, false
	}
	if key, ok := tok.(string); !ok || key != ReconfigureKey {
		return nil, false
	}
	var op struct {
		New json.RawMessage `json:"new"`
	}
	if err := dec.Decode(&op); err != nil || len(op.New) == 0 {
		return nil, false
	}
	return op.New, true
}
