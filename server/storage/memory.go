package storage

import (
	"fmt"
	"sort"
	"sync"

	smi "go_raft_agency/raft/state_machine_interface"
)

// MemoryStore 内存中的集合存储，Update 在副本上执行，成功后替换
type MemoryStore struct {
	mutex       sync.RWMutex
	collections map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.collections = emptyCollections()
	return s
}

func emptyCollections() map[string]map[string][]byte {
	cs := make(map[string]map[string][]byte, len(smi.Collections))
	for _, c := range smi.Collections {
		cs[c] = make(map[string][]byte)
	}
	return cs
}

func (s *MemoryStore) Update(fn func(tx smi.Tx) error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	cp := make(map[string]map[string][]byte, len(s.collections))
	for name, docs := range s.collections {
		m := make(map[string][]byte, len(docs))
		for k, v := range docs {
			m[k] = v
		}
		cp[name] = m
	}
	if err := fn(memoryTx{collections: cp}); err != nil {
		return err
	}
	s.collections = cp
	return nil
}

func (s *MemoryStore) View(fn func(tx smi.Tx) error) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return fn(memoryTx{collections: s.collections, readOnly: true})
}

func (s *MemoryStore) Drop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.collections = emptyCollections()
	return nil
}

// Count 集合中的文档数
func (s *MemoryStore) Count(collection string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.collections[collection])
}

type memoryTx struct {
	collections map[string]map[string][]byte
	readOnly    bool
}

func (t memoryTx) collection(name string) (map[string][]byte, error) {
	c, ok := t.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s does not exist", name)
	}
	return c, nil
}

func (t memoryTx) writable(name string) (map[string][]byte, error) {
	if t.readOnly {
		return nil, fmt.Errorf("collection %s: read-only transaction", name)
	}
	return t.collection(name)
}

func (t memoryTx) sortedKeys(c map[string][]byte) []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t memoryTx) Insert(collection, key string, doc []byte) error {
	c, err := t.writable(collection)
	if err != nil {
		return err
	}
	if _, ok := c[key]; ok {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateKey, collection, key)
	}
	c[key] = append([]byte(nil), doc...)
	return nil
}

func (t memoryTx) Replace(collection, key string, doc []byte) error {
	c, err := t.writable(collection)
	if err != nil {
		return err
	}
	c[key] = append([]byte(nil), doc...)
	return nil
}

func (t memoryTx) Get(collection, key string) ([]byte, bool, error) {
	c, err := t.collection(collection)
	if err != nil {
		return nil, false, err
	}
	v, ok := c[key]
	return v, ok, nil
}

func (t memoryTx) Ascend(collection, from string, fn func(key string, doc []byte) bool) error {
	c, err := t.collection(collection)
	if err != nil {
		return err
	}
	for _, k := range t.sortedKeys(c) {
		if k < from {
			continue
		}
		if !fn(k, c[k]) {
			break
		}
	}
	return nil
}

func (t memoryTx) Last(collection string) (string, []byte, bool, error) {
	c, err := t.collection(collection)
	if err != nil {
		return "", nil, false, err
	}
	keys := t.sortedKeys(c)
	if len(keys) == 0 {
		return "", nil, false, nil
	}
	k := keys[len(keys)-1]
	return k, c[k], true, nil
}

func (t memoryTx) DeleteBefore(collection, key string) error {
	c, err := t.writable(collection)
	if err != nil {
		return err
	}
	for k := range c {
		if k < key {
			delete(c, k)
		}
	}
	return nil
}

func (t memoryTx) DeleteFrom(collection, key string) error {
	c, err := t.writable(collection)
	if err != nil {
		return err
	}
	for k := range c {
		if k >= key {
			delete(c, k)
		}
	}
	return nil
}
