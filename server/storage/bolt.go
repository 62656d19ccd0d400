package storage

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	smi "go_raft_agency/raft/state_machine_interface"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var ErrDuplicateKey = errors.New("storage: duplicate key")

// BoltStore 每个集合对应一个 bucket，key 按字节序排列
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(dir string) (*BoltStore, error) {
	path := filepath.Join(dir, "agency.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s := &BoltStore{db: db}
	if err := s.createCollections(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("打开持久化存储 %s", path)
	return s, nil
}

func (s *BoltStore) createCollections() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, c := range smi.Collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return fmt.Errorf("create collection %s: %w", c, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Update(fn func(tx smi.Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(boltTx{tx: tx})
	})
}

func (s *BoltStore) View(fn func(tx smi.Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(boltTx{tx: tx})
	})
}

func (s *BoltStore) Drop() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, c := range smi.Collections {
			if err := tx.DeleteBucket([]byte(c)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("drop collection %s: %w", c, err)
			}
			if _, err := tx.CreateBucket([]byte(c)); err != nil {
				return fmt.Errorf("create collection %s: %w", c, err)
			}
		}
		return nil
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func (t boltTx) bucket(collection string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(collection))
	if b == nil {
		return nil, fmt.Errorf("collection %s does not exist", collection)
	}
	return b, nil
}

func (t boltTx) Insert(collection, key string, doc []byte) error {
	b, err := t.bucket(collection)
	if err != nil {
		return err
	}
	if b.Get([]byte(key)) != nil {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateKey, collection, key)
	}
	return b.Put([]byte(key), doc)
}

func (t boltTx) Replace(collection, key string, doc []byte) error {
	b, err := t.bucket(collection)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), doc)
}

func (t boltTx) Get(collection, key string) ([]byte, bool, error) {
	b, err := t.bucket(collection)
	if err != nil {
		return nil, false, err
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, false, nil
	}
	// bolt 返回的切片只在事务内有效
	return append([]byte(nil), v...), true, nil
}

func (t boltTx) Ascend(collection, from string, fn func(key string, doc []byte) bool) error {
	b, err := t.bucket(collection)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, v := c.Seek([]byte(from)); k != nil; k, v = c.Next() {
		if !fn(string(k), v) {
			break
		}
	}
	return nil
}

func (t boltTx) Last(collection string) (string, []byte, bool, error) {
	b, err := t.bucket(collection)
	if err != nil {
		return "", nil, false, err
	}
	k, v := b.Cursor().Last()
	if k == nil {
		return "", nil, false, nil
	}
	return string(k), append([]byte(nil), v...), true, nil
}

func (t boltTx) DeleteBefore(collection, key string) error {
	b, err := t.bucket(collection)
	if err != nil {
		return err
	}
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && bytes.Compare(k, []byte(key)) < 0; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	return deleteKeys(b, keys)
}

func (t boltTx) DeleteFrom(collection, key string) error {
	b, err := t.bucket(collection)
	if err != nil {
		return err
	}
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek([]byte(key)); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	return deleteKeys(b, keys)
}

// deleteKeys 遍历游标时删除会跳过元素，先收集再删除
func deleteKeys(b *bolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
