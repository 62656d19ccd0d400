package raft

import (
	"fmt"

	"go_raft_agency/raft/common"
	smi "go_raft_agency/raft/state_machine_interface"

	log "github.com/sirupsen/logrus"
)

/*
* Compact 把 target 及之前的日志折叠成快照
* 1. 从最近的快照开始，应用 (快照索引, target] 之间的日志
* 2. 持久化新快照，删除 target-3*keep 之前的旧快照
* 3. 内存和持久化日志裁剪到 target-keep，保证日志不为空
* 已经压缩过的位置再次压缩直接返回 true
 */
func (s *State) Compact(target common.Index, keep uint64) bool {
	w, unlock := s.lock()
	defer unlock()

	if target <= s.lastCompactionAt {
		log.Debugf("已经压缩到 %d，忽略压缩到 %d", s.lastCompactionAt, target)
		return true
	}
	if target > w.lastIndex() {
		log.Warnf("无法压缩到 %d，最后一条日志是 %d", target, w.lastIndex())
		return false
	}

	base, found, err := s.lastSnapshot()
	if err != nil {
		log.WithError(err).Error("读取最近快照失败，放弃压缩")
		return false
	}
	if !found {
		base = common.Snapshot{}
	}
	if base.Index+1 < s.cur {
		log.Errorf("快照 %d 与内存日志首条 %d 之间缺少日志，放弃压缩", base.Index, s.cur)
		return false
	}

	store, err := w.fold(base, target)
	if err != nil {
		log.WithError(err).Errorf("折叠日志 (%d, %d] 失败", base.Index, target)
		return false
	}
	data, err := store.Dump()
	if err != nil {
		log.WithError(err).Error("导出状态机失败")
		return false
	}
	atTarget, _ := w.at(target)
	snap := common.Snapshot{Index: target, Term: atTarget.Term, State: data, Version: snapshotVersion}

	var pruneBefore common.Index
	if retain := common.Index(compactRetainFactor * keep); target > retain {
		pruneBefore = target - retain
	}
	s.persistCompactionSnapshot(snap, pruneBefore)
	s.lastCompactionAt = target
	s.metrics.Inc(smi.MetricCompactions)

	if common.Index(keep) < target {
		w.trimBefore(target - common.Index(keep))
	}
	log.Infof("压缩完成 index:%d term:%d，内存日志 [%d, %d]", target, snap.Term, s.cur, w.lastIndex())
	return true
}

// fold 从 base 快照恢复状态机，并应用 (base.Index, upto] 的日志
func (v logView) fold(base common.Snapshot, upto common.Index) (smi.Store, error) {
	store := v.s.newStore()
	if base.State != nil {
		if err := store.Restore(base.State); err != nil {
			return nil, fmt.Errorf("restore snapshot %d: %w", base.Index, err)
		}
	}
	if upto <= base.Index {
		return store, nil
	}
	from := base.Index + 1
	if from < v.s.cur {
		return nil, fmt.Errorf("%w: need entries from %d, first index is %d", common.ErrIndexNotRetained, from, v.s.cur)
	}
	if upto > v.lastIndex() {
		upto = v.lastIndex()
	}
	if err := store.Apply(v.slice(from, upto)); err != nil {
		return nil, err
	}
	return store, nil
}

// StoreAt 用最近的快照和日志重建 index 位置的状态机，返回实际应用到的索引
func (s *State) StoreAt(index common.Index) (smi.Store, common.Index, error) {
	v, unlock := s.rlock()
	defer unlock()
	base, found, err := s.lastSnapshot()
	if err != nil {
		return nil, 0, err
	}
	if !found {
		base = common.Snapshot{}
	}
	if index < base.Index {
		index = base.Index
	}
	if index > v.lastIndex() {
		index = v.lastIndex()
	}
	store, err := v.fold(base, index)
	if err != nil {
		return nil, 0, err
	}
	return store, index, nil
}

// LastSnapshot 最近持久化的快照，leader 用它给落后的 follower 同步
func (s *State) LastSnapshot() (common.Snapshot, bool, error) {
	return s.lastSnapshot()
}

func (s *State) lastSnapshot() (common.Snapshot, bool, error) {
	var (
		snap  common.Snapshot
		found bool
	)
	err := s.persister.View(func(tx smi.Tx) error {
		key, doc, ok, err := tx.Last(smi.CollectionCompact)
		if err != nil || !ok {
			return err
		}
		found = true
		snap, err = decodeCompactDocument(key, doc)
		return err
	})
	return snap, found, err
}

// Configuration 持久化的集群配置
func (s *State) Configuration() ([]byte, bool, error) {
	var cfg []byte
	err := s.persister.View(func(tx smi.Tx) error {
		doc, ok, err := tx.Get(smi.CollectionConfiguration, configurationKey)
		if err != nil || !ok {
			return err
		}
		cfg, err = decodeConfigurationDocument(doc)
		return err
	})
	return cfg, cfg != nil, err
}

/*
* LoadPersisted 启动时恢复
* 1. loadCompacted 读取最近的快照，确定 cur
* 2. loadRemaining 读取 cur 之后的日志，空洞补空条目
* 无法恢复时删除并重建所有集合，从哨兵条目重新开始
 */
func (s *State) LoadPersisted() error {
	w, unlock := s.lock()
	defer unlock()

	snap, hasSnapshot, err := w.loadCompacted()
	if err == nil {
		err = w.loadRemaining(snap, hasSnapshot)
	}
	if err == nil {
		log.Infof("恢复日志完成，内存日志 [%d, %d]，最近快照 %d", s.cur, w.lastIndex(), s.lastCompactionAt)
		return nil
	}

	log.WithError(err).Error("无法从持久化数据恢复日志，删除并重建所有集合")
	if err := s.persister.Drop(); err != nil {
		return fmt.Errorf("drop collections: %w", err)
	}
	w.reset()
	s.persist(s.log[0])
	return nil
}

func (w logWriter) reset() {
	w.s.log = []common.LogEntry{{}}
	w.s.cur = 0
	w.s.clientIdIndex = make(map[string][]common.Index)
	w.s.lastCompactionAt = 0
}

func (w logWriter) loadCompacted() (common.Snapshot, bool, error) {
	snap, found, err := w.s.lastSnapshot()
	if err != nil {
		return snap, false, err
	}
	w.reset()
	if found {
		w.s.cur = snap.Index
		w.s.lastCompactionAt = snap.Index
		log.Infof("读取到快照 index:%d term:%d", snap.Index, snap.Term)
	}
	return snap, found, nil
}

func (w logWriter) loadRemaining(snap common.Snapshot, hasSnapshot bool) error {
	var entries []common.LogEntry
	err := w.s.persister.View(func(tx smi.Tx) error {
		var derr error
		ferr := tx.Ascend(smi.CollectionLog, indexKey(w.s.cur), func(key string, doc []byte) bool {
			var e common.LogEntry
			e, derr = decodeLogDocument(key, doc)
			if derr != nil {
				return false
			}
			entries = append(entries, e)
			return true
		})
		if ferr != nil {
			return ferr
		}
		return derr
	})
	if err != nil {
		return err
	}

	w.s.log = w.s.log[:0]
	if len(entries) == 0 || entries[0].Index > w.s.cur {
		if !hasSnapshot && len(entries) == 0 {
			// 全新的集合
			sentinel := common.LogEntry{}
			w.s.persist(sentinel)
			w.s.log = append(w.s.log, sentinel)
			return nil
		}
		// 快照位置没有日志，补一条快照任期的占位条目
		w.s.log = append(w.s.log, common.LogEntry{Index: w.s.cur, Term: snap.Term})
	}
	for _, e := range entries {
		next := w.s.cur + common.Index(len(w.s.log))
		for ; next < e.Index; next++ {
			log.Warnf("持久化日志出现空洞，补空条目 index:%d", next)
			w.s.log = append(w.s.log, common.LogEntry{Index: next})
		}
		w.s.log = append(w.s.log, e)
		if e.ClientId != "" {
			w.s.clientIdIndex[e.ClientId] = append(w.s.clientIdIndex[e.ClientId], e.Index)
		}
	}
	if len(w.s.log) == 0 {
		return fmt.Errorf("no log state could be constructed from index %d", w.s.cur)
	}
	w.s.metrics.Set(smi.MetricLogFirstIndex, float64(w.s.cur))
	w.s.metrics.Set(smi.MetricLogLastIndex, float64(w.lastIndex()))
	return nil
}
