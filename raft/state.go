package raft

import (
	"errors"
	"fmt"
	"sync"

	"go_raft_agency/raft/common"
	smi "go_raft_agency/raft/state_machine_interface"

	log "github.com/sirupsen/logrus"
)

/*
* State 复制日志
* 1. 内存中的日志按索引连续，且永远不为空（索引0为空哨兵条目，压缩后保留至少 keep 条）
* 2. 所有写入先持久化，成功后才追加到内存
* 3. 需要持锁的内部方法定义在 logView / logWriter 上，只能通过 rlock()/lock() 拿到
 */
type State struct {
	mutex             sync.RWMutex
	log               []common.LogEntry         // log[i].Index == cur + i
	cur               common.Index              // 内存中最早的日志索引
	clientIdIndex     map[string][]common.Index // clientId -> 写入过的日志索引（升序）
	lastCompactionAt  common.Index              // 最近一次快照的索引
	persister         smi.Persister
	newStore          smi.StoreFactory
	metrics           smi.Metrics
	onSnapshotAdopted func(common.Snapshot)
}

type StateOption func(*State)

func WithStateMetrics(m smi.Metrics) StateOption {
	return func(s *State) { s.metrics = m }
}

// WithSnapshotListener follower 接受leader快照后回调，驱动方据此重建状态机
func WithSnapshotListener(fn func(common.Snapshot)) StateOption {
	return func(s *State) { s.onSnapshotAdopted = fn }
}

func NewState(persister smi.Persister, newStore smi.StoreFactory, opts ...StateOption) *State {
	s := &State{
		log:           []common.LogEntry{{}},
		clientIdIndex: make(map[string][]common.Index),
		persister:     persister,
		newStore:      newStore,
		metrics:       smi.NopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// logView 至少持有读锁
type logView struct {
	s *State
}

// logWriter 持有写锁
type logWriter struct {
	logView
}

func (s *State) rlock() (logView, func()) {
	s.mutex.RLock()
	return logView{s: s}, s.mutex.RUnlock
}

func (s *State) lock() (logWriter, func()) {
	s.mutex.Lock()
	return logWriter{logView{s: s}}, s.mutex.Unlock
}

func (v logView) lastIndex() common.Index {
	return v.s.log[len(v.s.log)-1].Index
}

func (v logView) lastLog() common.LogEntry {
	return v.s.log[len(v.s.log)-1]
}

func (v logView) at(index common.Index) (common.LogEntry, error) {
	if index < v.s.cur || index > v.lastIndex() {
		return common.LogEntry{}, fmt.Errorf("%w: %d not in [%d, %d]", common.ErrIndexNotRetained, index, v.s.cur, v.lastIndex())
	}
	return v.s.log[index-v.s.cur], nil
}

func (v logView) checkLog(index common.Index, term common.Term) common.CheckResult {
	if index < v.s.cur {
		return common.LogUnknown
	}
	e, err := v.at(index)
	if err != nil {
		return common.LogMismatch
	}
	if e.Term != term {
		return common.LogMismatch
	}
	return common.LogMatch
}

// slice 返回 [start, end] 的副本，调用方保证范围合法
func (v logView) slice(start, end common.Index) []common.LogEntry {
	if end < start {
		return nil
	}
	out := make([]common.LogEntry, end-start+1)
	copy(out, v.s.log[start-v.s.cur:end-v.s.cur+1])
	return out
}

func (w logWriter) appendEntry(e common.LogEntry) {
	w.s.log = append(w.s.log, e)
	if e.ClientId != "" {
		w.s.clientIdIndex[e.ClientId] = append(w.s.clientIdIndex[e.ClientId], e.Index)
	}
	w.s.metrics.Inc(smi.MetricLogAppends)
	w.s.metrics.Set(smi.MetricLogLastIndex, float64(e.Index))
}

// forget 从 clientIdIndex 中删除将被移除的条目
func (w logWriter) forget(entries []common.LogEntry) {
	for _, e := range entries {
		if e.ClientId == "" {
			continue
		}
		indices := w.s.clientIdIndex[e.ClientId]
		kept := indices[:0]
		for _, i := range indices {
			if i != e.Index {
				kept = append(kept, i)
			}
		}
		if len(kept) == 0 {
			delete(w.s.clientIdIndex, e.ClientId)
		} else {
			w.s.clientIdIndex[e.ClientId] = kept
		}
	}
}

// truncateFrom 删除 index 及之后的日志（持久化与内存），index 必须大于 cur
func (w logWriter) truncateFrom(index common.Index) {
	w.s.persistTruncateFrom(index)
	pos := index - w.s.cur
	w.forget(w.s.log[pos:])
	w.s.log = append([]common.LogEntry(nil), w.s.log[:pos]...)
	w.s.metrics.Inc(smi.MetricLogTruncations)
	w.s.metrics.Set(smi.MetricLogLastIndex, float64(w.lastIndex()))
}

// trimBefore 删除 index 之前的日志（持久化与内存），index 必须不超过 lastIndex
func (w logWriter) trimBefore(index common.Index) {
	if index <= w.s.cur {
		return
	}
	w.s.persistTrimBefore(index)
	pos := index - w.s.cur
	w.forget(w.s.log[:pos])
	w.s.log = append([]common.LogEntry(nil), w.s.log[pos:]...)
	w.s.cur = index
	w.s.metrics.Set(smi.MetricLogFirstIndex, float64(index))
}

// logNonBlocking leader 追加一条日志，重配置条目和新配置一起持久化
func (w logWriter) logNonBlocking(payload []byte, term common.Term, clientId string) common.Index {
	e := common.LogEntry{
		Index:     w.lastIndex() + 1,
		Term:      term,
		Entry:     payload,
		ClientId:  clientId,
		Timestamp: common.NowMillis(),
	}
	if cfg, ok := common.IsReconfiguration(payload); ok {
		log.Infof("追加重配置日志 index:%d term:%d", e.Index, e.Term)
		w.s.persistConf(e, cfg)
	} else {
		w.s.persist(e)
	}
	w.appendEntry(e)
	return e.Index
}

// LogLeaderSingle leader 追加单条日志，返回分配的索引。持久化失败时进程终止。
func (s *State) LogLeaderSingle(payload []byte, term common.Term, clientId string) common.Index {
	w, unlock := s.lock()
	defer unlock()
	return w.logNonBlocking(payload, term, clientId)
}

// LogLeaderMulti 批量追加，applicable[i] 为 false 的事务不写日志，索引为0
func (s *State) LogLeaderMulti(txs []common.Transaction, applicable []bool, term common.Term) ([]common.Index, error) {
	if len(txs) != len(applicable) {
		return nil, fmt.Errorf("%w: %d transactions but %d applicability flags", common.ErrMalformedRequest, len(txs), len(applicable))
	}
	for i, tx := range txs {
		if applicable[i] && len(tx.Payload) == 0 {
			return nil, fmt.Errorf("%w: transaction %d has no payload", common.ErrMalformedRequest, i)
		}
	}

	w, unlock := s.lock()
	defer unlock()
	indices := make([]common.Index, len(txs))
	for i, tx := range txs {
		if !applicable[i] {
			continue
		}
		indices[i] = w.logNonBlocking(tx.Payload, term, tx.ClientId)
	}
	return indices, nil
}

func validateBatch(batch common.FollowerBatch) error {
	if batch.Snapshot != nil && batch.Snapshot.Index == 0 {
		return fmt.Errorf("%w: snapshot at index 0", common.ErrMalformedRequest)
	}
	var prev common.Index
	for i, e := range batch.Entries {
		if e.Index == 0 {
			return fmt.Errorf("%w: entry %d has index 0", common.ErrMalformedRequest, i)
		}
		if i > 0 && e.Index <= prev {
			return fmt.Errorf("%w: entry %d index %d not after %d", common.ErrMalformedRequest, i, e.Index, prev)
		}
		prev = e.Index
	}
	return nil
}

/*
* LogFollower follower 追加leader复制过来的批次
* 1. 批次带快照时决定是否接受：本地日志没到快照位置，或者快照位置的任期冲突时接受
* 2. removeConflicts 跳过已经存在的条目，遇到冲突时截断本地日志
* 3. 追加剩下的条目，中间有空洞时补空条目
* 整个过程持有写锁。返回本地最后一条日志的索引。
 */
func (s *State) LogFollower(batch common.FollowerBatch) (common.Index, error) {
	if err := validateBatch(batch); err != nil {
		return 0, err
	}

	w, unlock := s.lock()
	defer unlock()

	if batch.Snapshot != nil {
		adopt, err := w.snapshotDecision(*batch.Snapshot)
		if err != nil {
			return w.lastIndex(), err
		}
		if adopt {
			w.adoptSnapshot(*batch.Snapshot)
		} else {
			log.Debugf("忽略leader快照 index:%d term:%d，本地已经包含", batch.Snapshot.Index, batch.Snapshot.Term)
		}
	}

	ndups := w.removeConflicts(batch.Entries)
	for _, e := range batch.Entries[ndups:] {
		w.appendFollower(e)
	}
	return w.lastIndex(), nil
}

// snapshotDecision 接受 / 忽略 / 无法判断
func (v logView) snapshotDecision(snap common.Snapshot) (bool, error) {
	if v.lastIndex() < snap.Index {
		return true, nil
	}
	e, err := v.at(snap.Index)
	if errors.Is(err, common.ErrIndexNotRetained) {
		// 已经压缩过，必然已提交
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: index %d: %v", common.ErrSnapshotDecision, snap.Index, err)
	}
	return e.Term != snap.Term, nil
}

func (w logWriter) adoptSnapshot(snap common.Snapshot) {
	log.Infof("接受leader快照 index:%d term:%d，清空本地日志 [%d, %d]", snap.Index, snap.Term, w.s.cur, w.lastIndex())
	placeholder := common.LogEntry{Index: snap.Index, Term: snap.Term, Timestamp: common.NowMillis()}
	w.s.persistSnapshotAdoption(snap, placeholder)

	w.s.log = []common.LogEntry{placeholder}
	w.s.clientIdIndex = make(map[string][]common.Index)
	w.s.cur = snap.Index
	w.s.lastCompactionAt = snap.Index
	w.s.metrics.Inc(smi.MetricSnapshotsAdopted)
	w.s.metrics.Set(smi.MetricLogFirstIndex, float64(snap.Index))
	w.s.metrics.Set(smi.MetricLogLastIndex, float64(snap.Index))
	if w.s.onSnapshotAdopted != nil {
		w.s.onSnapshotAdopted(snap)
	}
}

// removeConflicts 返回批次开头需要跳过的条目数，遇到任期冲突时截断本地日志
func (w logWriter) removeConflicts(entries []common.LogEntry) int {
	for i, e := range entries {
		if e.Index < w.s.cur {
			continue
		}
		if e.Index > w.lastIndex() {
			return i
		}
		local, _ := w.at(e.Index)
		if local.Term == e.Term {
			continue
		}
		if e.Index == w.s.cur {
			// 保留窗口的第一条已经提交，不可能冲突
			log.Warnf("日志保留窗口首条 index:%d 任期 %d 与leader的 %d 不一致，跳过", e.Index, local.Term, e.Term)
			continue
		}
		log.Infof("日志冲突 index:%d 本地term:%d leader term:%d，截断 [%d, %d]", e.Index, local.Term, e.Term, e.Index, w.lastIndex())
		w.truncateFrom(e.Index)
		return i
	}
	return len(entries)
}

// appendFollower 持久化并追加，索引有空洞时先补空条目
func (w logWriter) appendFollower(e common.LogEntry) {
	for next := w.lastIndex() + 1; next < e.Index; next++ {
		log.Warnf("日志出现空洞，补空条目 index:%d (收到 index:%d)", next, e.Index)
		filler := common.LogEntry{Index: next, Timestamp: common.NowMillis()}
		w.s.persist(filler)
		w.appendEntry(filler)
	}
	w.s.persist(e)
	w.appendEntry(e)
}

// Get 返回 [start, end] 内的日志副本，end 超过尾部时截到尾部，start 超过尾部时返回空
func (s *State) Get(start, end common.Index) ([]common.LogEntry, error) {
	v, unlock := s.rlock()
	defer unlock()
	if start < s.cur {
		return nil, fmt.Errorf("%w: %d compacted, first index is %d", common.ErrIndexNotRetained, start, s.cur)
	}
	last := v.lastIndex()
	if start > last {
		return nil, nil
	}
	if end > last {
		end = last
	}
	return v.slice(start, end), nil
}

func (s *State) At(index common.Index) (common.LogEntry, error) {
	v, unlock := s.rlock()
	defer unlock()
	return v.at(index)
}

func (s *State) CheckLog(index common.Index, term common.Term) common.CheckResult {
	v, unlock := s.rlock()
	defer unlock()
	return v.checkLog(index, term)
}

func (s *State) Has(index common.Index, term common.Term) bool {
	return s.CheckLog(index, term) == common.LogMatch
}

func (s *State) LastLog() common.LogEntry {
	v, unlock := s.rlock()
	defer unlock()
	return v.lastLog()
}

func (s *State) FirstIndex() common.Index {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cur
}

func (s *State) LastIndex() common.Index {
	v, unlock := s.rlock()
	defer unlock()
	return v.lastIndex()
}

func (s *State) LastCompactionAt() common.Index {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastCompactionAt
}

// NextCompactionAfter 下一次压缩的位置
func (s *State) NextCompactionAfter(step uint64) common.Index {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastCompactionAt + common.Index(step)
}

// Inquire 每个 clientId 最近一次写入的索引，没有写过时为0
func (s *State) Inquire(clientIds []string) []common.Index {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]common.Index, len(clientIds))
	for i, id := range clientIds {
		if indices := s.clientIdIndex[id]; len(indices) > 0 {
			out[i] = indices[len(indices)-1]
		}
	}
	return out
}
