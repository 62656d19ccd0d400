package raft

import (
	"go_raft_agency/raft/common"
	smi "go_raft_agency/raft/state_machine_interface"

	log "github.com/sirupsen/logrus"
)

// 以下写路径失败时直接 panic：无法持久化的 RAFT 成员不能继续运行，
// 崩溃后重启并从持久化数据恢复。

// 快照保留 3 倍 keep size 范围内的历史快照
const compactRetainFactor = 3

const snapshotVersion = 1

func (s *State) persist(e common.LogEntry) {
	err := s.persister.Update(func(tx smi.Tx) error {
		return tx.Insert(smi.CollectionLog, indexKey(e.Index), encodeLogDocument(e))
	})
	if err != nil {
		log.WithError(err).Panicf("持久化日志条目失败 index:%d term:%d", e.Index, e.Term)
	}
}

// persistConf 日志条目与新配置在同一个事务里写入
func (s *State) persistConf(e common.LogEntry, cfg []byte) {
	err := s.persister.Update(func(tx smi.Tx) error {
		if err := tx.Insert(smi.CollectionLog, indexKey(e.Index), encodeLogDocument(e)); err != nil {
			return err
		}
		return tx.Replace(smi.CollectionConfiguration, configurationKey, encodeConfigurationDocument(cfg))
	})
	if err != nil {
		log.WithError(err).Panicf("持久化重配置日志条目失败 index:%d term:%d", e.Index, e.Term)
	}
}

// persistCompactionSnapshot 写入快照，并删除 pruneBefore 之前的旧快照
func (s *State) persistCompactionSnapshot(snap common.Snapshot, pruneBefore common.Index) {
	err := s.persister.Update(func(tx smi.Tx) error {
		if err := tx.Replace(smi.CollectionCompact, indexKey(snap.Index), encodeCompactDocument(snap)); err != nil {
			return err
		}
		if pruneBefore > 0 {
			return tx.DeleteBefore(smi.CollectionCompact, indexKey(pruneBefore))
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Panicf("持久化压缩快照失败 index:%d term:%d", snap.Index, snap.Term)
	}
}

// persistSnapshotAdoption follower 接受 leader 的快照：写快照，清空日志，写入快照位置的占位条目
func (s *State) persistSnapshotAdoption(snap common.Snapshot, placeholder common.LogEntry) {
	err := s.persister.Update(func(tx smi.Tx) error {
		if err := tx.Replace(smi.CollectionCompact, indexKey(snap.Index), encodeCompactDocument(snap)); err != nil {
			return err
		}
		if err := tx.DeleteFrom(smi.CollectionLog, ""); err != nil {
			return err
		}
		return tx.Insert(smi.CollectionLog, indexKey(placeholder.Index), encodeLogDocument(placeholder))
	})
	if err != nil {
		log.WithError(err).Panicf("持久化leader快照失败 index:%d term:%d", snap.Index, snap.Term)
	}
}

func (s *State) persistTruncateFrom(index common.Index) {
	err := s.persister.Update(func(tx smi.Tx) error {
		return tx.DeleteFrom(smi.CollectionLog, indexKey(index))
	})
	if err != nil {
		log.WithError(err).Panicf("删除冲突日志失败 from:%d", index)
	}
}

func (s *State) persistTrimBefore(index common.Index) {
	err := s.persister.Update(func(tx smi.Tx) error {
		return tx.DeleteBefore(smi.CollectionLog, indexKey(index))
	})
	if err != nil {
		log.WithError(err).Panicf("裁剪已压缩日志失败 before:%d", index)
	}
}

// persistElection 任期/投票变更，每次变更一条记录，旧任期的记录一起删掉
func persistElection(p smi.Persister, st common.ElectionState) {
	err := p.Update(func(tx smi.Tx) error {
		if err := tx.Replace(smi.CollectionElection, termKey(st.Term), encodeElectionDocument(st)); err != nil {
			return err
		}
		return tx.DeleteBefore(smi.CollectionElection, termKey(st.Term))
	})
	if err != nil {
		log.WithError(err).Panicf("持久化任期与投票失败 term:%d votedFor:%q", st.Term, st.VotedFor)
	}
}

func readElection(p smi.Persister) (common.ElectionState, bool, error) {
	var (
		st    common.ElectionState
		found bool
	)
	err := p.View(func(tx smi.Tx) error {
		_, doc, ok, err := tx.Last(smi.CollectionElection)
		if err != nil || !ok {
			return err
		}
		found = true
		st, err = decodeElectionDocument(doc)
		return err
	})
	return st, found, err
}
