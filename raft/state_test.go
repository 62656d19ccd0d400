package raft

import (
	"errors"
	"fmt"
	"testing"

	"go_raft_agency/raft/common"
	smi "go_raft_agency/raft/state_machine_interface"
	"go_raft_agency/server/storage"

	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T, opts ...StateOption) (*State, *storage.MemoryStore) {
	t.Helper()
	p := storage.NewMemoryStore()
	s := NewState(p, storage.NewStore, opts...)
	require.NoError(t, s.LoadPersisted())
	return s, p
}

func setOp(key string, val int) []byte {
	return []byte(fmt.Sprintf(`{"op":"set","key":%q,"val":%d}`, key, val))
}

func entry(index common.Index, term common.Term, payload []byte) common.LogEntry {
	return common.LogEntry{Index: index, Term: term, Entry: payload, Timestamp: common.NowMillis()}
}

func TestLogLeaderAssignsConsecutiveIndices(t *testing.T) {
	s, p := newTestState(t)

	for i := 1; i <= 3; i++ {
		idx := s.LogLeaderSingle(setOp("k", i), 1, "")
		require.Equal(t, common.Index(i), idx)
	}
	require.Equal(t, common.Index(0), s.FirstIndex())
	require.Equal(t, common.Index(3), s.LastIndex())
	require.Equal(t, 4, p.Count(smi.CollectionLog))

	e, err := s.At(2)
	require.NoError(t, err)
	require.Equal(t, common.Term(1), e.Term)
	require.JSONEq(t, string(setOp("k", 2)), string(e.Entry))
}

func TestLogLeaderMultiSkipsInapplicable(t *testing.T) {
	s, _ := newTestState(t)

	txs := []common.Transaction{
		{Payload: setOp("a", 1), ClientId: "c1"},
		{Payload: setOp("b", 2), ClientId: "c2"},
		{Payload: setOp("c", 3), ClientId: "c1"},
	}
	indices, err := s.LogLeaderMulti(txs, []bool{true, false, true}, 2)
	require.NoError(t, err)
	require.Equal(t, []common.Index{1, 0, 2}, indices)
	require.Equal(t, common.Index(2), s.LastIndex())
	require.Equal(t, []common.Index{2, 0, 0}, s.Inquire([]string{"c1", "c2", "nobody"}))
}

func TestLogLeaderMultiMalformed(t *testing.T) {
	s, _ := newTestState(t)

	_, err := s.LogLeaderMulti([]common.Transaction{{Payload: setOp("a", 1)}}, []bool{true, true}, 1)
	require.ErrorIs(t, err, common.ErrMalformedRequest)

	_, err = s.LogLeaderMulti([]common.Transaction{{}}, []bool{true}, 1)
	require.ErrorIs(t, err, common.ErrMalformedRequest)
	require.Equal(t, common.Index(0), s.LastIndex())

	// 不写入的事务可以没有负载
	indices, err := s.LogLeaderMulti([]common.Transaction{{}}, []bool{false}, 1)
	require.NoError(t, err)
	require.Equal(t, []common.Index{0}, indices)
}

func TestLogLeaderReconfigurationPersistsConfiguration(t *testing.T) {
	s, _ := newTestState(t)

	_, ok, err := s.Configuration()
	require.NoError(t, err)
	require.False(t, ok)

	payload := []byte(`{"/.agency":{"op":"set","new":{"active":["a","b","c"],"pool":{"a":"x:1","b":"x:2","c":"x:3"}}}}`)
	s.LogLeaderSingle(payload, 1, "")

	cfg, ok, err := s.Configuration()
	require.NoError(t, err)
	require.True(t, ok)
	doc, err := common.ParseConfigDocument(cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, doc.Active)
}

func TestLogFollowerSkipsDuplicates(t *testing.T) {
	s, p := newTestState(t)

	last, err := s.LogFollower(common.FollowerBatch{Entries: []common.LogEntry{
		entry(1, 1, setOp("a", 1)), entry(2, 1, setOp("a", 2)), entry(3, 1, setOp("a", 3)),
	}})
	require.NoError(t, err)
	require.Equal(t, common.Index(3), last)

	last, err = s.LogFollower(common.FollowerBatch{Entries: []common.LogEntry{
		entry(2, 1, setOp("a", 2)), entry(3, 1, setOp("a", 3)), entry(4, 1, setOp("a", 4)),
	}})
	require.NoError(t, err)
	require.Equal(t, common.Index(4), last)
	require.Equal(t, 5, p.Count(smi.CollectionLog))
}

func TestLogFollowerTruncatesConflicts(t *testing.T) {
	s, p := newTestState(t)

	old := []common.LogEntry{entry(1, 1, setOp("a", 1)), entry(2, 1, setOp("a", 2)), entry(3, 1, setOp("a", 3))}
	old[2].ClientId = "stale"
	_, err := s.LogFollower(common.FollowerBatch{Entries: old})
	require.NoError(t, err)
	require.Equal(t, []common.Index{3}, s.Inquire([]string{"stale"}))

	last, err := s.LogFollower(common.FollowerBatch{Entries: []common.LogEntry{
		entry(2, 2, setOp("b", 2)),
	}})
	require.NoError(t, err)
	require.Equal(t, common.Index(2), last)

	e, err := s.At(2)
	require.NoError(t, err)
	require.Equal(t, common.Term(2), e.Term)
	require.Equal(t, common.LogMismatch, s.CheckLog(3, 1))
	require.Equal(t, []common.Index{0}, s.Inquire([]string{"stale"}))
	require.Equal(t, 3, p.Count(smi.CollectionLog))
}

func TestLogFollowerFillsGaps(t *testing.T) {
	s, _ := newTestState(t)

	last, err := s.LogFollower(common.FollowerBatch{Entries: []common.LogEntry{
		entry(1, 1, setOp("a", 1)), entry(4, 1, setOp("a", 4)),
	}})
	require.NoError(t, err)
	require.Equal(t, common.Index(4), last)

	for _, idx := range []common.Index{2, 3} {
		e, err := s.At(idx)
		require.NoError(t, err)
		require.True(t, e.Empty())
		require.Equal(t, common.Term(0), e.Term)
	}
}

func TestLogFollowerRejectsMalformedBatch(t *testing.T) {
	s, _ := newTestState(t)

	for name, batch := range map[string]common.FollowerBatch{
		"zero index":      {Entries: []common.LogEntry{entry(0, 1, setOp("a", 1))}},
		"not increasing":  {Entries: []common.LogEntry{entry(2, 1, setOp("a", 1)), entry(2, 1, setOp("a", 2))}},
		"snapshot index0": {Snapshot: &common.Snapshot{Term: 1}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.LogFollower(batch)
			require.ErrorIs(t, err, common.ErrMalformedRequest)
			require.Equal(t, common.Index(0), s.LastIndex())
		})
	}
}

func TestLogFollowerAdoptsSnapshot(t *testing.T) {
	var adopted []common.Snapshot
	s, _ := newTestState(t, WithSnapshotListener(func(snap common.Snapshot) {
		adopted = append(adopted, snap)
	}))
	s.LogLeaderSingle(setOp("old", 1), 1, "c")

	snap := common.Snapshot{Index: 10, Term: 2, State: []byte(`{"a":"5"}`), Version: 1}
	last, err := s.LogFollower(common.FollowerBatch{
		Snapshot: &snap,
		Entries:  []common.LogEntry{entry(11, 2, setOp("a", 6))},
	})
	require.NoError(t, err)
	require.Equal(t, common.Index(11), last)
	require.Equal(t, common.Index(10), s.FirstIndex())
	require.Equal(t, common.Index(10), s.LastCompactionAt())
	require.Len(t, adopted, 1)
	require.Equal(t, common.Index(10), adopted[0].Index)
	require.Equal(t, []common.Index{0}, s.Inquire([]string{"c"}))

	persisted, ok, err := s.LastSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, common.Term(2), persisted.Term)

	store, applied, err := s.StoreAt(11)
	require.NoError(t, err)
	require.Equal(t, common.Index(11), applied)
	v, ok := store.(*storage.Gomap).Get("a")
	require.True(t, ok)
	require.Equal(t, "6", v)
}

func TestLogFollowerIgnoresContainedSnapshot(t *testing.T) {
	var adopted int
	s, _ := newTestState(t, WithSnapshotListener(func(common.Snapshot) { adopted++ }))
	for i := 1; i <= 5; i++ {
		s.LogLeaderSingle(setOp("a", i), 1, "")
	}

	last, err := s.LogFollower(common.FollowerBatch{Snapshot: &common.Snapshot{Index: 3, Term: 1}})
	require.NoError(t, err)
	require.Equal(t, common.Index(5), last)
	require.Equal(t, 0, adopted)
	require.Equal(t, common.Index(0), s.FirstIndex())

	// 同一位置任期不同时接受
	_, err = s.LogFollower(common.FollowerBatch{Snapshot: &common.Snapshot{Index: 3, Term: 2, State: []byte(`{}`)}})
	require.NoError(t, err)
	require.Equal(t, 1, adopted)
	require.Equal(t, common.Index(3), s.FirstIndex())
	require.Equal(t, common.Index(3), s.LastIndex())
}

func TestCheckLogTriState(t *testing.T) {
	s, _ := newTestState(t)
	for i := 1; i <= 6; i++ {
		s.LogLeaderSingle(setOp("a", i), 1, "")
	}
	require.True(t, s.Compact(4, 2))

	require.Equal(t, common.LogUnknown, s.CheckLog(1, 7))
	require.Equal(t, common.LogMatch, s.CheckLog(5, 1))
	require.Equal(t, common.LogMismatch, s.CheckLog(5, 2))
	require.Equal(t, common.LogMismatch, s.CheckLog(7, 1))
	require.True(t, s.Has(6, 1))
	require.False(t, s.Has(1, 1))
}

func TestGetAndAtBounds(t *testing.T) {
	s, _ := newTestState(t)
	for i := 1; i <= 10; i++ {
		s.LogLeaderSingle(setOp("a", i), 1, "")
	}
	require.True(t, s.Compact(8, 3))
	require.Equal(t, common.Index(5), s.FirstIndex())

	_, err := s.At(4)
	require.ErrorIs(t, err, common.ErrIndexNotRetained)
	_, err = s.At(11)
	require.ErrorIs(t, err, common.ErrIndexNotRetained)

	_, err = s.Get(2, 6)
	require.ErrorIs(t, err, common.ErrIndexNotRetained)

	entries, err := s.Get(9, 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, common.Index(10), entries[1].Index)

	entries, err = s.Get(11, 20)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCompactIsIdempotentAndBounded(t *testing.T) {
	s, p := newTestState(t)
	for i := 1; i <= 14; i++ {
		s.LogLeaderSingle(setOp("k", i), 1, "")
	}

	require.False(t, s.Compact(15, 1))
	require.True(t, s.Compact(8, 1))
	require.Equal(t, common.Index(8), s.LastCompactionAt())
	require.Equal(t, common.Index(7), s.FirstIndex())
	require.Equal(t, common.Index(14), s.LastIndex())

	require.True(t, s.Compact(8, 1))
	require.True(t, s.Compact(6, 1))
	require.Equal(t, common.Index(7), s.FirstIndex())
	require.Equal(t, 1, p.Count(smi.CollectionCompact))

	require.True(t, s.Compact(10, 1))
	require.Equal(t, 2, p.Count(smi.CollectionCompact))
	// 12-3 之前的快照被删除
	require.True(t, s.Compact(12, 1))
	require.Equal(t, 2, p.Count(smi.CollectionCompact))
	require.Equal(t, 14-11+1, p.Count(smi.CollectionLog))

	snap, ok, err := s.LastSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, common.Index(12), snap.Index)
	require.JSONEq(t, `{"k":"12"}`, string(snap.State))
}

func TestCompactKeepLargerThanTarget(t *testing.T) {
	s, _ := newTestState(t)
	for i := 1; i <= 5; i++ {
		s.LogLeaderSingle(setOp("k", i), 1, "")
	}
	require.True(t, s.Compact(3, 100))
	require.Equal(t, common.Index(0), s.FirstIndex())
	require.Equal(t, common.Index(3), s.LastCompactionAt())
	require.Equal(t, common.Index(13), s.NextCompactionAfter(10))
}

func TestLoadPersistedRestoresLog(t *testing.T) {
	p := storage.NewMemoryStore()
	s := NewState(p, storage.NewStore)
	require.NoError(t, s.LoadPersisted())
	for i := 1; i <= 10; i++ {
		s.LogLeaderSingle(setOp("k", i), common.Term(1+i/5), fmt.Sprintf("c%d", i%2))
	}
	require.True(t, s.Compact(6, 2))

	reloaded := NewState(p, storage.NewStore)
	require.NoError(t, reloaded.LoadPersisted())
	require.Equal(t, common.Index(6), reloaded.FirstIndex())
	require.Equal(t, common.Index(6), reloaded.LastCompactionAt())
	require.Equal(t, s.LastIndex(), reloaded.LastIndex())
	require.Equal(t, s.LastLog().Term, reloaded.LastLog().Term)
	require.Equal(t, []common.Index{10, 9}, reloaded.Inquire([]string{"c0", "c1"}))

	for idx := common.Index(7); idx <= 10; idx++ {
		want, err := s.At(idx)
		require.NoError(t, err)
		got, err := reloaded.At(idx)
		require.NoError(t, err)
		require.Equal(t, want.Entry, got.Entry)
		require.Equal(t, want.Term, got.Term)
	}

	store, applied, err := reloaded.StoreAt(10)
	require.NoError(t, err)
	require.Equal(t, common.Index(10), applied)
	v, _ := store.(*storage.Gomap).Get("k")
	require.Equal(t, "10", v)
}

func TestLoadPersistedFillsGapsAndPlaceholder(t *testing.T) {
	p := storage.NewMemoryStore()
	require.NoError(t, p.Update(func(tx smi.Tx) error {
		require.NoError(t, tx.Replace(smi.CollectionCompact, indexKey(4), encodeCompactDocument(common.Snapshot{Index: 4, Term: 2, State: []byte(`{}`)})))
		require.NoError(t, tx.Insert(smi.CollectionLog, indexKey(5), encodeLogDocument(entry(5, 2, setOp("a", 5)))))
		return tx.Insert(smi.CollectionLog, indexKey(7), encodeLogDocument(entry(7, 3, setOp("a", 7))))
	}))

	s := NewState(p, storage.NewStore)
	require.NoError(t, s.LoadPersisted())
	require.Equal(t, common.Index(4), s.FirstIndex())
	require.Equal(t, common.Index(7), s.LastIndex())

	placeholder, err := s.At(4)
	require.NoError(t, err)
	require.Equal(t, common.Term(2), placeholder.Term)
	filler, err := s.At(6)
	require.NoError(t, err)
	require.True(t, filler.Empty())
}

func TestLoadPersistedDropsUnreadableState(t *testing.T) {
	p := storage.NewMemoryStore()
	require.NoError(t, p.Update(func(tx smi.Tx) error {
		return tx.Insert(smi.CollectionLog, indexKey(1), []byte{0xff})
	}))

	s := NewState(p, storage.NewStore)
	require.NoError(t, s.LoadPersisted())
	require.Equal(t, common.Index(0), s.LastIndex())
	require.Equal(t, 1, p.Count(smi.CollectionLog))
}

type failingPersister struct {
	*storage.MemoryStore
}

func (failingPersister) Update(func(tx smi.Tx) error) error {
	return errors.New("disk full")
}

func TestPersistFailureIsFatal(t *testing.T) {
	s := NewState(failingPersister{storage.NewMemoryStore()}, storage.NewStore)
	require.Panics(t, func() {
		s.LogLeaderSingle(setOp("a", 1), 1, "")
	})
	require.Panics(t, func() {
		_, _ = s.LogFollower(common.FollowerBatch{Entries: []common.LogEntry{entry(1, 1, setOp("a", 1))}})
	})
}
