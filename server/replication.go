package server

import (
	"context"
	"errors"
	"sort"
	"time"

	"go_raft_agency/raft/common"
	"go_raft_agency/raft/rpc"
	"go_raft_agency/server/storage"

	log "github.com/sirupsen/logrus"
)

/*
* mainLoop 复制主循环
* 成为leader或有新日志时被唤醒，给落后的 follower 发送日志
* 没有唤醒时按最小心跳间隔巡检一次
 */
func (a *Agent) mainLoop() {
	defer a.wg.Done()
	for {
		interval := a.Config().MinPing / 4
		timer := time.NewTimer(interval)
		select {
		case <-a.stop:
			timer.Stop()
			log.Infof("节点 %s 复制主循环退出", a.id)
			return
		case <-a.wakeup:
			timer.Stop()
		case <-timer.C:
		}
		if !a.constituent.Leading() {
			continue
		}
		last := a.state.LastIndex()
		for _, f := range a.Config().Peers() {
			a.mutex.Lock()
			behind := a.nextIndex[f] <= last
			a.mutex.Unlock()
			if behind {
				go a.sendAppendEntries(f, true)
			}
		}
	}
}

/*
* sendAppendEntries 给 follower 发送一次 AppendEntries
* withEntries 为 false 时只发送心跳（prev 仍是 nextIndex-1，follower 可以据此推进 commit）
* nextIndex 已经被压缩掉时改为携带最近的快照
* 每个 follower 同时只有一个请求在途
 */
func (a *Agent) sendAppendEntries(followerId string, withEntries bool) {
	if a.stopped() || !a.constituent.Leading() {
		return
	}
	term := a.constituent.Term()

	a.mutex.Lock()
	if a.inflight[followerId] {
		a.mutex.Unlock()
		return
	}
	a.inflight[followerId] = true
	next, ok := a.nextIndex[followerId]
	if !ok || next == 0 {
		next = a.state.LastIndex() + 1
		a.nextIndex[followerId] = next
	}
	commit := a.commitIndex
	a.mutex.Unlock()

	defer func() {
		a.mutex.Lock()
		delete(a.inflight, followerId)
		a.mutex.Unlock()
	}()

	req, sentLast, err := a.buildAppendEntries(term, next, commit, withEntries)
	if err != nil {
		log.WithError(err).Warnf("无法构造发给 %s 的 AppendEntries", followerId)
		return
	}

	client, err := a.peerClient(followerId)
	if err != nil {
		log.WithError(err).Warnf("连接 %s 失败", followerId)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.rpcTimeout())
	defer cancel()
	resp, err := client.AppendEntries(ctx, req)
	a.constituent.NotifyHeartbeatSent(followerId)
	if err != nil {
		log.Debugf("发送 AppendEntries 到 %s 失败: %v", followerId, err)
		return
	}
	a.handleAppendEntriesResp(followerId, term, next, sentLast, resp)
}

// buildAppendEntries 返回请求与请求覆盖到的最后一个索引
func (a *Agent) buildAppendEntries(term common.Term, next, commit common.Index, withEntries bool) (*rpc.AppendEntriesReq, common.Index, error) {
	req := &rpc.AppendEntriesReq{
		Term:         term,
		LeaderId:     a.id,
		LeaderCommit: commit,
	}

	if next-1 < a.state.FirstIndex() {
		snap, ok, err := a.state.LastSnapshot()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, errors.New("log compacted but no snapshot persisted")
		}
		req.Snapshot = &snap
		next = snap.Index + 1
		withEntries = true
	} else {
		prev, err := a.state.At(next - 1)
		if err != nil {
			return nil, 0, err
		}
		req.PrevLogIndex = prev.Index
		req.PrevLogTerm = prev.Term
	}

	sentLast := next - 1
	if withEntries {
		entries, err := a.state.Get(next, next+maxEntriesPerRequest-1)
		if err != nil {
			return nil, 0, err
		}
		req.Entries = entries
		if len(entries) > 0 {
			sentLast = entries[len(entries)-1].Index
		}
	}
	return req, sentLast, nil
}

func (a *Agent) handleAppendEntriesResp(followerId string, term common.Term, next, sentLast common.Index, resp *rpc.AppendEntriesResp) {
	if resp.Term > term {
		log.Infof("follower %s 的任期 %d 高于当前任期 %d，退为follower", followerId, resp.Term, term)
		a.constituent.Follow(resp.Term)
		return
	}
	if !a.constituent.Leading() || a.constituent.Term() != term {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	if resp.Success {
		if sentLast > a.matchIndex[followerId] {
			a.matchIndex[followerId] = sentLast
		}
		a.nextIndex[followerId] = sentLast + 1
		if a.advanceCommit(term) {
			a.WakeupMainLoop()
		}
		return
	}

	// 日志不匹配，回退 nextIndex，不会越过 follower 的最后一条
	back := next - 1
	if resp.LastIndex+1 < back {
		back = resp.LastIndex + 1
	}
	if back < 1 {
		back = 1
	}
	a.nextIndex[followerId] = back
	log.Debugf("follower %s 日志不匹配，nextIndex 回退到 %d", followerId, back)
	a.WakeupMainLoop()
}

/*
* advanceCommit leader 推进 commitIndex，调用方持有 mutex
* 只统计当前任期的日志：找最大的 N，使得多数节点 matchIndex >= N 且 log[N].term == term
 */
func (a *Agent) advanceCommit(term common.Term) bool {
	cfg := a.config
	matches := make([]common.Index, 0, cfg.Size())
	for _, id := range cfg.Active {
		if id == cfg.ID {
			matches = append(matches, a.state.LastIndex())
			continue
		}
		matches = append(matches, a.matchIndex[id])
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	majority := cfg.Majority()
	if majority > len(matches) {
		return false
	}
	candidate := matches[majority-1]
	if candidate <= a.commitIndex {
		return false
	}
	e, err := a.state.At(candidate)
	if err != nil || e.Term != term {
		return false
	}
	a.setCommitIndex(candidate)
	return true
}

// setCommitIndex 调用方持有 mutex
func (a *Agent) setCommitIndex(index common.Index) {
	if index <= a.commitIndex {
		return
	}
	a.commitIndex = index
	close(a.commitCh)
	a.commitCh = make(chan struct{})
	a.applyCommitted()
}

/*
* applyCommitted 把 (lastApplied, commitIndex] 应用到 Gomap，调用方持有 mutex
* 重配置条目提交后更新集群配置
* 已经被压缩的区间用快照重建
 */
func (a *Agent) applyCommitted() {
	if a.lastApplied >= a.commitIndex {
		return
	}
	entries, err := a.state.Get(a.lastApplied+1, a.commitIndex)
	if errors.Is(err, common.ErrIndexNotRetained) {
		a.rebuildStore(a.commitIndex)
		return
	}
	if err != nil {
		log.WithError(err).Error("读取待应用日志失败")
		return
	}
	for _, e := range entries {
		if e.Empty() {
			a.lastApplied = e.Index
			continue
		}
		if doc, ok := common.IsReconfiguration(e.Entry); ok {
			if parsed, err := common.ParseConfigDocument(doc); err != nil {
				log.WithError(err).Warnf("重配置日志 index:%d 格式错误", e.Index)
			} else {
				a.updateConfiguration(parsed)
			}
		} else if err := a.store.ApplyCommand(e.Entry); err != nil {
			log.Warnf("应用日志 index:%d 失败，跳过: %v", e.Index, err)
		}
		a.lastApplied = e.Index
	}
	a.maybeCompact()
}

// rebuildStore 调用方持有 mutex
func (a *Agent) rebuildStore(index common.Index) {
	store, applied, err := a.state.StoreAt(index)
	if err != nil {
		log.WithError(err).Errorf("重建状态机到 %d 失败", index)
		return
	}
	a.store = store.(*storage.Gomap)
	a.lastApplied = applied
	log.Infof("状态机重建到 index:%d", applied)
}

// maybeCompact 已应用的日志超过一个压缩步长时在后台压缩，调用方持有 mutex
func (a *Agent) maybeCompact() {
	step := a.config.CompactionStepSize
	keep := a.config.CompactionKeepSize
	if step == 0 || a.stopped() || a.lastApplied < a.state.NextCompactionAfter(step) {
		return
	}
	if !a.compacting.CompareAndSwap(false, true) {
		return
	}
	target := a.lastApplied
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.compacting.Store(false)
		if !a.state.Compact(target, keep) {
			log.Warnf("压缩到 %d 失败", target)
		}
	}()
}

// snapshotAdopted 在 State 写锁内回调，只记录下来
func (a *Agent) snapshotAdopted(snap common.Snapshot) {
	a.adoptMutex.Lock()
	a.adopted = &snap
	a.adoptMutex.Unlock()
}

func (a *Agent) takeAdoptedSnapshot() *common.Snapshot {
	a.adoptMutex.Lock()
	defer a.adoptMutex.Unlock()
	snap := a.adopted
	a.adopted = nil
	return snap
}

// restoreSnapshot follower 接受快照后用快照内容替换状态机，调用方持有 mutex
func (a *Agent) restoreSnapshot(snap *common.Snapshot) {
	store := storage.NewGomap(16)
	if err := store.Restore(snap.State); err != nil {
		log.WithError(err).Errorf("恢复快照 index:%d 失败", snap.Index)
		return
	}
	a.store = store
	a.lastApplied = snap.Index
	if snap.Index > a.commitIndex {
		a.commitIndex = snap.Index
		close(a.commitCh)
		a.commitCh = make(chan struct{})
	}
}
