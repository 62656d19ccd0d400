package server

import (
	"context"

	"go_raft_agency/raft/common"
)

/*
* Write 客户端写入，只有leader可以写
* 每个事务先在当前状态上检查前置条件，不满足的不写日志，索引为0
* 单节点集群写入后立即提交
 */
func (a *Agent) Write(txs []common.Transaction) ([]common.Index, error) {
	if !a.constituent.Leading() {
		return nil, common.ErrNotLeader
	}
	term := a.constituent.Term()

	a.mutex.Lock()
	applicable := make([]bool, len(txs))
	for i, tx := range txs {
		applicable[i] = a.store.Check(tx.Payload)
	}
	indices, err := a.state.LogLeaderMulti(txs, applicable, term)
	if err != nil {
		a.mutex.Unlock()
		return nil, err
	}
	a.advanceCommit(term)
	a.mutex.Unlock()

	a.WakeupMainLoop()
	return indices, nil
}

// WaitForCommit 等待 index 被提交
func (a *Agent) WaitForCommit(ctx context.Context, index common.Index) error {
	for {
		a.mutex.Lock()
		if a.commitIndex >= index {
			a.mutex.Unlock()
			return nil
		}
		ch := a.commitCh
		a.mutex.Unlock()

		select {
		case <-ch:
		case <-a.stop:
			return common.ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Read 读取已应用的值
func (a *Agent) Read(key string) (string, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.store.Get(key)
}

type MatchMode string

const (
	MatchPrefix   MatchMode = "prefix"
	MatchSuffix   MatchMode = "suffix"
	MatchContains MatchMode = "contains"
)

// Match 按前缀/后缀/子串查找已应用的键值
func (a *Agent) Match(mode MatchMode, pattern string) map[string]string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	var keys []string
	switch mode {
	case MatchPrefix:
		keys = a.store.Prefix(pattern)
	case MatchSuffix:
		keys = a.store.Suffix(pattern)
	case MatchContains:
		keys = a.store.Contains(pattern)
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, _ := a.store.Get(k)
		out[k] = v
	}
	return out
}

func (a *Agent) Inquire(clientIds []string) []common.Index {
	return a.state.Inquire(clientIds)
}

// Entries 返回 [start, end] 内保留的日志
func (a *Agent) Entries(start, end common.Index) ([]common.LogEntry, error) {
	return a.state.Get(start, end)
}

func (a *Agent) LeaderID() string {
	return a.constituent.LeaderID()
}
