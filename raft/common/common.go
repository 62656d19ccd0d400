package common

import (
	"fmt"
	"time"
)

type Term uint64  // 任期
type Index uint64 // 日志索引，0 为永久存在的空哨兵条目

type Status int32

const (
	Follower  Status = 0 // 跟随者
	Candidate Status = 1 // 候选者
	Leader    Status = 2 // 领导者
)

func (s Status) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

const (
	NoLeader = "" // 未知leader / 未投票

	DefaultMinPing            = time.Second     // 最小心跳间隔
	DefaultMaxPing            = 5 * time.Second // 最大心跳间隔
	DefaultTimeoutMult        = 1               // 超时倍数
	DefaultCompactionStepSize = 1000            // 每提交多少条日志压缩一次
	DefaultCompactionKeepSize = 50000           // 压缩后保留的日志条数

	RecentElectionWindow = time.Hour // 统计最近选举次数的滑动窗口
	MaxTimeoutMult       = 10        // 退避倍数上限
)

type LogEntry struct {
	Index     Index  // 日志条目的索引
	Term      Term   // 日志条目所属的任期
	Entry     []byte // 序列化后的操作
	ClientId  string // 客户端幂等标识
	Timestamp int64  // 写入时间（ms）
}

// Empty 填充条目和哨兵条目没有负载
func (e LogEntry) Empty() bool {
	return len(e.Entry) == 0
}

// Snapshot 压缩后的状态，以 (Index, Term) 标识
type Snapshot struct {
	Index   Index
	Term    Term
	State   []byte // 状态机的导出数据
	Version uint64
}

// CheckResult checkLog 的三态结果。LogUnknown 由调用方视为匹配：
// 不在保留窗口内的索引必然已被多数派提交。
type CheckResult int

const (
	LogMatch CheckResult = iota
	LogMismatch
	LogUnknown
)

func (c CheckResult) String() string {
	switch c {
	case LogMatch:
		return "match"
	case LogMismatch:
		return "mismatch"
	}
	return "unknown"
}

// Transaction leader 收到的单条客户端写入
type Transaction struct {
	Payload  []byte
	ClientId string
}

// FollowerBatch follower 收到的复制批次，落后太多时带有快照
type FollowerBatch struct {
	Snapshot *Snapshot
	Entries  []LogEntry
}

// ElectionState 持久化的任期与投票
type ElectionState struct {
	Term     Term
	VotedFor string
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}
