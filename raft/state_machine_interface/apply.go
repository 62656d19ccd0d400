package state_machine_interface

import "go_raft_agency/raft/common"

// Store 压缩时用来折叠日志的状态机
type Store interface {
	Apply(entries []common.LogEntry) error // 按顺序应用日志条目
	Dump() ([]byte, error)                 // 导出当前状态
	Restore(data []byte) error             // 从导出数据恢复
}

// StoreFactory 每次压缩/重建都从一个新的状态机开始
type StoreFactory func() Store
