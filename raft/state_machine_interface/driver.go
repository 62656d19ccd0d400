package state_machine_interface

import "go_raft_agency/raft/common"

// LogReader 选举状态机判断日志匹配时用到的只读接口
type LogReader interface {
	LastLog() common.LogEntry
	CheckLog(index common.Index, term common.Term) common.CheckResult
}

// Driver 选举状态机与日志所依赖的驱动方（Agent）回调
type Driver interface {
	Config() common.Config
	SetTimeoutMult(mult int64)
	Ready() bool

	BeginPrepareLeadership()
	EndPrepareLeadership()
	WakeupMainLoop()
	SendEmptyAppendEntriesRPC(followerId string)

	State() LogReader

	UpdateConfiguration(doc common.ConfigDocument) // 重配置条目提交时
	MergeConfiguration(doc common.ConfigDocument)  // 启动时合并持久化的配置
	SetPersistedState(doc common.ConfigDocument)   // 启动时加载到持久化配置
}
