package common

import "errors"

var (
	// ErrIndexNotRetained 索引在保留窗口之前（已压缩）或者超过日志尾部
	ErrIndexNotRetained = errors.New("raft: log index not retained")

	// ErrMalformedRequest 批次或事务的结构不正确
	ErrMalformedRequest = errors.New("raft: malformed request")

	ErrNotLeader     = errors.New("raft: not the leader")
	ErrStopped       = errors.New("raft: stopped")
	ErrInvalidConfig = errors.New("raft: invalid configuration")

	// ErrSnapshotDecision 无法判断是否接受leader发来的快照
	ErrSnapshotDecision = errors.New("raft: cannot decide on snapshot")
)
