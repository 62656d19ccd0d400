package server

import (
	"context"
	"errors"

	"go_raft_agency/raft/common"
	"go_raft_agency/raft/rpc"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ rpc.RaftRpcServer = (*Agent)(nil)

func (a *Agent) RequestVote(ctx context.Context, req *rpc.RequestVoteReq) (*rpc.RequestVoteResp, error) {
	granted := a.constituent.Vote(req.Term, req.CandidateId, req.PrevLogIndex, req.PrevLogTerm)
	return &rpc.RequestVoteResp{Term: a.constituent.Term(), VoteGranted: granted}, nil
}

/*
* AppendEntries follower 处理leader的复制请求
* 1. CheckLeader 校验任期与 prev 日志，失败时返回本地最后索引，leader 据此回退
* 2. LogFollower 追加日志（携带快照时先决定是否接受快照）
* 3. commitIndex 推进到 min(leaderCommit, 本次确认一致的最后索引)，并应用
 */
func (a *Agent) AppendEntries(ctx context.Context, req *rpc.AppendEntriesReq) (*rpc.AppendEntriesResp, error) {
	if !a.Ready() {
		return nil, status.Error(codes.Unavailable, "agent not ready")
	}

	prevIndex, prevTerm := req.PrevLogIndex, req.PrevLogTerm
	if req.Snapshot != nil {
		// 携带快照的请求不要求本地有 prev
		prevIndex, prevTerm = 0, 0
	}
	if !a.constituent.CheckLeader(req.Term, req.LeaderId, prevIndex, prevTerm) {
		return &rpc.AppendEntriesResp{
			Term:      a.constituent.Term(),
			Success:   false,
			LastIndex: a.state.LastIndex(),
		}, nil
	}

	confirmed := prevIndex
	if req.Snapshot != nil || len(req.Entries) > 0 {
		_, err := a.state.LogFollower(common.FollowerBatch{Snapshot: req.Snapshot, Entries: req.Entries})
		if errors.Is(err, common.ErrMalformedRequest) {
			log.Warnf("拒绝来自 %s 的请求: %v", req.LeaderId, err)
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		if req.Snapshot != nil {
			confirmed = req.Snapshot.Index
		}
		if n := len(req.Entries); n > 0 {
			confirmed = req.Entries[n-1].Index
		}
	}

	adopted := a.takeAdoptedSnapshot()
	a.mutex.Lock()
	if adopted != nil {
		a.restoreSnapshot(adopted)
	}
	a.setCommitIndex(min(req.LeaderCommit, confirmed))
	a.mutex.Unlock()

	return &rpc.AppendEntriesResp{
		Term:      a.constituent.Term(),
		Success:   true,
		LastIndex: a.state.LastIndex(),
	}, nil
}
