package raft

import (
	"context"
	"math/rand/v2"
	"time"

	"go_raft_agency/raft/common"
	smi "go_raft_agency/raft/state_machine_interface"

	log "github.com/sirupsen/logrus"
)

/*
* Vote 处理投票请求
* 1. 驱动方未就绪时拒绝
* 2. 对方任期更大：更新任期，清空投票，成为Follower
* 3. 对方任期更小：拒绝
* 4. 本任期已经投过票：只有同一个候选者重复请求时同意
* 5. 候选者的日志至少和自己一样新时投票给它
 */
func (c *Constituent) Vote(term common.Term, candidateId string, prevLogIndex common.Index, prevLogTerm common.Term) bool {
	if !c.driver.Ready() {
		log.Debugf("收到了server:%s选举 还没准备好，拒绝投票", candidateId)
		return false
	}

	g, unlock := c.acquire()
	defer unlock()

	if term > c.term {
		g.follow(term)
	}
	if term < c.term {
		log.Debugf("收到了server:%s选举 我的term:%d比它:%d大，拒绝投票", candidateId, c.term, term)
		return false
	}
	if c.votedFor != common.NoLeader {
		if c.votedFor == candidateId {
			c.lastHeartbeatSeen = time.Now()
			return true
		}
		log.Debugf("收到了server:%s选举 任期 %d 已经投票给 %s", candidateId, c.term, c.votedFor)
		return false
	}

	last := c.driver.State().LastLog()
	if prevLogTerm > last.Term || (prevLogTerm == last.Term && prevLogIndex >= last.Index) {
		g.vote(candidateId)
		c.lastHeartbeatSeen = time.Now()
		log.Debugf("收到了server:%s选举 它的日志(%d,%d)不比我的(%d,%d)旧，同意投票", candidateId, prevLogIndex, prevLogTerm, last.Index, last.Term)
		return true
	}
	log.Debugf("收到了server:%s选举 我的日志(%d,%d)比它的(%d,%d)新，不进行投票", candidateId, last.Index, last.Term, prevLogIndex, prevLogTerm)
	return false
}

/*
* CheckLeader 处理 AppendEntries / 心跳中的leader声明
* 任期更小拒绝；任期更大时更新任期成为Follower；日志不匹配拒绝；
* 否则记录leader并刷新心跳时间
 */
func (c *Constituent) CheckLeader(term common.Term, leaderId string, prevLogIndex common.Index, prevLogTerm common.Term) bool {
	g, unlock := c.acquire()
	defer unlock()

	if term < c.term {
		log.Debugf("收到了server:%s心跳 任期 %d 小于我的 %d，拒绝", leaderId, term, c.term)
		return false
	}
	if term > c.term {
		g.follow(term)
	}
	if !c.logMatches(prevLogIndex, prevLogTerm) {
		log.Debugf("收到了server:%s心跳 日志(%d,%d)不匹配，拒绝", leaderId, prevLogIndex, prevLogTerm)
		return false
	}
	if c.leaderId != leaderId {
		log.Infof("节点 %s 在任期 %d 认可leader %s", c.id, c.term, leaderId)
		c.leaderId = leaderId
	}
	c.lastHeartbeatSeen = time.Now()
	if c.Role() != common.Follower && leaderId != c.id {
		g.follow(0)
	}
	return true
}

// logMatches 保留窗口之外的索引必然已提交，按匹配处理
func (c *Constituent) logMatches(prevLogIndex common.Index, prevLogTerm common.Term) bool {
	return c.driver.State().CheckLog(prevLogIndex, prevLogTerm) != common.LogMismatch
}

type voteResult struct {
	peer string
	resp VoteResponse
	err  error
}

/*
* callElection 发起一次选举
* 1. 任期加一，投票给自己
* 2. 根据最近一小时的选举次数计算退避倍数 [1,10]
* 3. 并行向其它节点请求投票，直到：
*    a. 有节点回复更高的任期 -> 以该任期成为Follower
*    b. 赞成票（含自己）过半 -> 成为Leader
*    c. 反对票多到不可能过半 -> 成为Follower，任期与投票不变
*    d. 超时 -> 成为Follower，任期与投票不变
 */
func (c *Constituent) callElection() {
	g, unlock := c.acquire()
	if c.Role() != common.Candidate {
		unlock()
		return
	}
	term := g.raiseTerm()
	unlock()

	c.metrics.Inc(smi.MetricElections)
	mult := c.recordElection(time.Now())
	c.backoffMult.Store(mult)
	c.driver.SetTimeoutMult(mult)

	cfg := c.driver.Config()
	last := c.driver.State().LastLog()
	req := VoteRequest{
		Term:         term,
		CandidateId:  c.id,
		PrevLogIndex: last.Index,
		PrevLogTerm:  last.Term,
	}
	log.Infof("开始执行选举 任期:%d 退避倍数:%d 节点数:%d", term, mult, cfg.Size())

	window := time.Duration(float64(cfg.MinPing) * float64(mult))
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	peers := cfg.Peers()
	results := make(chan voteResult, len(peers))
	for _, peer := range peers {
		go func(peer string) {
			resp, err := c.transport.RequestVote(ctx, peer, req)
			results <- voteResult{peer: peer, resp: resp, err: err}
		}(peer)
	}

	yea, nay, pending := 1, 0, len(peers)
	majority := cfg.Majority()
	for {
		if yea >= majority {
			log.Debugf("任期 %d 获得 %d 票，过半", term, yea)
			c.lead(term)
			return
		}
		if nay > cfg.Size()-majority || pending == 0 {
			log.Debugf("任期 %d 赞成 %d 反对 %d，选举失败", term, yea, nay)
			c.Follow(0)
			return
		}
		select {
		case r := <-results:
			pending--
			if r.err != nil {
				log.Errorf("发送请求投票失败 节点id:%v: err: %v", r.peer, r.err)
				continue
			}
			if r.resp.Term > term {
				log.Debugf("收到server:%s回复选举 任期 %d 比我的 %d 大，成为Follower", r.peer, r.resp.Term, term)
				c.Follow(r.resp.Term)
				return
			}
			if r.resp.VoteGranted {
				yea++
			} else {
				nay++
			}
		case <-ctx.Done():
			log.Debugf("任期 %d 选举超时 赞成 %d 反对 %d", term, yea, nay)
			c.Follow(0)
			return
		case <-c.stop:
			return
		}
	}
}

// recordElection 记录一次选举，返回最近一小时的选举次数，限制在 [1, MaxTimeoutMult]
func (c *Constituent) recordElection(now time.Time) int64 {
	c.electionMutex.Lock()
	defer c.electionMutex.Unlock()
	c.recentElections = pruneElections(append(c.recentElections, now), now.Add(-common.RecentElectionWindow))
	return clampMult(len(c.recentElections))
}

// RecentElections 最近一小时内本节点发起的选举次数
func (c *Constituent) RecentElections() int {
	return c.countRecentElections(time.Now(), common.RecentElectionWindow)
}

// decayTimeoutMult 选举记录滑出窗口后降低退避倍数，只回退自己推过的倍数
func (c *Constituent) decayTimeoutMult() {
	prev := c.backoffMult.Load()
	if prev <= 1 {
		return
	}
	mult := clampMult(c.RecentElections())
	if mult < prev {
		log.Infof("节点 %s 最近选举减少，退避倍数 %d -> %d", c.id, prev, mult)
		c.backoffMult.Store(mult)
		c.driver.SetTimeoutMult(mult)
	}
}

func (c *Constituent) countRecentElections(now time.Time, window time.Duration) int {
	c.electionMutex.Lock()
	defer c.electionMutex.Unlock()
	c.recentElections = pruneElections(c.recentElections, now.Add(-window))
	return len(c.recentElections)
}

// pruneElections 去掉 cutoff 之前的记录，events 按时间升序
func pruneElections(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	return events[i:]
}

func clampMult(n int) int64 {
	if n < 1 {
		return 1
	}
	if n > common.MaxTimeoutMult {
		return common.MaxTimeoutMult
	}
	return int64(n)
}

// electionTimeout 从 [minPing, maxPing]*mult 中随机取值，再减去距上次心跳已经过去的时间，
// 结果仍限制在该区间内
func electionTimeout(cfg common.Config, sinceHeartbeat time.Duration) time.Duration {
	mult := cfg.TimeoutMult
	if mult < 1 {
		mult = 1
	}
	lo := cfg.MinPing * time.Duration(mult)
	hi := cfg.MaxPing * time.Duration(mult)
	timeout := lo
	if hi > lo {
		timeout += time.Duration(rand.Int64N(int64(hi - lo + 1)))
	}
	if sinceHeartbeat > 0 {
		timeout -= sinceHeartbeat
	}
	if timeout < lo {
		timeout = lo
	}
	if timeout > hi {
		timeout = hi
	}
	return timeout
}
