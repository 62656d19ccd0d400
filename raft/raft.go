package raft

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go_raft_agency/raft/common"
	smi "go_raft_agency/raft/state_machine_interface"

	log "github.com/sirupsen/logrus"
)

type VoteRequest struct {
	Term         common.Term
	CandidateId  string
	PrevLogIndex common.Index // 候选者最后一条日志的索引
	PrevLogTerm  common.Term  // 候选者最后一条日志的任期
}

type VoteResponse struct {
	Term        common.Term
	VoteGranted bool
}

// VoteTransport 向其它节点发送投票请求
type VoteTransport interface {
	RequestVote(ctx context.Context, peerId string, req VoteRequest) (VoteResponse, error)
}

/*
* Constituent 选举状态机
* mutex 保护 term / votedFor / leaderId / lastHeartbeatSeen，需要持锁的内部方法定义在 termGuard 上
* 心跳发送时间表、最近选举列表各自有独立的锁
* role 用原子变量，主循环可以不加锁读取
 */
type Constituent struct {
	id string

	mutex             sync.Mutex
	term              common.Term
	votedFor          string
	leaderId          string
	lastHeartbeatSeen time.Time

	role atomic.Int32

	heartbeatMutex    sync.Mutex
	lastHeartbeatSent map[string]time.Time // follower -> 上次发送心跳的时间

	electionMutex   sync.Mutex
	recentElections []time.Time
	backoffMult     atomic.Int64 // 最近一次推给驱动方的退避倍数，0 表示从未选举

	persister smi.Persister
	driver    smi.Driver
	transport VoteTransport
	metrics   smi.Metrics

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopping atomic.Bool
	running  atomic.Bool
}

type ConstituentOption func(*Constituent)

func WithConstituentMetrics(m smi.Metrics) ConstituentOption {
	return func(c *Constituent) { c.metrics = m }
}

func NewConstituent(persister smi.Persister, driver smi.Driver, transport VoteTransport, opts ...ConstituentOption) *Constituent {
	c := &Constituent{
		id:                driver.Config().ID,
		leaderId:          common.NoLeader,
		lastHeartbeatSent: make(map[string]time.Time),
		persister:         persister,
		driver:            driver,
		transport:         transport,
		metrics:           smi.NopMetrics{},
		wake:              make(chan struct{}, 1),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	c.role.Store(int32(common.Follower))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// termGuard 持有 mutex 时才能拿到
type termGuard struct {
	c *Constituent
}

func (c *Constituent) acquire() (termGuard, func()) {
	c.mutex.Lock()
	return termGuard{c: c}, c.mutex.Unlock
}

// setTerm 任期变化时清空投票，先持久化再更新内存
func (g termGuard) setTerm(term common.Term) {
	c := g.c
	if term == c.term {
		return
	}
	persistElection(c.persister, common.ElectionState{Term: term, VotedFor: common.NoLeader})
	log.Debugf("节点 %s 任期 %d -> %d", c.id, c.term, term)
	c.term = term
	c.votedFor = common.NoLeader
	c.metrics.Set(smi.MetricTerm, float64(term))
}

func (g termGuard) vote(candidateId string) {
	c := g.c
	persistElection(c.persister, common.ElectionState{Term: c.term, VotedFor: candidateId})
	c.votedFor = candidateId
	c.metrics.Inc(smi.MetricVotesGranted)
}

// raiseTerm 发起选举：任期加一并投票给自己，作为一条记录持久化
func (g termGuard) raiseTerm() common.Term {
	c := g.c
	term := c.term + 1
	persistElection(c.persister, common.ElectionState{Term: term, VotedFor: c.id})
	c.term = term
	c.votedFor = c.id
	c.leaderId = common.NoLeader
	c.metrics.Set(smi.MetricTerm, float64(term))
	return term
}

// follow 成为Follower。term 大于当前任期时更新任期；term 为0表示不动持久化的任期与投票
func (g termGuard) follow(term common.Term) {
	c := g.c
	if term > c.term {
		g.setTerm(term)
		c.leaderId = common.NoLeader
	}
	if c.Role() != common.Follower {
		log.Infof("节点 %s 在任期 %d 成为Follower", c.id, c.term)
		c.role.Store(int32(common.Follower))
		c.notify()
	}
}

func (g termGuard) candidate() {
	c := g.c
	log.Infof("节点 %s 在任期 %d 超时未收到心跳，成为Candidate", c.id, c.term)
	c.leaderId = common.NoLeader
	c.role.Store(int32(common.Candidate))
	c.notify()
}

// Follow 从其它交互中得知更高的任期时调用
func (c *Constituent) Follow(term common.Term) {
	g, unlock := c.acquire()
	defer unlock()
	g.follow(term)
}

func (c *Constituent) candidate() {
	g, unlock := c.acquire()
	defer unlock()
	g.candidate()
}

// lead 赢得选举。任期已经变化（期间收到了更高任期）时放弃
func (c *Constituent) lead(term common.Term) {
	c.driver.BeginPrepareLeadership()
	defer c.driver.EndPrepareLeadership()

	g, unlock := c.acquire()
	if c.term != term || c.Role() != common.Candidate {
		log.Infof("节点 %s 放弃任期 %d 的leader身份，当前任期 %d，身份 %v", c.id, term, c.term, c.Role())
		g.follow(0)
		unlock()
		return
	}
	c.leaderId = c.id
	c.role.Store(int32(common.Leader))
	unlock()

	// 成为leader后立即给所有follower发心跳
	c.heartbeatMutex.Lock()
	c.lastHeartbeatSent = make(map[string]time.Time)
	c.heartbeatMutex.Unlock()

	log.Infof("节点 %s 在任期 %d 成为Leader", c.id, term)
	c.metrics.Inc(smi.MetricElectionsWon)
	c.notify()
	c.driver.WakeupMainLoop()
}

// notify 唤醒主循环
func (c *Constituent) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// LoadPersisted 读取持久化的任期与投票
func (c *Constituent) LoadPersisted() error {
	st, found, err := readElection(c.persister)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	c.mutex.Lock()
	c.term = st.Term
	c.votedFor = st.VotedFor
	c.mutex.Unlock()
	log.Infof("恢复任期 %d，投票给 %q", st.Term, st.VotedFor)
	return nil
}

func (c *Constituent) ID() string {
	return c.id
}

func (c *Constituent) Role() common.Status {
	return common.Status(c.role.Load())
}

func (c *Constituent) Leading() bool {
	return c.Role() == common.Leader
}

func (c *Constituent) Following() bool {
	return c.Role() == common.Follower
}

func (c *Constituent) Running() bool {
	return c.running.Load()
}

func (c *Constituent) Term() common.Term {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.term
}

func (c *Constituent) VotedFor() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.votedFor
}

func (c *Constituent) LeaderID() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.leaderId
}

func (c *Constituent) LastHeartbeatSeen() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastHeartbeatSeen
}
