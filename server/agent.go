package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go_raft_agency/raft"
	"go_raft_agency/raft/common"
	"go_raft_agency/raft/rpc"
	smi "go_raft_agency/raft/state_machine_interface"
	"go_raft_agency/server/storage"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// 每次 AppendEntries 最多携带的日志条数
const maxEntriesPerRequest = 256

/*
* Agent 驱动 Constituent 与 State
* 1. 实现 Driver 回调：配置、leader 准备、心跳发送
* 2. 作为 gRPC 服务端处理投票与日志复制
* 3. leader 复制日志、推进 commitIndex、应用到 Gomap、定期压缩
* 锁顺序：Agent.mutex -> Constituent 锁 -> State 锁，反向不允许
 */
type Agent struct {
	id string

	mutex       sync.Mutex
	config      common.Config
	store       *storage.Gomap // 已提交日志应用后的状态
	commitIndex common.Index
	lastApplied common.Index
	commitCh    chan struct{} // commitIndex 前进时关闭并替换
	nextIndex   map[string]common.Index
	matchIndex  map[string]common.Index
	inflight    map[string]bool

	ready      atomic.Bool
	compacting atomic.Bool

	adoptMutex sync.Mutex
	adopted    *common.Snapshot // follower 接受的快照，由 AppendEntries 处理

	state       *raft.State
	constituent *raft.Constituent
	pool        *rpc.Pool
	metrics     smi.Metrics

	wakeup chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	rpc.UnimplementedRaftRpcServer
}

type Option func(*Agent)

func WithMetrics(m smi.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithDialOptions 连接其它节点时附加的 gRPC 选项
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(a *Agent) { a.pool = rpc.NewPool(opts...) }
}

func NewAgent(cfg common.Config, persister smi.Persister, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{
		id:         cfg.ID,
		config:     cfg.Clone(),
		store:      storage.NewGomap(16),
		commitCh:   make(chan struct{}),
		nextIndex:  make(map[string]common.Index),
		matchIndex: make(map[string]common.Index),
		inflight:   make(map[string]bool),
		pool:       rpc.NewPool(),
		metrics:    smi.NopMetrics{},
		wakeup:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.state = raft.NewState(persister, storage.NewStore,
		raft.WithStateMetrics(a.metrics),
		raft.WithSnapshotListener(a.snapshotAdopted))
	a.constituent = raft.NewConstituent(persister, a, voteTransport{a}, raft.WithConstituentMetrics(a.metrics))
	return a, nil
}

/*
* Start 启动流程
* 1. 从持久化数据恢复日志与配置
* 2. 用最近的快照重建状态机
* 3. 启动选举主循环与复制主循环
 */
func (a *Agent) Start() error {
	if err := a.state.LoadPersisted(); err != nil {
		return fmt.Errorf("load persisted log: %w", err)
	}
	cfg, ok, err := a.state.Configuration()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if ok {
		doc, err := common.ParseConfigDocument(cfg)
		if err != nil {
			return err
		}
		a.SetPersistedState(doc)
	}

	store, applied, err := a.state.StoreAt(a.state.LastCompactionAt())
	if err != nil {
		return fmt.Errorf("rebuild store: %w", err)
	}
	a.mutex.Lock()
	a.store = store.(*storage.Gomap)
	a.lastApplied = applied
	a.commitIndex = applied
	a.mutex.Unlock()

	a.ready.Store(true)
	if err := a.constituent.Start(); err != nil {
		return err
	}
	a.wg.Add(1)
	go a.mainLoop()
	log.Infof("节点 %s 启动，日志 [%d, %d]，已应用 %d", a.id, a.state.FirstIndex(), a.state.LastIndex(), applied)
	return nil
}

func (a *Agent) Stop() {
	a.ready.Store(false)
	a.constituent.Stop()
	// 与 maybeCompact 的 wg.Add 互斥，关闭后不再启动新的后台任务
	a.mutex.Lock()
	if !a.stopped() {
		close(a.stop)
	}
	a.mutex.Unlock()
	a.wg.Wait()
	a.pool.Close()
}

func (a *Agent) stopped() bool {
	select {
	case <-a.stop:
		return true
	default:
		return false
	}
}

func (a *Agent) Constituent() *raft.Constituent {
	return a.constituent
}

func (a *Agent) Leading() bool {
	return a.constituent.Leading()
}

func (a *Agent) CommitIndex() common.Index {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.commitIndex
}

// ----- Driver -----

func (a *Agent) Config() common.Config {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.config.Clone()
}

func (a *Agent) SetTimeoutMult(mult int64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.config.TimeoutMult != mult {
		log.Infof("超时倍数 %d -> %d", a.config.TimeoutMult, mult)
		a.config.TimeoutMult = mult
	}
}

func (a *Agent) Ready() bool {
	return a.ready.Load()
}

func (a *Agent) State() smi.LogReader {
	return a.state
}

func (a *Agent) BeginPrepareLeadership() {
	log.Debugf("节点 %s 准备成为leader", a.id)
}

// EndPrepareLeadership 重置每个 follower 的复制进度，并在新任期写入一条空操作，
// 之前任期的日志随它一起提交
func (a *Agent) EndPrepareLeadership() {
	if !a.constituent.Leading() {
		return
	}
	term := a.constituent.Term()

	a.mutex.Lock()
	defer a.mutex.Unlock()
	last := a.state.LastIndex()
	a.nextIndex = make(map[string]common.Index)
	a.matchIndex = make(map[string]common.Index)
	for _, id := range a.config.Peers() {
		a.nextIndex[id] = last + 1
	}
	a.state.LogLeaderSingle([]byte("[]"), term, "")
	a.advanceCommit(term)
}

func (a *Agent) WakeupMainLoop() {
	select {
	case a.wakeup <- struct{}{}:
	default:
	}
}

func (a *Agent) SendEmptyAppendEntriesRPC(followerId string) {
	go a.sendAppendEntries(followerId, false)
}

// UpdateConfiguration 重配置日志提交后替换节点列表
func (a *Agent) UpdateConfiguration(doc common.ConfigDocument) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.updateConfiguration(doc)
}

// updateConfiguration 调用方持有 mutex
func (a *Agent) updateConfiguration(doc common.ConfigDocument) {
	next := a.config.Merge(doc)
	if doc.Pool != nil {
		next.Pool = make(map[string]string, len(doc.Pool))
		for id, addr := range doc.Pool {
			next.Pool[id] = addr
		}
	}
	if err := next.Validate(); err != nil {
		log.WithError(err).Error("忽略无效的重配置")
		return
	}
	log.Infof("应用重配置 active:%v", next.Active)
	a.config = next
}

func (a *Agent) MergeConfiguration(doc common.ConfigDocument) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	merged := a.config.Merge(doc)
	if err := merged.Validate(); err != nil {
		log.WithError(err).Error("忽略无效的配置")
		return
	}
	a.config = merged
}

// SetPersistedState 启动时合并持久化的配置
func (a *Agent) SetPersistedState(doc common.ConfigDocument) {
	log.Infof("合并持久化的配置")
	a.MergeConfiguration(doc)
}

// voteTransport 通过 gRPC 向其它节点请求投票，服务端的 RequestVote 在 rpc_handler.go
type voteTransport struct {
	a *Agent
}

var _ raft.VoteTransport = voteTransport{}

func (t voteTransport) RequestVote(ctx context.Context, peerId string, req raft.VoteRequest) (raft.VoteResponse, error) {
	client, err := t.a.peerClient(peerId)
	if err != nil {
		return raft.VoteResponse{}, err
	}
	resp, err := client.RequestVote(ctx, &rpc.RequestVoteReq{
		Term:         req.Term,
		CandidateId:  req.CandidateId,
		PrevLogIndex: req.PrevLogIndex,
		PrevLogTerm:  req.PrevLogTerm,
	})
	if err != nil {
		return raft.VoteResponse{}, err
	}
	return raft.VoteResponse{Term: resp.Term, VoteGranted: resp.VoteGranted}, nil
}

func (a *Agent) peerClient(peerId string) (rpc.RaftRpcClient, error) {
	if a.stopped() {
		return nil, common.ErrStopped
	}
	addr, ok := a.Config().Endpoint(peerId)
	if !ok {
		return nil, fmt.Errorf("no endpoint for agent %s", peerId)
	}
	return a.pool.Client(addr)
}

func (a *Agent) rpcTimeout() time.Duration {
	cfg := a.Config()
	return time.Duration(float64(cfg.MinPing) * float64(cfg.TimeoutMult) * 0.9)
}
