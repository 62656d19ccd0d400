package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go_raft_agency/raft"
	"go_raft_agency/raft/common"
	"go_raft_agency/raft/rpc"
	"go_raft_agency/server/storage"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func agentConfig(id string, ids []string, minPing, maxPing time.Duration) common.Config {
	pool := make(map[string]string, len(ids))
	for _, a := range ids {
		pool[a] = "passthrough:///" + a
	}
	return common.Config{
		ID:                 id,
		Pool:               pool,
		Active:             ids,
		MinPing:            minPing,
		MaxPing:            maxPing,
		TimeoutMult:        1,
		CompactionStepSize: common.DefaultCompactionStepSize,
		CompactionKeepSize: common.DefaultCompactionKeepSize,
	}
}

func startAgent(t *testing.T, cfg common.Config, opts ...Option) *Agent {
	t.Helper()
	a, err := NewAgent(cfg, storage.NewMemoryStore(), opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)
	return a
}

func set(key string, val any) common.Transaction {
	return common.Transaction{Payload: []byte(fmt.Sprintf(`{"op":"set","key":%q,"val":%v}`, key, val))}
}

func TestNewAgentRejectsInvalidConfig(t *testing.T) {
	cfg := agentConfig("a", []string{"a"}, time.Second, time.Second)
	cfg.Active = nil
	_, err := NewAgent(cfg, storage.NewMemoryStore())
	require.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestSingleAgentCommitsWrites(t *testing.T) {
	cfg := agentConfig("a", []string{"a"}, 20*time.Millisecond, 40*time.Millisecond)
	cfg.CompactionStepSize = 5
	cfg.CompactionKeepSize = 2
	a := startAgent(t, cfg)
	require.Eventually(t, a.Leading, 2*time.Second, 5*time.Millisecond)

	var last common.Index
	for i := 1; i <= 12; i++ {
		tx := set("k", i)
		tx.ClientId = "client"
		indices, err := a.Write([]common.Transaction{tx})
		require.NoError(t, err)
		require.Len(t, indices, 1)
		require.NotZero(t, indices[0])
		last = indices[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.WaitForCommit(ctx, last))

	v, ok := a.Read("k")
	require.True(t, ok)
	require.Equal(t, "12", v)
	require.Equal(t, []common.Index{last}, a.Inquire([]string{"client"}))

	require.Eventually(t, func() bool {
		return a.state.LastCompactionAt() >= 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWritePreconditions(t *testing.T) {
	a := startAgent(t, agentConfig("a", []string{"a"}, 20*time.Millisecond, 40*time.Millisecond))
	require.Eventually(t, a.Leading, 2*time.Second, 5*time.Millisecond)

	indices, err := a.Write([]common.Transaction{set("k", 1)})
	require.NoError(t, err)

	guarded := []common.Transaction{
		{Payload: []byte(`{"op":"set","key":"k","val":2,"prev":1}`)},
		{Payload: []byte(`{"op":"set","key":"k","val":3,"prev":7}`)},
		{Payload: []byte(`not json`)},
	}
	indices, err = a.Write(guarded)
	require.NoError(t, err)
	require.NotZero(t, indices[0])
	require.Zero(t, indices[1])
	require.Zero(t, indices[2])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.WaitForCommit(ctx, indices[0]))
	v, _ := a.Read("k")
	require.Equal(t, "2", v)
}

func TestWaitForCommitHonorsContext(t *testing.T) {
	a, err := NewAgent(agentConfig("a", []string{"a", "b", "c"}, time.Second, 2*time.Second), storage.NewMemoryStore())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.WaitForCommit(ctx, 1), context.DeadlineExceeded)

	_, err = a.Write([]common.Transaction{set("k", 1)})
	require.ErrorIs(t, err, common.ErrNotLeader)
}

func TestReconfigurationCommitUpdatesConfig(t *testing.T) {
	a := startAgent(t, agentConfig("a", []string{"a"}, 20*time.Millisecond, 40*time.Millisecond))
	require.Eventually(t, a.Leading, 2*time.Second, 5*time.Millisecond)

	reconf := common.Transaction{Payload: []byte(`{"/.agency":{"op":"set","new":{"pool":{"a":"passthrough:///a","z":"passthrough:///z"},"timeoutMult":3}}}`)}
	indices, err := a.Write([]common.Transaction{reconf})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.WaitForCommit(ctx, indices[0]))

	cfg := a.Config()
	_, ok := cfg.Endpoint("z")
	require.True(t, ok)
	require.Equal(t, []string{"a"}, cfg.Active)

	persisted, ok, err := a.state.Configuration()
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(persisted), `"z"`)
}

func TestRestartRecoversAppliedState(t *testing.T) {
	persister := storage.NewMemoryStore()
	cfg := agentConfig("a", []string{"a"}, 20*time.Millisecond, 40*time.Millisecond)
	cfg.CompactionStepSize = 3
	cfg.CompactionKeepSize = 1

	a, err := NewAgent(cfg, persister)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	require.Eventually(t, a.Leading, 2*time.Second, 5*time.Millisecond)
	for i := 1; i <= 6; i++ {
		_, err := a.Write([]common.Transaction{set("k", i)})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return a.state.LastCompactionAt() >= 3 }, 2*time.Second, 10*time.Millisecond)
	term := a.Constituent().Term()
	a.Stop()

	b, err := NewAgent(cfg, persister)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)

	require.GreaterOrEqual(t, b.Constituent().Term(), term)
	require.Eventually(t, b.Leading, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		v, _ := b.Read("k")
		return v == "6"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAppendEntriesHandler(t *testing.T) {
	// 心跳间隔足够长，测试期间不会发起选举
	a := startAgent(t, agentConfig("a", []string{"a", "b", "c"}, 5*time.Second, 10*time.Second))
	ctx := context.Background()

	_, err := a.AppendEntries(ctx, &rpc.AppendEntriesReq{
		Term: 1, LeaderId: "b",
		Entries: []common.LogEntry{{Index: 0, Term: 1, Entry: set("x", 1).Payload}},
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	resp, err := a.AppendEntries(ctx, &rpc.AppendEntriesReq{
		Term: 1, LeaderId: "b", LeaderCommit: 1,
		Entries: []common.LogEntry{
			{Index: 1, Term: 1, Entry: set("x", 1).Payload},
			{Index: 2, Term: 1, Entry: set("x", 2).Payload},
		},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, common.Index(2), resp.LastIndex)
	require.Equal(t, "b", a.LeaderID())
	require.Equal(t, common.Index(1), a.CommitIndex())
	v, _ := a.Read("x")
	require.Equal(t, "1", v)

	// prev 不匹配
	resp, err = a.AppendEntries(ctx, &rpc.AppendEntriesReq{Term: 1, LeaderId: "b", PrevLogIndex: 5, PrevLogTerm: 1, LeaderCommit: 2})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, common.Index(2), resp.LastIndex)

	// 过期的leader
	resp, err = a.AppendEntries(ctx, &rpc.AppendEntriesReq{Term: 0, LeaderId: "c"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, common.Term(1), resp.Term)

	// 心跳推进 commit
	resp, err = a.AppendEntries(ctx, &rpc.AppendEntriesReq{Term: 1, LeaderId: "b", PrevLogIndex: 2, PrevLogTerm: 1, LeaderCommit: 2})
	require.NoError(t, err)
	require.True(t, resp.Success)
	v, _ = a.Read("x")
	require.Equal(t, "2", v)
}

func TestAppendEntriesAdoptsSnapshot(t *testing.T) {
	a := startAgent(t, agentConfig("a", []string{"a", "b", "c"}, 5*time.Second, 10*time.Second))

	resp, err := a.AppendEntries(context.Background(), &rpc.AppendEntriesReq{
		Term: 2, LeaderId: "b", PrevLogIndex: 10, PrevLogTerm: 2, LeaderCommit: 11,
		Snapshot: &common.Snapshot{Index: 10, Term: 2, State: []byte(`{"s":"\"snap\""}`), Version: 1},
		Entries:  []common.LogEntry{{Index: 11, Term: 2, Entry: set("t", 11).Payload}},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, common.Index(11), resp.LastIndex)
	require.Equal(t, common.Index(11), a.CommitIndex())

	v, ok := a.Read("s")
	require.True(t, ok)
	require.Equal(t, `"snap"`, v)
	v, _ = a.Read("t")
	require.Equal(t, "11", v)
	require.Equal(t, common.Index(10), a.state.FirstIndex())
}

func TestRequestVoteHandler(t *testing.T) {
	a := startAgent(t, agentConfig("a", []string{"a", "b", "c"}, 5*time.Second, 10*time.Second))

	resp, err := a.RequestVote(context.Background(), &rpc.RequestVoteReq{Term: 3, CandidateId: "b"})
	require.NoError(t, err)
	require.True(t, resp.VoteGranted)
	require.Equal(t, common.Term(3), resp.Term)

	resp, err = a.RequestVote(context.Background(), &rpc.RequestVoteReq{Term: 3, CandidateId: "c"})
	require.NoError(t, err)
	require.False(t, resp.VoteGranted)
}

func TestAppendEntriesBeforeStart(t *testing.T) {
	a, err := NewAgent(agentConfig("a", []string{"a", "b", "c"}, time.Second, 2*time.Second), storage.NewMemoryStore())
	require.NoError(t, err)
	_, err = a.AppendEntries(context.Background(), &rpc.AppendEntriesReq{Term: 1, LeaderId: "b"})
	require.Equal(t, codes.Unavailable, status.Code(err))
}

// bufNet 进程内的 gRPC 网络，地址 passthrough:///id 对应节点 id
type bufNet struct {
	mutex     sync.Mutex
	listeners map[string]*bufconn.Listener
	down      map[string]bool
	conns     map[string][]net.Conn // 节点 -> 它发起或接收的连接
}

// dialer 节点 from 使用的拨号函数，任意一端被隔离时拨号失败
func (n *bufNet) dialer(from string) func(ctx context.Context, addr string) (net.Conn, error) {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		n.mutex.Lock()
		lis, ok := n.listeners[addr]
		down := n.down[from] || n.down[addr]
		n.mutex.Unlock()
		if !ok || down {
			return nil, fmt.Errorf("agent %s unreachable from %s", addr, from)
		}
		conn, err := lis.DialContext(ctx)
		if err != nil {
			return nil, err
		}
		n.mutex.Lock()
		defer n.mutex.Unlock()
		if n.down[from] || n.down[addr] {
			conn.Close()
			return nil, fmt.Errorf("agent %s unreachable from %s", addr, from)
		}
		n.conns[from] = append(n.conns[from], conn)
		n.conns[addr] = append(n.conns[addr], conn)
		return conn, nil
	}
}

// isolate 切断或恢复节点 id 与其它节点的网络，切断时关闭已有连接
func (n *bufNet) isolate(id string, cut bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.down[id] = cut
	if !cut {
		return
	}
	for _, conn := range n.conns[id] {
		conn.Close()
	}
	delete(n.conns, id)
}

func startCluster(t *testing.T, ids []string, configure ...func(*common.Config)) (map[string]*Agent, *bufNet) {
	t.Helper()
	n := &bufNet{
		listeners: make(map[string]*bufconn.Listener),
		down:      make(map[string]bool),
		conns:     make(map[string][]net.Conn),
	}
	agents := make(map[string]*Agent, len(ids))
	for _, id := range ids {
		lis := bufconn.Listen(1 << 20)
		n.listeners[id] = lis
		cfg := agentConfig(id, ids, 50*time.Millisecond, 100*time.Millisecond)
		for _, fn := range configure {
			fn(&cfg)
		}
		a, err := NewAgent(cfg, storage.NewMemoryStore(), WithDialOptions(
			grpc.WithContextDialer(n.dialer(id)),
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff:           backoff.Config{BaseDelay: 10 * time.Millisecond, Multiplier: 1.6, MaxDelay: 100 * time.Millisecond},
				MinConnectTimeout: time.Second,
			}),
		))
		require.NoError(t, err)
		s := rpc.Serve(lis, 0, a)
		t.Cleanup(s.Stop)
		agents[id] = a
	}
	for _, a := range agents {
		require.NoError(t, a.Start())
		t.Cleanup(a.Stop)
	}
	return agents, n
}

func clusterLeader(agents map[string]*Agent) *Agent {
	var leader *Agent
	for _, a := range agents {
		if a.Leading() {
			if leader != nil {
				return nil
			}
			leader = a
		}
	}
	return leader
}

func TestClusterReplicatesWrites(t *testing.T) {
	agents, _ := startCluster(t, []string{"a", "b", "c"})

	var leader *Agent
	require.Eventually(t, func() bool {
		leader = clusterLeader(agents)
		return leader != nil
	}, 10*time.Second, 20*time.Millisecond)

	var indices []common.Index
	require.Eventually(t, func() bool {
		var err error
		indices, err = leader.Write([]common.Transaction{set("k", 42), set("j", `"v"`)})
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, leader.WaitForCommit(ctx, indices[1]))

	for id, a := range agents {
		require.Eventually(t, func() bool {
			v, _ := a.Read("k")
			return v == "42"
		}, 5*time.Second, 20*time.Millisecond, "agent %s did not apply", id)
		if a != leader {
			_, err := a.Write([]common.Transaction{set("k", 1)})
			require.ErrorIs(t, err, common.ErrNotLeader)
			require.Equal(t, leader.id, a.LeaderID())
		}
	}
	require.Equal(t, map[string]string{"j": `"v"`}, leader.Match(MatchPrefix, "j"))
}

func TestVoteTransportOverGrpc(t *testing.T) {
	agents, _ := startCluster(t, []string{"a", "b", "c"}, func(cfg *common.Config) {
		// 足够长的心跳超时，测试期间不会自己发起选举
		cfg.MinPing = 5 * time.Second
		cfg.MaxPing = 10 * time.Second
	})
	transport := voteTransport{agents["a"]}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := transport.RequestVote(ctx, "b", raft.VoteRequest{Term: 3, CandidateId: "a"})
	require.NoError(t, err)
	require.True(t, resp.VoteGranted)
	require.Equal(t, common.Term(3), resp.Term)
	require.Equal(t, "a", agents["b"].Constituent().VotedFor())

	_, err = transport.RequestVote(ctx, "z", raft.VoteRequest{Term: 3, CandidateId: "a"})
	require.Error(t, err)

	agents["a"].Stop()
	_, err = transport.RequestVote(ctx, "c", raft.VoteRequest{Term: 4, CandidateId: "a"})
	require.ErrorIs(t, err, common.ErrStopped)
}

func TestLaggingFollowerReceivesSnapshot(t *testing.T) {
	agents, n := startCluster(t, []string{"a", "b", "c"}, func(cfg *common.Config) {
		cfg.CompactionStepSize = 10
		cfg.CompactionKeepSize = 3
	})

	var leader *Agent
	require.Eventually(t, func() bool {
		leader = clusterLeader(agents)
		return leader != nil
	}, 10*time.Second, 20*time.Millisecond)

	var lagging *Agent
	for _, a := range agents {
		if a != leader {
			lagging = a
			break
		}
	}
	n.isolate(lagging.id, true)

	for i := 0; i < 60; i++ {
		var indices []common.Index
		require.Eventually(t, func() bool {
			l := clusterLeader(agents)
			if l == nil || l == lagging {
				return false
			}
			var err error
			indices, err = l.Write([]common.Transaction{set(fmt.Sprintf("k%d", i), i)})
			if err != nil {
				return false
			}
			leader = l
			return true
		}, 10*time.Second, 10*time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, leader.WaitForCommit(ctx, indices[0]))
		cancel()
	}

	// 压缩之后 leader 不再保留落后节点需要的日志
	require.Eventually(t, func() bool {
		return leader.state.FirstIndex() > lagging.state.LastIndex()+1
	}, 10*time.Second, 20*time.Millisecond)

	n.isolate(lagging.id, false)

	require.Eventually(t, func() bool {
		first, _ := lagging.Read("k0")
		last, _ := lagging.Read("k59")
		return first == "0" && last == "59"
	}, 20*time.Second, 20*time.Millisecond)
	require.Greater(t, lagging.state.FirstIndex(), common.Index(1))
}

func TestNoCompactionAfterStop(t *testing.T) {
	cfg := agentConfig("a", []string{"a"}, 20*time.Millisecond, 40*time.Millisecond)
	cfg.CompactionStepSize = 1000
	a := startAgent(t, cfg)
	require.Eventually(t, a.Leading, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		indices, err := a.Write([]common.Transaction{set(fmt.Sprintf("k%d", i), i)})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, a.WaitForCommit(ctx, indices[0]))
		cancel()
	}
	a.Stop()

	a.mutex.Lock()
	a.config.CompactionStepSize = 5
	a.config.CompactionKeepSize = 2
	a.maybeCompact()
	started := a.compacting.Load()
	a.mutex.Unlock()

	require.False(t, started)
	require.Never(t, func() bool { return a.state.LastCompactionAt() != 0 }, 200*time.Millisecond, 20*time.Millisecond)
}
