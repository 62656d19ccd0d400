package raft

import (
	"time"

	"go_raft_agency/raft/common"
	smi "go_raft_agency/raft/state_machine_interface"

	log "github.com/sirupsen/logrus"
)

// Start 读取持久化的任期与投票并启动主循环
func (c *Constituent) Start() error {
	if err := c.LoadPersisted(); err != nil {
		return err
	}
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	go c.run()
	return nil
}

// Stop 设置停止标记，唤醒所有等待并等待主循环退出
func (c *Constituent) Stop() {
	c.stopping.Store(true)
	c.stopOnce.Do(func() { close(c.stop) })
	if c.running.Load() {
		<-c.done
	}
}

/*
* run 主循环
* Follower: 随机超时内没有收到心跳 -> Candidate
* Candidate: 发起选举
* Leader: 给到期的 follower 发送心跳
 */
func (c *Constituent) run() {
	defer close(c.done)
	defer c.running.Store(false)

	cfg := c.driver.Config()
	if cfg.Size() == 1 && cfg.IsActive(c.id) {
		// 单节点集群直接成为leader
		c.candidate()
	}

	for !c.stopping.Load() {
		switch c.Role() {
		case common.Follower:
			c.followerTick()
		case common.Candidate:
			c.callElection()
		case common.Leader:
			c.leaderTick()
		}
	}
	log.Infof("节点 %s 选举主循环退出", c.id)
}

func (c *Constituent) followerTick() {
	c.decayTimeoutMult()
	cfg := c.driver.Config()
	if !cfg.IsActive(c.id) {
		// 不在活跃列表中的节点不参与选举
		c.wait(cfg.MinPing)
		return
	}

	started := time.Now()
	seen := c.LastHeartbeatSeen()
	var since time.Duration
	if !seen.IsZero() {
		since = started.Sub(seen)
	}
	timeout := electionTimeout(cfg, since)
	if c.wait(timeout) {
		return
	}

	g, unlock := c.acquire()
	defer unlock()
	if c.stopping.Load() || c.Role() != common.Follower {
		return
	}
	if c.lastHeartbeatSeen.After(started) {
		log.Debugf("从%v到now收到心跳，不进行选举，当前节点id: %s, 当前term: %d", started, c.id, c.term)
		return
	}
	g.candidate()
}

func (c *Constituent) leaderTick() {
	c.decayTimeoutMult()
	cfg := c.driver.Config()
	mult := cfg.TimeoutMult
	if mult < 1 {
		mult = 1
	}
	interval := time.Duration(0.25 * float64(cfg.MinPing) * float64(mult))
	next := c.sendHeartbeats(cfg.Peers(), interval, time.Now())
	c.wait(next)
}

// sendHeartbeats 只给超过 interval 没发过心跳的 follower 发送，返回距下一个到期的时间
func (c *Constituent) sendHeartbeats(followers []string, interval time.Duration, now time.Time) time.Duration {
	next := interval
	var due []string

	c.heartbeatMutex.Lock()
	for _, f := range followers {
		elapsed := now.Sub(c.lastHeartbeatSent[f])
		if elapsed >= interval {
			due = append(due, f)
			c.lastHeartbeatSent[f] = now
			continue
		}
		if remaining := interval - elapsed; remaining < next {
			next = remaining
		}
	}
	c.heartbeatMutex.Unlock()

	for _, f := range due {
		log.Debugf("当前Leader节点id: %s, 给 %s 发送心跳包", c.id, f)
		c.driver.SendEmptyAppendEntriesRPC(f)
		c.metrics.Inc(smi.MetricHeartbeatsSent)
	}
	return next
}

// NotifyHeartbeatSent 驱动方发送了带日志的 AppendEntries，同样算作心跳
func (c *Constituent) NotifyHeartbeatSent(followerId string) {
	c.heartbeatMutex.Lock()
	c.lastHeartbeatSent[followerId] = time.Now()
	c.heartbeatMutex.Unlock()
}

// wait 等待 d，被唤醒或停止时提前返回 true
func (c *Constituent) wait(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.wake:
		return true
	case <-c.stop:
		return true
	case <-timer.C:
		return false
	}
}
