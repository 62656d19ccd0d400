package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	agency "go_raft_agency"
	"go_raft_agency/raft/rpc"
	smi "go_raft_agency/raft/state_machine_interface"
	"go_raft_agency/server"
	"go_raft_agency/server/storage"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "agency.yaml", "Path to the agent configuration file")
	flag.Parse()

	config, err := agency.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		log.Fatalf("日志级别 %q 无效: %v", config.LogLevel, err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		log.Fatalf("创建数据目录失败: %v", err)
	}
	store, err := storage.OpenBoltStore(config.DataDir)
	if err != nil {
		log.Fatalf("打开持久化存储失败: %v", err)
	}
	defer store.Close()

	var metrics smi.Metrics = smi.NopMetrics{}
	if level >= log.DebugLevel {
		metrics = smi.LogMetrics{}
	}
	agent, err := server.NewAgent(config.AgentConfig(), store, server.WithMetrics(metrics))
	if err != nil {
		log.Fatalf("创建节点失败: %v", err)
	}

	lis, err := net.Listen("tcp", config.Endpoint)
	if err != nil {
		log.Fatalf("监听 %s 失败: %v", config.Endpoint, err)
	}
	grpcServer := rpc.Serve(lis, config.MaxConnections, agent)

	if err := agent.Start(); err != nil {
		log.Fatalf("启动节点失败: %v", err)
	}

	var httpServer *http.Server
	if config.HttpEndpoint != "" {
		httpServer = &http.Server{Addr: config.HttpEndpoint, Handler: agent.Handler()}
		go func() {
			log.Infof("节点 %s HTTP 接口监听 %s", config.ID, config.HttpEndpoint)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("HTTP 服务退出: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("收到退出信号，关闭节点...")
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(ctx)
		cancel()
	}
	// 先停 gRPC，等正在处理的 AppendEntries 返回，再停节点
	grpcServer.GracefulStop()
	agent.Stop()
}
