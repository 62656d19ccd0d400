package rpc

import (
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
)

// Serve 在 lis 上启动 gRPC 服务，maxConns > 0 时限制同时接受的连接数
func Serve(lis net.Listener, maxConns int, srv RaftRpcServer, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	RegisterRaftRpcServer(s, srv)
	if maxConns > 0 {
		lis = netutil.LimitListener(lis, maxConns)
	}
	go func() {
		log.Infof("RaftRpc 服务监听 %s", lis.Addr())
		if err := s.Serve(lis); err != nil {
			log.Errorf("RaftRpc 服务退出: %v", err)
		}
	}()
	return s
}
