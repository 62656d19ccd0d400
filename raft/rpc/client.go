package rpc

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func NewRpcClient(addr string, opts ...grpc.DialOption) (RaftRpcClient, *grpc.ClientConn, error) {
	// 创建一个 gRPC 客户端连接，连接是惰性建立的
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		log.Errorf("collect addr %s failed: %v", addr, err)
		return nil, nil, err
	}
	return NewRaftRpcClient(conn), conn, nil
}

// Pool 按地址复用客户端连接，配置变更后地址变化会建立新连接
type Pool struct {
	mutex   sync.Mutex
	opts    []grpc.DialOption
	conns   map[string]*grpc.ClientConn
	clients map[string]RaftRpcClient
}

func NewPool(opts ...grpc.DialOption) *Pool {
	return &Pool{
		opts:    opts,
		conns:   make(map[string]*grpc.ClientConn),
		clients: make(map[string]RaftRpcClient),
	}
}

func (p *Pool) Client(addr string) (RaftRpcClient, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if c, ok := p.clients[addr]; ok {
		return c, nil
	}
	c, conn, err := NewRpcClient(addr, p.opts...)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	p.clients[addr] = c
	return c, nil
}

func (p *Pool) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil {
			log.Warnf("关闭到 %s 的连接失败: %v", addr, err)
		}
	}
	p.conns = make(map[string]*grpc.ClientConn)
	p.clients = make(map[string]RaftRpcClient)
}
