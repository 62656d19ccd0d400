package state_machine_interface

// 持久化存储的集合
const (
	CollectionLog           = "log"           // 日志条目，key 为补零到20位的索引
	CollectionCompact       = "compact"       // 压缩快照，key 为补零到20位的索引
	CollectionConfiguration = "configuration" // 集群配置，只有一个文档 key "0"
	CollectionElection      = "election"      // 任期与投票，每次变更一条记录，key 为补零到20位的任期
)

var Collections = []string{CollectionLog, CollectionCompact, CollectionConfiguration, CollectionElection}

// Persister 事务型的文档集合存储
type Persister interface {
	Update(fn func(tx Tx) error) error // 读写事务，fn 返回错误时回滚
	View(fn func(tx Tx) error) error   // 只读事务
	Drop() error                       // 删除并重建所有集合
}

type Tx interface {
	Insert(collection, key string, doc []byte) error  // key 已存在时报错
	Replace(collection, key string, doc []byte) error // 插入或覆盖
	Get(collection, key string) ([]byte, bool, error)
	// Ascend 按key升序遍历 key >= from 的文档，fn 返回 false 时停止
	Ascend(collection, from string, fn func(key string, doc []byte) bool) error
	// Last 按key降序的第一个文档
	Last(collection string) (key string, doc []byte, ok bool, err error)
	DeleteBefore(collection, key string) error // 删除 key < X
	DeleteFrom(collection, key string) error   // 删除 key >= X
}
