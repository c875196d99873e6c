package transport

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"cdpwire/internal/protocol"
)

// reply 挂起槽位的最终结果
type reply struct {
	result json.RawMessage
	perr   *protocol.Error
	err    error
}

// registry 命令关联表：为每个 id 维护一个完成槽位，首次解决生效
type registry struct {
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan reply
	closed  error
}

func newRegistry() *registry {
	return &registry{pending: make(map[uint64]chan reply)}
}

// register 分配新 id 并登记槽位；连接已关闭时返回关闭原因
func (r *registry) register() (uint64, <-chan reply, error) {
	ch := make(chan reply, 1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		return 0, nil, r.closed
	}
	id := r.nextID.Add(1)
	r.pending[id] = ch
	return id, ch, nil
}

// resolve 解决槽位；id 未知（已超时或从未发出）时返回 false
func (r *registry) resolve(id uint64, rep reply) bool {
	r.mu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- rep
	return true
}

// forget 丢弃孤立槽位，之后到达的响应会被忽略
func (r *registry) forget(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// failAll 关闭注册表并以 err 解决所有挂起槽位
func (r *registry) failAll(err error) int {
	r.mu.Lock()
	if r.closed == nil {
		r.closed = err
	}
	pending := r.pending
	r.pending = make(map[uint64]chan reply)
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
	return len(pending)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
