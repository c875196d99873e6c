package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"cdpwire/internal/metrics"
	"cdpwire/internal/protocol"
	"cdpwire/pkg/model"
)

const DefaultCapacity = 256

// LaggedError 订阅者缓冲溢出，最旧的 Missed 个事件被丢弃
type LaggedError struct {
	Missed int
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("eventbus: subscriber lagged, %d events dropped", e.Missed)
}

// Bus 广播事件到所有当前订阅者，不回放历史事件
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   atomic.Uint64
	capacity int
	closed   bool
	metrics  *metrics.Metrics
}

// New 创建事件总线，capacity<=0 时使用默认容量
func New(capacity int, m *metrics.Metrics) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{subs: make(map[uint64]*Subscription), capacity: capacity, metrics: m}
}

// Option 订阅过滤条件
type Option func(*Subscription)

// WithSession 只接收指定 session 的事件
func WithSession(id string) Option {
	return func(s *Subscription) {
		s.session = id
		s.sessionSet = true
	}
}

// WithMethods 只接收指定方法；以 "." 结尾的条目按域前缀匹配，如 "Fetch."
func WithMethods(methods ...string) Option {
	return func(s *Subscription) { s.methods = append(s.methods, methods...) }
}

// WithCapacity 覆盖单个订阅者的缓冲容量
func WithCapacity(n int) Option {
	return func(s *Subscription) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// Subscribe 注册新的订阅者；总线已关闭时返回的订阅立即结束
func (b *Bus) Subscribe(opts ...Option) *Subscription {
	s := &Subscription{
		id:       b.nextID.Add(1),
		bus:      b,
		capacity: b.capacity,
		notify:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish 投递事件到每个匹配的订阅者，从不阻塞
func (b *Bus) Publish(ev protocol.Event) {
	b.metrics.EventPublished()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.accepts(ev) {
			continue
		}
		if dropped := s.push(ev); dropped {
			b.metrics.EventsLagged(1)
		}
	}
}

// Close 结束所有订阅；缓冲内剩余事件仍可读出
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.markClosed()
	}
}

// Len 当前订阅者数量
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription 单个订阅者的有界事件队列
type Subscription struct {
	id         uint64
	bus        *Bus
	capacity   int
	session    string
	sessionSet bool
	methods    []string

	mu     sync.Mutex
	buf    []protocol.Event
	missed int
	closed bool
	notify chan struct{}
}

func (s *Subscription) accepts(ev protocol.Event) bool {
	if s.sessionSet && ev.SessionID != s.session {
		return false
	}
	if len(s.methods) == 0 {
		return true
	}
	for _, m := range s.methods {
		if m == ev.Method || (strings.HasSuffix(m, ".") && strings.HasPrefix(ev.Method, m)) {
			return true
		}
	}
	return false
}

func (s *Subscription) push(ev protocol.Event) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.buf) >= s.capacity {
		s.buf = s.buf[1:]
		s.missed++
		dropped = true
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv 读取下一个事件。发生溢出后先返回一次 *LaggedError，之后继续返回后续事件；
// 订阅结束且缓冲读尽后返回 model.ErrConnectionLost
func (s *Subscription) Recv(ctx context.Context) (protocol.Event, error) {
	for {
		s.mu.Lock()
		if s.missed > 0 {
			n := s.missed
			s.missed = 0
			s.mu.Unlock()
			return protocol.Event{}, &LaggedError{Missed: n}
		}
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf[0] = protocol.Event{}
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return protocol.Event{}, model.ErrConnectionLost
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return protocol.Event{}, ctx.Err()
		}
	}
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.markClosed()
}
