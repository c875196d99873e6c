package route

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"cdpwire/internal/logger"
)

// Handler 路由处理函数
type Handler interface {
	HandleRoute(ctx context.Context, r *Route) error
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, r *Route) error

func (f HandlerFunc) HandleRoute(ctx context.Context, r *Route) error { return f(ctx, r) }

// Enabler 页面拦截开关，由 Interceptor 实现
type Enabler interface {
	// Refresh 根据当前路由与凭据同步 Fetch 域的启用状态
	Refresh(ctx context.Context) error
}

// AddOption 路由注册参数
type AddOption func(*Entry)

// Times 处理函数在被调用 n 次后失效
func Times(n int) AddOption {
	return func(e *Entry) {
		if n > 0 {
			e.remaining.Store(int32(n))
		}
	}
}

// Entry 一条路由注册
type Entry struct {
	owner     *Registry
	id        uint64
	matcher   Matcher
	handler   Handler
	remaining atomic.Int32 // <0 表示不限次数
}

// take 占用一次调用机会
func (e *Entry) take() bool {
	for {
		n := e.remaining.Load()
		if n < 0 {
			return true
		}
		if n == 0 {
			return false
		}
		if e.remaining.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (e *Entry) exhausted() bool { return e.remaining.Load() == 0 }

func (e *Entry) ID() uint64 { return e.id }

func (e *Entry) Pattern() string { return e.matcher.String() }

// Registry 路由表。上下文级路由表持有页面级路由表的弱引用
type Registry struct {
	parent  *Registry
	enabler Enabler
	log     logger.Logger

	nextID atomic.Uint64

	mu      sync.RWMutex
	entries []*Entry

	childMu  sync.RWMutex
	children []weak.Pointer[Registry]
}

// NewContextRegistry 创建上下文级路由表
func NewContextRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{log: log}
}

// NewPageRegistry 为页面创建子路由表；上下文只保留弱引用
func (r *Registry) NewPageRegistry(enabler Enabler) *Registry {
	child := &Registry{parent: r, enabler: enabler, log: r.log}
	r.childMu.Lock()
	r.children = append(r.children, weak.Make(child))
	r.childMu.Unlock()
	return child
}

// Parent 页面路由表所属的上下文路由表
func (r *Registry) Parent() *Registry { return r.parent }

// Add 注册处理函数并在返回前让受影响的页面启用拦截
func (r *Registry) Add(ctx context.Context, m Matcher, h Handler, opts ...AddOption) (uint64, error) {
	e := &Entry{owner: r, id: r.nextID.Add(1), matcher: m, handler: h}
	e.remaining.Store(-1)
	for _, o := range opts {
		o(e)
	}

	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	r.log.Debug("注册路由", "pattern", m.String(), "id", e.id, "context", r.parent == nil)
	return e.id, r.refresh(ctx)
}

// Remove 按 id 注销处理函数
func (r *Registry) Remove(ctx context.Context, id uint64) (bool, error) {
	r.mu.Lock()
	n := len(r.entries)
	r.entries = slices.DeleteFunc(r.entries, func(e *Entry) bool { return e.id == id })
	removed := len(r.entries) != n
	r.mu.Unlock()

	if !removed {
		return false, nil
	}
	return true, r.refresh(ctx)
}

// RemoveMatching 注销所有以 pattern 注册的处理函数
func (r *Registry) RemoveMatching(ctx context.Context, pattern string) (int, error) {
	r.mu.Lock()
	n := len(r.entries)
	r.entries = slices.DeleteFunc(r.entries, func(e *Entry) bool { return e.matcher.String() == pattern })
	removed := n - len(r.entries)
	r.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	return removed, r.refresh(ctx)
}

// Matching 返回匹配 url 的处理函数，最近注册的在前
func (r *Registry) Matching(url string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if !e.exhausted() && e.matcher.Match(url) {
			out = append(out, e)
		}
	}
	return out
}

// Len 有效处理函数数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if !e.exhausted() {
			n++
		}
	}
	return n
}

// Active 本表或上级表中存在有效处理函数
func (r *Registry) Active() bool {
	if r.Len() > 0 {
		return true
	}
	return r.parent != nil && r.parent.Len() > 0
}

// Pages 仍存活的页面路由表，同时清理已回收的弱引用
func (r *Registry) Pages() []*Registry {
	r.childMu.RLock()
	live := make([]*Registry, 0, len(r.children))
	dead := 0
	for _, w := range r.children {
		if p := w.Value(); p != nil {
			live = append(live, p)
		} else {
			dead++
		}
	}
	r.childMu.RUnlock()

	if dead > 0 {
		r.childMu.Lock()
		r.children = slices.DeleteFunc(r.children, func(w weak.Pointer[Registry]) bool { return w.Value() == nil })
		r.childMu.Unlock()
	}
	return live
}

// Detach 页面关闭时从上下文中移除
func (r *Registry) Detach() {
	if r.parent == nil {
		return
	}
	p := r.parent
	p.childMu.Lock()
	p.children = slices.DeleteFunc(p.children, func(w weak.Pointer[Registry]) bool {
		v := w.Value()
		return v == nil || v == r
	})
	p.childMu.Unlock()
}

func (r *Registry) refresh(ctx context.Context) error {
	if r.parent != nil {
		if r.enabler == nil {
			return nil
		}
		return r.enabler.Refresh(ctx)
	}
	var errs []error
	for _, page := range r.Pages() {
		if page.enabler == nil {
			continue
		}
		if err := page.enabler.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// removeExhausted 清理已用尽次数的处理函数
func (e *Entry) removeExhausted(ctx context.Context) {
	if !e.exhausted() {
		return
	}
	if _, err := e.owner.Remove(ctx, e.id); err != nil {
		e.owner.log.Err(err, "移除已失效路由后同步拦截状态失败", "id", e.id)
	}
}
