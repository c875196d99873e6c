// Package lifecycle 把页面生命周期与网络事件转换为可等待的加载状态
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"cdpwire/internal/eventbus"
	"cdpwire/internal/logger"
	"cdpwire/internal/protocol"
	"cdpwire/pkg/model"
)

const DefaultNetworkIdle = 500 * time.Millisecond

// MainResponse 主文档响应
type MainResponse struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	MimeType   string            `json:"mimeType"`
	Headers    map[string]string `json:"headers"`
}

// Option Waiter 参数
type Option func(*Waiter)

// WithNetworkIdle 设置网络空闲判定时长
func WithNetworkIdle(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.idle = d
		}
	}
}

func WithLogger(l logger.Logger) Option { return func(w *Waiter) { w.log = l } }

// Waiter 单个页面主框架的加载状态机
type Waiter struct {
	log  logger.Logger
	idle time.Duration

	mu        sync.Mutex
	state     model.LoadState
	prev      model.LoadState
	committed bool
	frameID   string
	loaderID  string
	pending   map[string]struct{}
	docs      map[string]*MainResponse
	gen       uint64
	changed   chan struct{}
	closed    error
}

// NewWaiter 创建状态机；初始为已提交的 Commit 状态
func NewWaiter(opts ...Option) *Waiter {
	w := &Waiter{
		idle:      DefaultNetworkIdle,
		state:     model.LoadStateCommit,
		committed: true,
		pending:   make(map[string]struct{}),
		docs:      make(map[string]*MainResponse),
		changed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.log == nil {
		w.log = logger.NewNop()
	}
	return w
}

// Reset 在发出导航命令前调用：回到 Commit 并等待新的提交
func (w *Waiter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prev = w.state
	w.state = model.LoadStateCommit
	w.committed = false
	w.loaderID = ""
	clear(w.pending)
	clear(w.docs)
	w.gen++
	w.notifyLocked()
}

// Commit 导航命令成功后调用；loaderID 为空表示同文档导航，恢复导航前的状态
func (w *Waiter) Commit(loaderID, frameID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if frameID != "" {
		w.frameID = frameID
	}
	if loaderID == "" {
		if !w.committed && w.prev > w.state {
			w.state = w.prev
		}
		w.committed = true
		w.notifyLocked()
		return
	}
	if w.committed && w.loaderID != "" {
		// 事件已先行提交了本次或更新的导航
		return
	}
	w.state = model.LoadStateCommit
	w.loaderID = loaderID
	w.committed = true
	w.armIdleLocked()
	w.notifyLocked()
}

// Handle 应用单个事件；对同一事件重复调用是安全的
func (w *Waiter) Handle(ev protocol.Event) {
	switch ev.Method {
	case "Page.domContentEventFired":
		w.advance(model.LoadStateDOMContentLoaded)
	case "Page.loadEventFired":
		w.advance(model.LoadStateLoad)
	case "Page.frameNavigated":
		if ev.Get("frame.parentId").String() != "" {
			return
		}
		w.mainFrameNavigated(ev.Get("frame.loaderId").String(), ev.Get("frame.id").String())
	case "Network.requestWillBeSent":
		w.requestStarted(ev.Get("requestId").String(), ev.Get("frameId").String())
	case "Network.loadingFinished", "Network.loadingFailed":
		w.requestDone(ev.Get("requestId").String())
	case "Network.responseReceived":
		if ev.Get("type").String() != "Document" {
			return
		}
		headers := make(map[string]string)
		ev.Get("response.headers").ForEach(func(k, v gjson.Result) bool {
			headers[strings.ToLower(k.String())] = v.String()
			return true
		})
		w.documentResponse(ev.Get("requestId").String(), ev.Get("frameId").String(), &MainResponse{
			URL:        ev.Get("response.url").String(),
			Status:     int(ev.Get("response.status").Int()),
			StatusText: ev.Get("response.statusText").String(),
			MimeType:   ev.Get("response.mimeType").String(),
			Headers:    headers,
		})
	}
}

func (w *Waiter) advance(to model.LoadState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// 未提交时收到的是旧文档的事件
	if !w.committed || w.state >= to {
		return
	}
	w.state = to
	if to == model.LoadStateLoad {
		w.armIdleLocked()
	}
	w.notifyLocked()
}

func (w *Waiter) mainFrameNavigated(loaderID, frameID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frameID = frameID
	if loaderID == "" || (w.committed && loaderID == w.loaderID) {
		return
	}
	if w.committed {
		w.log.Debug("主框架发生新导航", "loaderId", loaderID)
	}
	// 旧文档迟到的生命周期事件不能带入新文档
	w.state = model.LoadStateCommit
	w.loaderID = loaderID
	w.committed = true
	w.gen++
	w.notifyLocked()
}

func (w *Waiter) requestStarted(id, frameID string) {
	if id == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.frameID != "" && frameID != "" && frameID != w.frameID {
		return
	}
	w.pending[id] = struct{}{}
	w.gen++
}

func (w *Waiter) requestDone(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[id]; !ok {
		return
	}
	delete(w.pending, id)
	w.gen++
	w.armIdleLocked()
}

func (w *Waiter) documentResponse(requestID, frameID string, resp *MainResponse) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.frameID != "" && frameID != "" && frameID != w.frameID {
		return
	}
	w.docs[requestID] = resp
}

// armIdleLocked 在 Load 之后且无挂起请求时启动静默计时；期间任何网络活动都会使其失效
func (w *Waiter) armIdleLocked() {
	if w.state != model.LoadStateLoad || !w.committed || len(w.pending) > 0 {
		return
	}
	w.gen++
	gen := w.gen
	time.AfterFunc(w.idle, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.gen != gen || len(w.pending) > 0 || w.state != model.LoadStateLoad {
			return
		}
		w.state = model.LoadStateNetworkIdle
		w.notifyLocked()
	})
}

func (w *Waiter) notifyLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}

// Resync 事件丢失后重新推导：清空挂起集合并重新计时
func (w *Waiter) Resync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.pending)
	w.gen++
	w.armIdleLocked()
}

// State 当前状态与是否已提交
func (w *Waiter) State() (model.LoadState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.committed
}

// Pending 挂起请求数
func (w *Waiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// MainResponse 当前导航的主文档响应，未捕获时为 nil
func (w *Waiter) MainResponse() *MainResponse {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loaderID == "" {
		return nil
	}
	return w.docs[w.loaderID]
}

// Wait 等待达到 target；已达到时立即返回
func (w *Waiter) Wait(ctx context.Context, target model.LoadState, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		w.mu.Lock()
		if w.closed != nil {
			err := w.closed
			w.mu.Unlock()
			return err
		}
		if w.committed && w.state >= target {
			w.mu.Unlock()
			return nil
		}
		ch := w.changed
		w.mu.Unlock()

		select {
		case <-ch:
		case <-expired:
			return &model.TimeoutError{Op: "wait for " + target.String(), Duration: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close 结束所有等待，之后 Wait 返回包装了 cause 的 model.ErrAborted
func (w *Waiter) Close(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed != nil {
		return
	}
	switch {
	case cause == nil:
		cause = model.ErrAborted
	case !errors.Is(cause, model.ErrAborted):
		cause = fmt.Errorf("%w: %w", model.ErrAborted, cause)
	}
	w.closed = cause
	w.gen++
	w.notifyLocked()
}

// Run 消费订阅直到连接结束；订阅应只包含本页面 session 的 Page 与 Network 事件
func (w *Waiter) Run(ctx context.Context, sub *eventbus.Subscription) {
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lagged *eventbus.LaggedError
			if errors.As(err, &lagged) {
				w.log.Warn("生命周期事件丢失，重新推导网络状态", "missed", lagged.Missed)
				w.Resync()
				continue
			}
			w.Close(err)
			return
		}
		w.Handle(ev)
	}
}
