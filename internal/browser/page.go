package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cdpwire/internal/eventbus"
	"cdpwire/internal/lifecycle"
	"cdpwire/internal/logger"
	"cdpwire/internal/route"
	"cdpwire/internal/session"
	"cdpwire/internal/transport"
	"cdpwire/pkg/model"
)

// Page 一个已附加的页面目标
type Page struct {
	ctx     *Context
	target  model.TargetID
	guid    string
	sess    *transport.Session
	log     logger.Logger
	timeout time.Duration

	waiter      *lifecycle.Waiter
	watcher     *lifecycle.NavigationWatcher
	interceptor *route.Interceptor

	cancel    context.CancelFunc
	loops     sync.WaitGroup
	closeOnce sync.Once
}

func newPage(ctx context.Context, c *Context, target model.TargetID, sid model.SessionID) (*Page, error) {
	b := c.b
	sess := b.conn.Session(string(sid))
	log := b.log.With("session", sid, "target", target)

	p := &Page{
		ctx:     c,
		target:  target,
		guid:    uuid.NewString(),
		sess:    sess,
		log:     log,
		timeout: b.cfg.NavigationTimeout(),
	}
	p.waiter = lifecycle.NewWaiter(lifecycle.WithNetworkIdle(b.cfg.NetworkIdle()), lifecycle.WithLogger(log))
	p.watcher = lifecycle.NewNavigationWatcher(p.waiter, sess,
		lifecycle.WithDetectionWindow(b.cfg.DetectionWindow()),
		lifecycle.WithNavigationTimeout(p.timeout),
		lifecycle.WithWatchLogger(log),
	)
	iopts := []route.InterceptorOption{
		route.WithLogger(log),
		route.WithMetrics(b.metrics),
		route.WithSessionID(string(sid)),
		route.WithAuthRetries(b.cfg.Auth.MaxRetries),
	}
	if b.recorder != nil {
		iopts = append(iopts, route.WithRecorder(b.recorder))
	}
	p.interceptor = route.NewInterceptor(sess, c.routes, iopts...)

	// 订阅在启用各域之前建立
	lifecycleSub := sess.Subscribe(eventbus.WithMethods("Page.", "Network."))
	fetchSub := sess.Subscribe(eventbus.WithMethods("Fetch."))
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.loops.Add(2)
	go func() {
		defer p.loops.Done()
		defer lifecycleSub.Close()
		p.waiter.Run(runCtx, lifecycleSub)
	}()
	go func() {
		defer p.loops.Done()
		defer fetchSub.Close()
		p.interceptor.Run(runCtx, fetchSub)
	}()

	b.sessions.Add(session.New(sid, target, c.id, p.shutdown))

	for _, method := range []string{"Page.enable", "Network.enable"} {
		if err := sess.Call(ctx, method, nil, nil); err != nil {
			b.sessions.Detach(sid, model.ErrAborted)
			return nil, fmt.Errorf("%s: %w", method, err)
		}
	}
	var tree struct {
		FrameTree struct {
			Frame struct {
				ID       string `json:"id"`
				LoaderID string `json:"loaderId"`
			} `json:"frame"`
		} `json:"frameTree"`
	}
	if err := sess.Call(ctx, "Page.getFrameTree", nil, &tree); err != nil {
		b.sessions.Detach(sid, model.ErrAborted)
		return nil, err
	}
	p.waiter.Commit(tree.FrameTree.Frame.LoaderID, tree.FrameTree.Frame.ID)

	// 上下文已有路由或凭据时立即开启拦截
	c.track(p)
	if err := p.interceptor.Refresh(ctx); err != nil {
		b.sessions.Detach(sid, model.ErrAborted)
		return nil, err
	}
	p.log.Info("页面已附加")
	return p, nil
}

// shutdown 页面结束：停止事件循环并中止所有等待
func (p *Page) shutdown(cause error) {
	p.closeOnce.Do(func() {
		p.waiter.Close(cause)
		p.cancel()
		p.ctx.forget(p)
		p.log.Info("页面已关闭", "cause", cause)
	})
}

func (p *Page) TargetID() model.TargetID { return p.target }

func (p *Page) SessionID() model.SessionID { return model.SessionID(p.sess.ID()) }

// GUID 客户端生成的唯一标识
func (p *Page) GUID() string { return p.guid }

func (p *Page) Context() *Context { return p.ctx }

// Routes 页面级路由表
func (p *Page) Routes() *route.Registry { return p.interceptor.Routes() }

// GotoOptions 导航参数
type GotoOptions struct {
	WaitUntil model.LoadState
	Timeout   time.Duration
	Referer   string
}

// Goto 导航并等待到达 WaitUntil；同文档导航返回 nil 响应
func (p *Page) Goto(ctx context.Context, url string, opts GotoOptions) (*lifecycle.MainResponse, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	params := map[string]any{"url": url}
	if opts.Referer != "" {
		params["referrer"] = opts.Referer
	}

	p.waiter.Reset()
	var res struct {
		FrameID   string `json:"frameId"`
		LoaderID  string `json:"loaderId"`
		ErrorText string `json:"errorText"`
	}
	if err := p.sess.Call(ctx, "Page.navigate", params, &res); err != nil {
		p.waiter.Commit("", "")
		return nil, err
	}
	if res.ErrorText != "" {
		p.waiter.Commit("", "")
		return nil, fmt.Errorf("navigate %s: %s", url, res.ErrorText)
	}
	p.waiter.Commit(res.LoaderID, res.FrameID)

	if err := p.waiter.Wait(ctx, opts.WaitUntil, timeout); err != nil {
		return nil, err
	}
	if res.LoaderID == "" {
		return nil, nil
	}
	return p.waiter.MainResponse(), nil
}

// Reload 重新加载并等待到达 waitUntil
func (p *Page) Reload(ctx context.Context, waitUntil model.LoadState, timeout time.Duration) (*lifecycle.MainResponse, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}
	p.waiter.Reset()
	if err := p.sess.Call(ctx, "Page.reload", nil, nil); err != nil {
		p.waiter.Commit("", "")
		return nil, err
	}
	// 提交由 frameNavigated 事件完成
	if err := p.waiter.Wait(ctx, waitUntil, timeout); err != nil {
		return nil, err
	}
	return p.waiter.MainResponse(), nil
}

// WaitForLoadState 等待当前导航到达 state；已到达时立即返回
func (p *Page) WaitForLoadState(ctx context.Context, state model.LoadState, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.timeout
	}
	return p.waiter.Wait(ctx, state, timeout)
}

// LoadState 当前加载状态
func (p *Page) LoadState() model.LoadState {
	s, _ := p.waiter.State()
	return s
}

// RunAndWaitForNavigation 执行可能触发导航的操作；触发时等待 Load
func (p *Page) RunAndWaitForNavigation(ctx context.Context, action func(context.Context) error) error {
	return p.watcher.Run(ctx, action)
}

// Evaluate 在页面中执行表达式并按值返回结果
func (p *Page) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	var res struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	err := p.sess.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &res)
	if err != nil {
		return nil, err
	}
	if d := res.ExceptionDetails; d != nil {
		msg := d.Exception.Description
		if msg == "" {
			msg = d.Text
		}
		return nil, fmt.Errorf("evaluate: %s", msg)
	}
	if res.Result.Value == nil {
		return json.RawMessage("null"), nil
	}
	return res.Result.Value, nil
}

// Route 注册页面级路由，后注册者优先
func (p *Page) Route(ctx context.Context, pattern string, h route.Handler, opts ...route.AddOption) (uint64, error) {
	m, err := route.Glob(pattern)
	if err != nil {
		return 0, err
	}
	return p.interceptor.Routes().Add(ctx, m, h, opts...)
}

// Unroute 移除 pattern 下的全部页面路由；没有路由和凭据时关闭拦截
func (p *Page) Unroute(ctx context.Context, pattern string) error {
	_, err := p.interceptor.Routes().RemoveMatching(ctx, pattern)
	return err
}

// SetHTTPCredentials 设置 HTTP 认证凭据，nil 表示清除
func (p *Page) SetHTTPCredentials(ctx context.Context, cred *route.Credentials) error {
	return p.interceptor.SetHTTPCredentials(ctx, cred)
}

// Subscribe 订阅本页面的事件
func (p *Page) Subscribe(opts ...eventbus.Option) *eventbus.Subscription {
	return p.sess.Subscribe(opts...)
}

// Send 在页面 session 上发送任意命令
func (p *Page) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return p.sess.Send(ctx, method, params)
}

// Close 关闭页面目标
func (p *Page) Close(ctx context.Context) error {
	err := p.sess.Conn().Call(ctx, "Target.closeTarget", map[string]any{"targetId": p.target}, nil)
	p.ctx.b.sessions.Detach(p.SessionID(), model.ErrAborted)
	p.loops.Wait()
	return err
}
