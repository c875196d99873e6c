package route

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"

	"cdpwire/internal/eventbus"
	"cdpwire/internal/logger"
	"cdpwire/internal/metrics"
	"cdpwire/pkg/model"
)

// Recorder 持久化每次路由处理结果
type Recorder interface {
	Record(ctx context.Context, ev model.InterceptEvent, elapsed time.Duration) error
}

// InterceptorOption 拦截器参数
type InterceptorOption func(*Interceptor)

func WithLogger(l logger.Logger) InterceptorOption { return func(i *Interceptor) { i.log = l } }

func WithMetrics(m *metrics.Metrics) InterceptorOption {
	return func(i *Interceptor) { i.metrics = m }
}

func WithRecorder(r Recorder) InterceptorOption { return func(i *Interceptor) { i.recorder = r } }

// WithEvents 处理结果以非阻塞方式发送到 ch
func WithEvents(ch chan<- model.InterceptEvent) InterceptorOption {
	return func(i *Interceptor) { i.events = ch }
}

func WithAuthRetries(n int) InterceptorOption {
	return func(i *Interceptor) { i.auth = NewAuthHandler(n) }
}

func WithSessionID(id string) InterceptorOption { return func(i *Interceptor) { i.session = id } }

// Interceptor 单个页面的拦截调度：消费 Fetch 事件并按页面、上下文顺序分派给路由
type Interceptor struct {
	cmd      Commander
	session  string
	routes   *Registry
	auth     *AuthHandler
	log      logger.Logger
	metrics  *metrics.Metrics
	recorder Recorder
	events   chan<- model.InterceptEvent

	// syncMu 串行化 Fetch.enable/disable
	syncMu      sync.Mutex
	enabled     bool
	authEnabled bool

	waitMu  sync.Mutex
	waiters map[fetch.RequestID]chan pausedResponse
	closed  bool

	inflight sync.WaitGroup
}

// NewInterceptor 创建页面拦截器；contextRoutes 为 nil 时使用独立的上下文路由表
func NewInterceptor(cmd Commander, contextRoutes *Registry, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		cmd:     cmd,
		auth:    NewAuthHandler(DefaultAuthRetries),
		log:     logger.NewNop(),
		waiters: make(map[fetch.RequestID]chan pausedResponse),
	}
	for _, o := range opts {
		o(i)
	}
	if contextRoutes == nil {
		contextRoutes = NewContextRegistry(i.log)
	}
	i.routes = contextRoutes.NewPageRegistry(i)
	return i
}

// Routes 页面级路由表
func (i *Interceptor) Routes() *Registry { return i.routes }

func (i *Interceptor) Auth() *AuthHandler { return i.auth }

// SetHTTPCredentials 设置认证凭据，nil 表示清除
func (i *Interceptor) SetHTTPCredentials(ctx context.Context, c *Credentials) error {
	i.auth.SetCredentials(c)
	return i.Refresh(ctx)
}

// Enabled Fetch 域是否已启用
func (i *Interceptor) Enabled() bool {
	i.syncMu.Lock()
	defer i.syncMu.Unlock()
	return i.enabled
}

// Refresh 有路由或凭据时启用拦截，全部移除后关闭
func (i *Interceptor) Refresh(ctx context.Context) error {
	i.syncMu.Lock()
	defer i.syncMu.Unlock()

	wantAuth := i.auth.HasCredentials()
	want := wantAuth || i.routes.Active()
	if want == i.enabled && wantAuth == i.authEnabled {
		return nil
	}

	if !want {
		if err := i.cmd.Call(ctx, "Fetch.disable", nil, nil); err != nil {
			return err
		}
		i.enabled, i.authEnabled = false, false
		i.log.Debug("已关闭请求拦截", "session", i.session)
		return nil
	}

	pattern := "*"
	args := &fetch.EnableArgs{
		Patterns:           []fetch.RequestPattern{{URLPattern: &pattern, RequestStage: fetch.RequestStageRequest}},
		HandleAuthRequests: &wantAuth,
	}
	if err := i.cmd.Call(ctx, "Fetch.enable", args, nil); err != nil {
		return err
	}
	i.enabled, i.authEnabled = true, wantAuth
	i.log.Debug("已启用请求拦截", "session", i.session, "auth", wantAuth)
	return nil
}

// Run 消费本页面的 Fetch 事件直到订阅结束
func (i *Interceptor) Run(ctx context.Context, sub *eventbus.Subscription) {
	defer i.shutdown()
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lagged *eventbus.LaggedError
			if errors.As(err, &lagged) {
				// 丢失的暂停请求无法恢复，只能等浏览器侧超时
				i.log.Warn("拦截事件丢失", "session", i.session, "missed", lagged.Missed)
				continue
			}
			return
		}

		switch ev.Method {
		case "Fetch.requestPaused":
			var paused fetch.RequestPausedReply
			if err := ev.Decode(&paused); err != nil {
				i.log.Err(err, "解析拦截事件失败")
				continue
			}
			if ev.Get("responseStatusCode").Exists() || ev.Get("responseErrorReason").Exists() {
				i.deliverResponse(ctx, pausedResponse{reply: &paused, event: ev})
				continue
			}
			i.inflight.Add(1)
			go func() {
				defer i.inflight.Done()
				i.dispatch(ctx, &paused)
			}()
		case "Fetch.authRequired":
			var auth fetch.AuthRequiredReply
			if err := ev.Decode(&auth); err != nil {
				i.log.Err(err, "解析认证事件失败")
				continue
			}
			go i.handleAuth(ctx, &auth)
		}
	}
}

// dispatch 页面路由优先，其次上下文路由，各自按注册顺序倒序尝试
func (i *Interceptor) dispatch(ctx context.Context, ev *fetch.RequestPausedReply) {
	r := newRoute(i.cmd, i, ev)
	url := ev.Request.URL
	chain := i.routes.Matching(url)
	if parent := i.routes.Parent(); parent != nil {
		chain = append(chain, parent.Matching(url)...)
	}

	i.log.Debug("开始处理拦截请求", "url", url, "method", ev.Request.Method, "candidates", len(chain))

offer:
	for _, e := range chain {
		if !e.take() {
			continue
		}
		err := e.handler.HandleRoute(ctx, r)
		e.removeExhausted(ctx)
		if err != nil {
			i.log.Err(err, "路由处理函数返回错误", "url", url, "pattern", e.Pattern())
		}

		switch r.handled() {
		case stateResolved:
			i.finish(ctx, r)
			return
		case stateFallback:
			r.reset()
		default:
			if err == nil {
				i.log.Warn("路由处理函数未处理请求，自动放行", "url", url, "pattern", e.Pattern())
			}
			break offer
		}
	}

	if err := r.Continue(ctx); err != nil && !errors.Is(err, model.ErrAlreadyHandled) {
		i.log.Err(err, "放行请求失败", "url", url)
	}
	i.finish(ctx, r)
}

func (i *Interceptor) finish(ctx context.Context, r *Route) {
	evt := r.record(i.session)
	i.metrics.RouteResolved(string(evt.Action))
	i.sendEvent(evt)
	if i.recorder != nil {
		// 页面关闭时仍需写完最后的记录
		if err := i.recorder.Record(context.WithoutCancel(ctx), evt, time.Since(r.start)); err != nil {
			i.log.Err(err, "记录拦截结果失败", "url", evt.URL)
		}
	}
	i.log.Debug("拦截请求处理完成", "url", evt.URL, "action", evt.Action, "duration", time.Since(r.start))
}

// sendEvent 非阻塞发送处理结果
func (i *Interceptor) sendEvent(evt model.InterceptEvent) {
	if i.events == nil {
		return
	}
	select {
	case i.events <- evt:
	default:
	}
}

func (i *Interceptor) handleAuth(ctx context.Context, ev *fetch.AuthRequiredReply) {
	origin := ev.AuthChallenge.Origin
	d := i.auth.Decide(origin)
	resp := fetch.AuthChallengeResponse{Response: d.Response}
	if d.Response == AuthProvide {
		resp.Username = &d.Username
		resp.Password = &d.Password
	} else {
		i.log.Info("拒绝认证挑战", "origin", origin, "response", d.Response)
	}
	err := i.cmd.Call(ctx, "Fetch.continueWithAuth", &fetch.ContinueWithAuthArgs{
		RequestID:             ev.RequestID,
		AuthChallengeResponse: resp,
	}, nil)
	if err != nil {
		i.log.Err(err, "答复认证挑战失败", "origin", origin)
	}
}

func (i *Interceptor) awaitResponse(id fetch.RequestID) (<-chan pausedResponse, func()) {
	ch := make(chan pausedResponse, 1)
	i.waitMu.Lock()
	defer i.waitMu.Unlock()
	if i.closed {
		close(ch)
		return ch, func() {}
	}
	i.waiters[id] = ch
	return ch, func() {
		i.waitMu.Lock()
		if i.waiters[id] == ch {
			delete(i.waiters, id)
		}
		i.waitMu.Unlock()
	}
}

func (i *Interceptor) deliverResponse(ctx context.Context, p pausedResponse) {
	i.waitMu.Lock()
	ch, ok := i.waiters[p.reply.RequestID]
	if ok {
		delete(i.waiters, p.reply.RequestID)
		ch <- p
	}
	i.waitMu.Unlock()
	if ok {
		return
	}

	i.log.Warn("收到无人等待的响应阶段事件，直接放行", "requestId", p.reply.RequestID)
	go func() {
		err := i.cmd.Call(ctx, "Fetch.continueResponse", &fetch.ContinueResponseArgs{RequestID: p.reply.RequestID}, nil)
		if err != nil {
			i.log.Err(err, "放行响应失败", "requestId", p.reply.RequestID)
		}
	}()
}

// shutdown 页面结束：中止等待中的 Fetch，等处理中的请求收尾后从上下文中摘除
func (i *Interceptor) shutdown() {
	i.waitMu.Lock()
	i.closed = true
	for id, ch := range i.waiters {
		close(ch)
		delete(i.waiters, id)
	}
	i.waitMu.Unlock()
	i.inflight.Wait()
	i.routes.Detach()
}

var _ Enabler = (*Interceptor)(nil)
