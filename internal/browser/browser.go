// Package browser 对外的 Browser / Context / Page 入口，组合传输、生命周期与拦截层
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mafredri/cdp/devtool"

	"cdpwire/internal/config"
	"cdpwire/internal/eventbus"
	"cdpwire/internal/logger"
	"cdpwire/internal/metrics"
	"cdpwire/internal/route"
	"cdpwire/internal/session"
	"cdpwire/internal/transport"
	"cdpwire/pkg/model"
)

// Option 连接参数
type Option func(*Browser)

func WithLogger(l logger.Logger) Option { return func(b *Browser) { b.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Browser) { b.metrics = m } }

// WithRecorder 每个页面的路由处理结果都写入 r
func WithRecorder(r route.Recorder) Option { return func(b *Browser) { b.recorder = r } }

func WithConfig(c *config.Config) Option { return func(b *Browser) { b.cfg = c } }

// Browser 一条到浏览器的连接
type Browser struct {
	conn     *transport.Conn
	cfg      *config.Config
	log      logger.Logger
	metrics  *metrics.Metrics
	recorder route.Recorder
	sessions *session.Manager

	defaultCtx *Context

	mu       sync.Mutex
	contexts map[model.ContextID]*Context

	watchDone chan struct{}
}

// Connect 连接浏览器；endpoint 可以是 http://host:port 调试地址或 ws:// 地址
func Connect(ctx context.Context, endpoint string, opts ...Option) (*Browser, error) {
	b := &Browser{contexts: make(map[model.ContextID]*Context), watchDone: make(chan struct{})}
	for _, o := range opts {
		o(b)
	}
	if b.cfg == nil {
		b.cfg = config.NewConfig()
	}
	if b.log == nil {
		b.log = logger.NewNop()
	}
	b.sessions = session.NewManager(b.log)

	wsURL, err := resolveEndpoint(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(ctx, wsURL,
		transport.WithLogger(b.log),
		transport.WithMetrics(b.metrics),
		transport.WithCommandTimeout(b.cfg.CommandTimeout()),
		transport.WithEventBuffer(b.cfg.CDP.EventBufferSize),
	)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	b.defaultCtx = newContext(b, "")

	// 先订阅再开启目标发现，避免漏掉分离事件
	sub := conn.Subscribe(eventbus.WithSession(""), eventbus.WithMethods(
		"Target.detachedFromTarget", "Target.targetDestroyed", "Target.targetCrashed",
	))
	go b.watch(sub)

	if err := conn.Call(ctx, "Target.setDiscoverTargets", map[string]any{"discover": true}, nil); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("enable target discovery: %w", err)
	}
	b.log.Info("已连接浏览器", "endpoint", endpoint)
	return b, nil
}

// resolveEndpoint http 地址通过 /json/version 换取浏览器 WebSocket 地址
func resolveEndpoint(ctx context.Context, endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint, nil
	}
	v, err := devtool.New(endpoint).Version(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", endpoint, err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("resolve %s: no webSocketDebuggerUrl", endpoint)
	}
	return v.WebSocketDebuggerURL, nil
}

// watch 把浏览器级的分离/销毁事件转成页面关闭
func (b *Browser) watch(sub *eventbus.Subscription) {
	defer close(b.watchDone)
	defer sub.Close()
	for {
		ev, err := sub.Recv(context.Background())
		if err != nil {
			var lagged *eventbus.LaggedError
			if errors.As(err, &lagged) {
				b.log.Warn("目标事件丢失", "missed", lagged.Missed)
				continue
			}
			b.sessions.CloseAll(err)
			return
		}
		switch ev.Method {
		case "Target.detachedFromTarget":
			id := model.SessionID(ev.Get("sessionId").String())
			if b.sessions.Detach(id, model.ErrAborted) {
				b.log.Info("页面已分离", "session", id)
			}
		case "Target.targetDestroyed", "Target.targetCrashed":
			target := model.TargetID(ev.Get("targetId").String())
			for _, s := range b.sessions.ByTarget(target) {
				b.sessions.Detach(s.ID, model.ErrAborted)
				b.log.Info("页面目标已销毁", "target", target, "event", ev.Method)
			}
		}
	}
}

// Targets 列出浏览器目标
func (b *Browser) Targets(ctx context.Context) ([]model.TargetInfo, error) {
	var res struct {
		TargetInfos []model.TargetInfo `json:"targetInfos"`
	}
	if err := b.conn.Call(ctx, "Target.getTargets", nil, &res); err != nil {
		return nil, err
	}
	return res.TargetInfos, nil
}

// DefaultContext 浏览器默认上下文
func (b *Browser) DefaultContext() *Context { return b.defaultCtx }

// NewContext 创建隔离的浏览器上下文
func (b *Browser) NewContext(ctx context.Context) (*Context, error) {
	var res struct {
		BrowserContextID model.ContextID `json:"browserContextId"`
	}
	if err := b.conn.Call(ctx, "Target.createBrowserContext", map[string]any{"disposeOnDetach": true}, &res); err != nil {
		return nil, err
	}
	c := newContext(b, res.BrowserContextID)
	b.mu.Lock()
	b.contexts[c.id] = c
	b.mu.Unlock()
	return c, nil
}

func (b *Browser) forgetContext(id model.ContextID) {
	b.mu.Lock()
	delete(b.contexts, id)
	b.mu.Unlock()
}

// Conn 底层连接
func (b *Browser) Conn() *transport.Conn { return b.conn }

// Done 连接结束时关闭
func (b *Browser) Done() <-chan struct{} { return b.conn.Done() }

// Close 断开连接；所有页面的等待以 ErrAborted 结束
func (b *Browser) Close() error {
	err := b.conn.Close()
	<-b.watchDone
	return err
}
