package browser

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"cdpwire/internal/route"
	"cdpwire/pkg/model"
)

// Context 浏览器上下文；其路由对其中所有页面生效，优先级低于页面路由
type Context struct {
	b      *Browser
	id     model.ContextID
	guid   string
	routes *route.Registry

	mu    sync.Mutex
	pages map[*Page]struct{}
	creds *route.Credentials
}

func newContext(b *Browser, id model.ContextID) *Context {
	return &Context{
		b:      b,
		id:     id,
		guid:   uuid.NewString(),
		routes: route.NewContextRegistry(b.log),
		pages:  make(map[*Page]struct{}),
	}
}

// ID 浏览器分配的上下文 id，默认上下文为空
func (c *Context) ID() model.ContextID { return c.id }

// GUID 客户端生成的唯一标识
func (c *Context) GUID() string { return c.guid }

// Routes 上下文级路由表
func (c *Context) Routes() *route.Registry { return c.routes }

// NewPage 在本上下文中创建空白页面并附加
func (c *Context) NewPage(ctx context.Context) (*Page, error) {
	params := map[string]any{"url": "about:blank"}
	if c.id != "" {
		params["browserContextId"] = c.id
	}
	var created struct {
		TargetID model.TargetID `json:"targetId"`
	}
	if err := c.b.conn.Call(ctx, "Target.createTarget", params, &created); err != nil {
		return nil, err
	}
	return c.Attach(ctx, created.TargetID)
}

// Attach 以 flatten 模式附加已有目标
func (c *Context) Attach(ctx context.Context, target model.TargetID) (*Page, error) {
	var attached struct {
		SessionID model.SessionID `json:"sessionId"`
	}
	err := c.b.conn.Call(ctx, "Target.attachToTarget", map[string]any{"targetId": target, "flatten": true}, &attached)
	if err != nil {
		return nil, err
	}
	return newPage(ctx, c, target, attached.SessionID)
}

// track 登记页面并写入当前的上下文凭据；与 SetHTTPCredentials 互斥，新页面不会漏掉凭据
func (c *Context) track(p *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[p] = struct{}{}
	if c.creds != nil {
		p.interceptor.Auth().SetCredentials(c.creds)
	}
}

func (c *Context) forget(p *Page) {
	c.mu.Lock()
	delete(c.pages, p)
	c.mu.Unlock()
}

// Pages 当前存活的页面
func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Page, 0, len(c.pages))
	for p := range c.pages {
		out = append(out, p)
	}
	return out
}

// Route 对上下文内所有页面（包括之后创建的）注册路由
func (c *Context) Route(ctx context.Context, pattern string, h route.Handler, opts ...route.AddOption) (uint64, error) {
	m, err := route.Glob(pattern)
	if err != nil {
		return 0, err
	}
	return c.routes.Add(ctx, m, h, opts...)
}

// Unroute 移除 pattern 下的全部上下文路由
func (c *Context) Unroute(ctx context.Context, pattern string) error {
	_, err := c.routes.RemoveMatching(ctx, pattern)
	return err
}

// SetHTTPCredentials 为上下文内的所有页面（包括之后创建的）设置认证凭据
func (c *Context) SetHTTPCredentials(ctx context.Context, cred *route.Credentials) error {
	c.mu.Lock()
	c.creds = cred
	pages := make([]*Page, 0, len(c.pages))
	for p := range c.pages {
		pages = append(pages, p)
	}
	c.mu.Unlock()

	var errs []error
	for _, p := range pages {
		errs = append(errs, p.SetHTTPCredentials(ctx, cred))
	}
	return errors.Join(errs...)
}

// Close 关闭全部页面，非默认上下文同时销毁
func (c *Context) Close(ctx context.Context) error {
	var errs []error
	for _, p := range c.Pages() {
		errs = append(errs, p.Close(ctx))
	}
	if c.id != "" {
		errs = append(errs, c.b.conn.Call(ctx, "Target.disposeBrowserContext", map[string]any{"browserContextId": c.id}, nil))
		c.b.forgetContext(c.id)
	}
	return errors.Join(errs...)
}
