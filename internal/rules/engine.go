package rules

import (
	"cmp"
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"cdpwire/internal/logger"
	"cdpwire/internal/route"
	"cdpwire/pkg/model"
	"cdpwire/pkg/traffic"
)

type condition struct {
	Condition
	re *regexp.Regexp
}

// compiledRule 预编译的规则，作为路由处理函数
type compiledRule struct {
	id       model.RuleID
	matcher  route.Matcher
	times    int
	priority int

	allOf, anyOf, noneOf []condition
	action               Action
	reason               string
	log                  logger.Logger
}

// Engine 管理已安装到路由表的规则
type Engine struct {
	reg *route.Registry
	log logger.Logger
	ids []uint64
}

func New(reg *route.Registry, l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNop()
	}
	return &Engine{reg: reg, log: l}
}

// Install 替换当前规则集；优先级高的规则先被尝试，同优先级按文件顺序
func (e *Engine) Install(ctx context.Context, rs *RuleSet) error {
	compiled, err := compile(rs, e.log)
	if err != nil {
		return err
	}
	if err := e.Clear(ctx); err != nil {
		return err
	}
	// 路由表后注册先匹配，因此按优先级升序、文件倒序注册
	for i := len(compiled) - 1; i >= 0; i-- {
		c := compiled[i]
		var opts []route.AddOption
		if c.times > 0 {
			opts = append(opts, route.Times(c.times))
		}
		id, err := e.reg.Add(ctx, c.matcher, c, opts...)
		if err != nil {
			return fmt.Errorf("install rule %s: %w", c.id, err)
		}
		e.ids = append(e.ids, id)
	}
	e.log.Info("规则已加载", "count", len(compiled))
	return nil
}

// Clear 移除本引擎安装的全部路由
func (e *Engine) Clear(ctx context.Context) error {
	for _, id := range e.ids {
		if _, err := e.reg.Remove(ctx, id); err != nil {
			return err
		}
	}
	e.ids = nil
	return nil
}

func compile(rs *RuleSet, l logger.Logger) ([]*compiledRule, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	out := make([]*compiledRule, 0, len(rs.Rules))
	for i, r := range rs.Rules {
		c := &compiledRule{id: r.ID, times: r.Times, priority: r.Priority, action: r.Action, log: l}
		if c.id == "" {
			c.id = model.RuleID(fmt.Sprintf("rule-%d", i))
		}
		pattern := r.URL
		if pattern == "" {
			pattern = "**"
		}
		m, err := route.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", c.id, err)
		}
		c.matcher = m

		if c.action.Type == ActionBlock {
			reason, err := route.ErrorReason(c.action.Reason)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", c.id, err)
			}
			c.reason = string(reason)
		}
		for _, group := range []struct {
			src []Condition
			dst *[]condition
		}{{r.Match.AllOf, &c.allOf}, {r.Match.AnyOf, &c.anyOf}, {r.Match.NoneOf, &c.noneOf}} {
			for _, cond := range group.src {
				cc := condition{Condition: cond}
				if cond.Op == OpRegex {
					cc.re, err = regexp.Compile(cond.Value)
					if err != nil {
						return nil, fmt.Errorf("rule %s: %w", c.id, err)
					}
				}
				*group.dst = append(*group.dst, cc)
			}
		}
		out = append(out, c)
	}
	// 稳定排序保留同优先级的文件顺序
	slices.SortStableFunc(out, func(a, b *compiledRule) int {
		return cmp.Compare(b.priority, a.priority)
	})
	return out, nil
}

// Matches 请求是否满足规则条件（URL 已由路由表匹配）
func (c *compiledRule) Matches(req *traffic.Request) bool {
	for _, cond := range c.allOf {
		if !cond.eval(req) {
			return false
		}
	}
	if len(c.anyOf) > 0 && !slices.ContainsFunc(c.anyOf, func(cond condition) bool { return cond.eval(req) }) {
		return false
	}
	return !slices.ContainsFunc(c.noneOf, func(cond condition) bool { return cond.eval(req) })
}

func (c condition) eval(req *traffic.Request) bool {
	var v string
	switch c.Type {
	case ConditionMethod:
		return slices.ContainsFunc(c.Values, func(m string) bool { return strings.EqualFold(m, req.Method) })
	case ConditionHeader:
		if !req.Headers.Has(c.Key) {
			return false
		}
		v = req.Headers.Get(c.Key)
	case ConditionQuery:
		var ok bool
		if v, ok = req.Query[c.Key]; !ok {
			return false
		}
	case ConditionCookie:
		var ok bool
		if v, ok = req.Cookies[c.Key]; !ok {
			return false
		}
	case ConditionJSON:
		res := gjson.GetBytes(req.Body, c.Key)
		if !res.Exists() {
			return false
		}
		v = res.String()
	default:
		return false
	}

	switch c.Op {
	case OpEquals:
		return v == c.Value
	case OpContains:
		return strings.Contains(v, c.Value)
	case OpRegex:
		return c.re.MatchString(v)
	default:
		return true
	}
}

// HandleRoute 条件不满足时回退给下一个路由
func (c *compiledRule) HandleRoute(ctx context.Context, r *route.Route) error {
	req := r.Request()
	if !c.Matches(req) {
		return r.Fallback()
	}
	c.log.Debug("规则命中", "rule", c.id, "url", req.URL, "action", c.action.Type)

	a := c.action
	switch a.Type {
	case ActionBlock:
		return r.Abort(ctx, c.reason)
	case ActionRespond:
		return r.Fulfill(ctx, route.FulfillOptions{
			Status:      a.Status,
			Headers:     a.Headers,
			ContentType: a.ContentType,
			Body:        []byte(a.Body),
		})
	case ActionRewrite:
		return r.Continue(ctx, c.rewriteOptions()...)
	case ActionPatchResponse:
		return c.patch(ctx, r)
	}
	return r.Fallback()
}

func (c *compiledRule) rewriteOptions() []route.ContinueOption {
	a := c.action
	var opts []route.ContinueOption
	if a.URL != "" {
		opts = append(opts, route.WithURL(a.URL))
	}
	if a.Method != "" {
		opts = append(opts, route.WithMethod(a.Method))
	}
	for k, v := range a.Headers {
		opts = append(opts, route.WithHeader(k, v))
	}
	for _, k := range a.RemoveHeaders {
		opts = append(opts, route.WithoutHeader(k))
	}
	if a.PostData != "" {
		opts = append(opts, route.WithPostData([]byte(a.PostData)))
	}
	return opts
}

// patch 取回上游响应，按规则修改后返回给页面
func (c *compiledRule) patch(ctx context.Context, r *route.Route) error {
	a := c.action
	res, err := r.Fetch(ctx)
	if err != nil {
		return err
	}
	// setJSON 的键按字典序应用，保证嵌套路径的结果确定
	keys := make([]string, 0, len(a.SetJSON))
	for k := range a.SetJSON {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := res.SetJSON(k, a.SetJSON[k]); err != nil {
			return fmt.Errorf("rule %s: set %s: %w", c.id, k, err)
		}
	}
	for _, k := range a.DeleteJSON {
		if err := res.DeleteJSON(k); err != nil {
			return fmt.Errorf("rule %s: delete %s: %w", c.id, k, err)
		}
	}
	if a.Body != "" {
		res.Body = []byte(a.Body)
	}
	for k, v := range a.Headers {
		res.Headers.Set(k, v)
	}
	for _, k := range a.RemoveHeaders {
		res.Headers.Del(k)
	}
	return r.Fulfill(ctx, route.FulfillOptions{Status: a.Status, ContentType: a.ContentType, Response: res})
}
