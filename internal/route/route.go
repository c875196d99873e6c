// Package route 实现请求拦截：Route 对象、页面/上下文两级路由表与 HTTP 认证
package route

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	cdpadapter "cdpwire/internal/adapter/cdp"
	"cdpwire/internal/protocol"
	"cdpwire/pkg/model"
	"cdpwire/pkg/traffic"
)

// Commander 在页面 session 上发送命令，transport.Session 满足该接口
type Commander interface {
	Call(ctx context.Context, method string, params, reply any) error
}

const (
	statePending int32 = iota
	stateFallback
	stateResolved
)

// RequestMutation 对被拦截请求的修改，回退时逐层合并
type RequestMutation struct {
	URL           *string
	Method        *string
	Headers       map[string]string
	RemoveHeaders []string
	PostData      []byte
}

// ContinueOption 修改继续发出的请求
type ContinueOption func(*RequestMutation)

func WithURL(url string) ContinueOption { return func(m *RequestMutation) { m.URL = &url } }

func WithMethod(method string) ContinueOption {
	return func(m *RequestMutation) { m.Method = &method }
}

// WithHeader 设置请求头（覆盖同名头）
func WithHeader(name, value string) ContinueOption {
	return func(m *RequestMutation) {
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
		m.Headers[name] = value
	}
}

// WithoutHeader 移除请求头
func WithoutHeader(name string) ContinueOption {
	return func(m *RequestMutation) { m.RemoveHeaders = append(m.RemoveHeaders, name) }
}

func WithPostData(body []byte) ContinueOption {
	return func(m *RequestMutation) { m.PostData = body }
}

// mergeRequestMutation 合并请求变更，src 覆盖 dst
func mergeRequestMutation(dst, src *RequestMutation) {
	if src.URL != nil {
		dst.URL = src.URL
	}
	if src.Method != nil {
		dst.Method = src.Method
	}
	for k, v := range src.Headers {
		if dst.Headers == nil {
			dst.Headers = make(map[string]string)
		}
		dst.Headers[k] = v
	}
	dst.RemoveHeaders = append(dst.RemoveHeaders, src.RemoveHeaders...)
	if src.PostData != nil {
		dst.PostData = src.PostData
	}
}

func hasHeaderMutation(m *RequestMutation) bool {
	return len(m.Headers) > 0 || len(m.RemoveHeaders) > 0
}

// FulfillOptions 合成响应
type FulfillOptions struct {
	Status      int
	Headers     map[string]string
	ContentType string
	Body        []byte
	// Response 以抓取到的真实响应为基础，其余字段覆盖它
	Response *FetchedResponse
}

// FetchedResponse Fetch 取回的上游响应，可在 Fulfill 前修改
type FetchedResponse struct {
	Status     int
	StatusText string
	Headers    traffic.Header
	Body       []byte
}

func (r *FetchedResponse) Text() string { return string(r.Body) }

// JSON 解析响应体
func (r *FetchedResponse) JSON(v any) error { return json.Unmarshal(r.Body, v) }

// Get 按 gjson 路径读取响应体
func (r *FetchedResponse) Get(path string) gjson.Result { return gjson.GetBytes(r.Body, path) }

// SetJSON 按 sjson 路径修改响应体
func (r *FetchedResponse) SetJSON(path string, value any) error {
	body, err := sjson.SetBytes(r.Body, path, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	r.Body = body
	return nil
}

// DeleteJSON 按 sjson 路径删除字段
func (r *FetchedResponse) DeleteJSON(path string) error {
	body, err := sjson.DeleteBytes(r.Body, path)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	r.Body = body
	return nil
}

// pausedResponse 响应阶段的暂停事件
type pausedResponse struct {
	reply *fetch.RequestPausedReply
	event protocol.Event
}

// responseStage 由拦截器实现：等待同一 requestId 的响应阶段暂停事件
type responseStage interface {
	awaitResponse(id fetch.RequestID) (<-chan pausedResponse, func())
}

// Route 一个被暂停的请求；continue/fulfill/abort/fallback 恰好生效一次
type Route struct {
	cmd     Commander
	stage   responseStage
	ev      *fetch.RequestPausedReply
	request *traffic.Request
	mut     RequestMutation
	state   atomic.Int32
	start   time.Time

	fetched  *FetchedResponse
	fetchErr error
	// 已进入响应阶段时，继续操作改为 continueResponse
	responsePaused bool

	action model.RouteAction
	status int
}

func newRoute(cmd Commander, stage responseStage, ev *fetch.RequestPausedReply) *Route {
	req := cdpadapter.Request(ev)
	return &Route{cmd: cmd, stage: stage, ev: ev, request: req, start: time.Now()}
}

// Request 当前请求视图，包含之前处理函数回退时附加的修改
func (r *Route) Request() *traffic.Request { return r.request }

// RequestID 浏览器分配的拦截 id
func (r *Route) RequestID() string { return string(r.ev.RequestID) }

func (r *Route) claim(to int32) error {
	if !r.state.CompareAndSwap(statePending, to) {
		return model.ErrAlreadyHandled
	}
	return nil
}

func (r *Route) handled() int32 { return r.state.Load() }

// reset 回退后把 Route 交给下一个处理函数
func (r *Route) reset() { r.state.Store(statePending) }

func (r *Route) apply(opts []ContinueOption) {
	if len(opts) == 0 {
		return
	}
	var m RequestMutation
	for _, o := range opts {
		o(&m)
	}
	mergeRequestMutation(&r.mut, &m)
	if m.URL != nil {
		r.request.URL = *m.URL
	}
	if m.Method != nil {
		r.request.Method = *m.Method
	}
	for k, v := range m.Headers {
		r.request.Headers.Set(k, v)
	}
	for _, k := range m.RemoveHeaders {
		r.request.Headers.Del(k)
	}
	if m.PostData != nil {
		r.request.Body = m.PostData
	}
}

// Continue 放行请求，可附带修改
func (r *Route) Continue(ctx context.Context, opts ...ContinueOption) error {
	if err := r.claim(stateResolved); err != nil {
		return err
	}
	r.apply(opts)
	r.action = model.RouteActionContinue

	if r.responsePaused {
		if r.fetched != nil {
			r.status = r.fetched.Status
		}
		return r.cmd.Call(ctx, "Fetch.continueResponse", &fetch.ContinueResponseArgs{RequestID: r.ev.RequestID}, nil)
	}
	return r.cmd.Call(ctx, "Fetch.continueRequest", r.continueArgs(), nil)
}

func (r *Route) continueArgs() *fetch.ContinueRequestArgs {
	args := &fetch.ContinueRequestArgs{RequestID: r.ev.RequestID, URL: r.mut.URL, Method: r.mut.Method}
	if hasHeaderMutation(&r.mut) {
		args.Headers = cdpadapter.HeaderEntries(r.request.Headers)
	}
	if r.mut.PostData != nil {
		args.PostData = r.mut.PostData
	}
	return args
}

// Fallback 交给下一个匹配的处理函数；修改会传递下去
func (r *Route) Fallback(opts ...ContinueOption) error {
	if err := r.claim(stateFallback); err != nil {
		return err
	}
	r.apply(opts)
	return nil
}

// Fulfill 以合成响应结束请求
func (r *Route) Fulfill(ctx context.Context, opts FulfillOptions) error {
	if err := r.claim(stateResolved); err != nil {
		return err
	}
	status := opts.Status
	headers := make(traffic.Header)
	body := opts.Body
	if base := opts.Response; base != nil {
		if status == 0 {
			status = base.Status
		}
		for k, v := range base.Headers {
			headers.Set(k, v)
		}
		if body == nil {
			body = base.Body
		}
		// 响应体可能已被修改，交给浏览器重新计算
		headers.Del("content-length")
		headers.Del("content-encoding")
	}
	if status == 0 {
		status = 200
	}
	for k, v := range opts.Headers {
		headers.Set(k, v)
	}
	if opts.ContentType != "" {
		headers.Set("content-type", opts.ContentType)
	}

	r.action = model.RouteActionFulfill
	r.status = status
	return r.cmd.Call(ctx, "Fetch.fulfillRequest", &fetch.FulfillRequestArgs{
		RequestID:       r.ev.RequestID,
		ResponseCode:    status,
		ResponseHeaders: cdpadapter.HeaderEntries(headers),
		Body:            body,
	}, nil)
}

var abortReasons = map[string]string{
	"aborted":              "Aborted",
	"accessdenied":         "AccessDenied",
	"addressunreachable":   "AddressUnreachable",
	"blockedbyclient":      "BlockedByClient",
	"blockedbyresponse":    "BlockedByResponse",
	"connectionaborted":    "ConnectionAborted",
	"connectionclosed":     "ConnectionClosed",
	"connectionfailed":     "ConnectionFailed",
	"connectionrefused":    "ConnectionRefused",
	"connectionreset":      "ConnectionReset",
	"internetdisconnected": "InternetDisconnected",
	"namenotresolved":      "NameNotResolved",
	"timedout":             "TimedOut",
	"failed":               "Failed",
}

// ErrorReason 把错误码名称（大小写不敏感）转换为网络错误原因，空串为 Failed
func ErrorReason(code string) (network.ErrorReason, error) {
	if code == "" {
		return network.ErrorReasonFailed, nil
	}
	r, ok := abortReasons[strings.ToLower(code)]
	if !ok {
		return "", fmt.Errorf("unknown abort reason %q", code)
	}
	return network.ErrorReason(r), nil
}

// Abort 以网络错误结束请求
func (r *Route) Abort(ctx context.Context, code string) error {
	reason, err := ErrorReason(code)
	if err != nil {
		return err
	}
	if err := r.claim(stateResolved); err != nil {
		return err
	}
	r.action = model.RouteActionAbort
	return r.cmd.Call(ctx, "Fetch.failRequest", &fetch.FailRequestArgs{RequestID: r.ev.RequestID, ErrorReason: reason}, nil)
}

// continueInterceptArgs 在继续请求时要求浏览器在响应阶段再次暂停
type continueInterceptArgs struct {
	*fetch.ContinueRequestArgs
	InterceptResponse bool `json:"interceptResponse"`
}

type responseBody struct {
	Body          string `json:"body"`
	Base64Encoded bool   `json:"base64Encoded"`
}

// Fetch 发出请求并取回上游响应，Route 保持未处理状态，之后需 Fulfill/Continue/Abort
func (r *Route) Fetch(ctx context.Context, opts ...ContinueOption) (*FetchedResponse, error) {
	if r.handled() != statePending {
		return nil, model.ErrAlreadyHandled
	}
	if r.fetched != nil || r.fetchErr != nil {
		return r.fetched, r.fetchErr
	}
	r.apply(opts)

	ch, cancel := r.stage.awaitResponse(r.ev.RequestID)
	defer cancel()
	if err := r.cmd.Call(ctx, "Fetch.continueRequest", continueInterceptArgs{r.continueArgs(), true}, nil); err != nil {
		return nil, err
	}

	var paused pausedResponse
	select {
	case p, ok := <-ch:
		if !ok {
			return nil, model.ErrAborted
		}
		paused = p
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.responsePaused = true

	if reason := paused.event.Get("responseErrorReason").String(); reason != "" {
		r.fetchErr = fmt.Errorf("fetch %s: %s", r.request.URL, reason)
		return nil, r.fetchErr
	}
	res := cdpadapter.Response(paused.reply)
	// 取不到响应体时仍记录上游状态码，之后的 Continue 放行原响应
	r.status = res.StatusCode

	var body responseBody
	err := r.cmd.Call(ctx, "Fetch.getResponseBody", &fetch.GetResponseBodyArgs{RequestID: paused.reply.RequestID}, &body)
	if err == nil {
		res.Body, err = protocol.DecodeBody(body.Body, body.Base64Encoded)
	}
	if err != nil {
		r.fetchErr = fmt.Errorf("read response body %s: %w", r.request.URL, err)
		return nil, r.fetchErr
	}

	r.fetched = &FetchedResponse{
		Status:     res.StatusCode,
		StatusText: paused.event.Get("responseStatusText").String(),
		Headers:    res.Headers,
		Body:       res.Body,
	}
	return r.fetched, nil
}

// record 处理结果
func (r *Route) record(session string) model.InterceptEvent {
	return model.InterceptEvent{
		Session:    model.SessionID(session),
		URL:        r.ev.Request.URL,
		Method:     r.ev.Request.Method,
		Action:     r.action,
		StatusCode: r.status,
		Timestamp:  time.Now().UnixMilli(),
	}
}
