// Package cdptest 提供脚本化的假浏览器，用于在没有 Chromium 的情况下测试协议引擎
package cdptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"cdpwire/internal/protocol"
)

// Request 假浏览器收到的命令
type Request struct {
	ID        uint64
	Method    string
	Params    json.RawMessage
	SessionID string
}

// Get 按 gjson 路径读取参数
func (r Request) Get(path string) gjson.Result { return gjson.GetBytes(r.Params, path) }

// Handler 命令处理函数；返回 NoReply 表示不回复
type Handler func(b *Browser, req Request) (any, *protocol.Error)

type noReply struct{}

// NoReply 让命令永远得不到响应
var NoReply any = noReply{}

// Browser 假浏览器
type Browser struct {
	t        testing.TB
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]Handler
	conns    map[*websocket.Conn]*sync.Mutex
	received []Request
	notify   chan struct{}
}

// New 启动假浏览器，测试结束时自动关闭
func New(t testing.TB) *Browser {
	b := &Browser{
		t:        t,
		handlers: make(map[string]Handler),
		conns:    make(map[*websocket.Conn]*sync.Mutex),
		notify:   make(chan struct{}, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/devtools/", b.serveWS)
	mux.HandleFunc("/json/version", b.serveVersion)
	mux.HandleFunc("/json/list", b.serveList)
	mux.HandleFunc("/json", b.serveList)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

// URL 浏览器级 WebSocket 地址
func (b *Browser) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/devtools/browser/cdptest"
}

// HTTPURL DevTools HTTP 端点
func (b *Browser) HTTPURL() string { return b.srv.URL }

// Handle 注册命令处理函数
func (b *Browser) Handle(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// HandleResult 命令固定返回 result
func (b *Browser) HandleResult(method string, result any) {
	b.Handle(method, func(*Browser, Request) (any, *protocol.Error) { return result, nil })
}

// HandleError 命令固定返回协议错误
func (b *Browser) HandleError(method string, code int64, message string) {
	b.Handle(method, func(*Browser, Request) (any, *protocol.Error) {
		return nil, &protocol.Error{Code: code, Message: message}
	})
}

// Emit 向所有连接推送事件
func (b *Browser) Emit(method string, params any, sessionID string) {
	frame := map[string]any{"method": method}
	if params != nil {
		frame["params"] = params
	}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	data, err := json.Marshal(frame)
	if err != nil {
		b.t.Errorf("cdptest: marshal event %s: %v", method, err)
		return
	}
	b.SendRaw(string(data))
}

// SendRaw 向所有连接写入原始文本帧
func (b *Browser) SendRaw(frame string) {
	b.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(b.conns))
	for c, m := range b.conns {
		conns[c] = m
	}
	b.mu.Unlock()
	for c, m := range conns {
		m.Lock()
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
		m.Unlock()
	}
}

// Requests 返回收到的指定方法命令；method 为空时返回全部
func (b *Browser) Requests(method string) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Request
	for _, r := range b.received {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// WaitRequest 等待第 n 个（从 1 开始）指定方法的命令
func (b *Browser) WaitRequest(method string, n int, timeout time.Duration) (Request, bool) {
	deadline := time.After(timeout)
	for {
		if rs := b.Requests(method); len(rs) >= n {
			return rs[n-1], true
		}
		select {
		case <-b.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return Request{}, false
		}
	}
}

// DropConnections 不发送关闭帧直接断开，模拟浏览器进程被杀
func (b *Browser) DropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[*websocket.Conn]*sync.Mutex)
	b.mu.Unlock()
	for c := range conns {
		_ = c.UnderlyingConn().Close()
	}
}

// Close 关闭服务
func (b *Browser) Close() {
	b.DropConnections()
	b.srv.Close()
}

func (b *Browser) serveVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "HeadlessChrome/120.0.0.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": b.URL(),
	})
}

func (b *Browser) serveList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode([]map[string]string{{
		"id":                   "T1",
		"type":                 "page",
		"title":                "blank",
		"url":                  "about:blank",
		"webSocketDebuggerUrl": "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/devtools/page/T1",
	}})
}

func (b *Browser) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wmu := &sync.Mutex{}
	b.mu.Lock()
	b.conns[c] = wmu
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		_ = c.Close()
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		req := Request{
			ID:        gjson.GetBytes(data, "id").Uint(),
			Method:    gjson.GetBytes(data, "method").String(),
			SessionID: gjson.GetBytes(data, "sessionId").String(),
		}
		if p := gjson.GetBytes(data, "params"); p.Exists() {
			req.Params = json.RawMessage(p.Raw)
		}

		b.mu.Lock()
		b.received = append(b.received, req)
		h := b.handlers[req.Method]
		b.mu.Unlock()
		select {
		case b.notify <- struct{}{}:
		default:
		}

		// 处理函数可能阻塞或推送事件，放到独立 goroutine 中避免卡住读循环
		go b.respond(c, wmu, req, h)
	}
}

func (b *Browser) respond(c *websocket.Conn, wmu *sync.Mutex, req Request, h Handler) {
	var (
		result any = map[string]any{}
		perr   *protocol.Error
	)
	if h != nil {
		result, perr = h(b, req)
	}
	if result == NoReply {
		return
	}
	frame := map[string]any{"id": req.ID}
	if req.SessionID != "" {
		frame["sessionId"] = req.SessionID
	}
	if perr != nil {
		frame["error"] = perr
	} else {
		if result == nil {
			result = map[string]any{}
		}
		frame["result"] = result
	}
	data, err := json.Marshal(frame)
	if err != nil {
		b.t.Errorf("cdptest: marshal response %s: %v", req.Method, err)
		return
	}
	wmu.Lock()
	defer wmu.Unlock()
	_ = c.WriteMessage(websocket.TextMessage, data)
}
