// Package cdp 在 Fetch 域类型与 traffic 视图之间转换
package cdp

import (
	"encoding/json"
	"net/http"

	"github.com/mafredri/cdp/protocol/fetch"

	"cdpwire/pkg/traffic"
)

// Request 由 requestPaused 事件构建请求视图
func Request(ev *fetch.RequestPausedReply) *traffic.Request {
	req := &traffic.Request{
		ID:           string(ev.RequestID),
		FrameID:      string(ev.FrameID),
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		ResourceType: string(ev.ResourceType),
		Headers:      Headers(ev.Request.Headers),
	}
	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}
	req.Parse()
	return req
}

// Headers 解码 network.Headers（JSON 对象），非字符串值忽略
func Headers(raw []byte) traffic.Header {
	h := make(traffic.Header)
	if len(raw) == 0 {
		return h
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return h
	}
	for k, v := range m {
		if s, ok := v.(string); ok {
			h.Set(k, s)
		}
	}
	return h
}

// Response 响应阶段的状态码和响应头；状态码缺失时按 200 处理
func Response(ev *fetch.RequestPausedReply) *traffic.Response {
	res := &traffic.Response{StatusCode: http.StatusOK, Headers: make(traffic.Header)}
	if ev.ResponseStatusCode != nil {
		res.StatusCode = *ev.ResponseStatusCode
	}
	for _, e := range ev.ResponseHeaders {
		res.Headers.Set(e.Name, e.Value)
	}
	return res
}

// HeaderEntries 按名称排序输出，保证命令参数稳定
func HeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for _, k := range h.Keys() {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: h[k]})
	}
	return entries
}
