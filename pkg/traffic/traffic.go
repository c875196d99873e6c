// Package traffic 与协议无关的请求/响应视图，供路由处理函数和规则读取
package traffic

import (
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// Header 键统一为小写
type Header map[string]string

func (h Header) Get(key string) string { return h[strings.ToLower(key)] }

func (h Header) Set(key, value string) { h[strings.ToLower(key)] = value }

func (h Header) Del(key string) { delete(h, strings.ToLower(key)) }

func (h Header) Has(key string) bool {
	_, ok := h[strings.ToLower(key)]
	return ok
}

// Keys 按字典序返回所有键
func (h Header) Keys() []string { return slices.Sorted(maps.Keys(h)) }

func (h Header) Clone() Header {
	out := make(Header, len(h))
	maps.Copy(out, h)
	return out
}

// Request 被拦截请求
type Request struct {
	ID           string
	FrameID      string
	URL          string
	Method       string
	Headers      Header
	Body         []byte
	ResourceType string
	Query        map[string]string
	Cookies      map[string]string
}

// ContentType 去掉参数部分的 content-type
func (r *Request) ContentType() string {
	ct, _, _ := strings.Cut(r.Headers.Get("content-type"), ";")
	return strings.TrimSpace(strings.ToLower(ct))
}

// Parse 从 URL 与 cookie 头重新解析 Query 和 Cookies，同名参数取第一个
func (r *Request) Parse() {
	r.Query = make(map[string]string)
	if u, err := url.Parse(r.URL); err == nil {
		for k, vs := range u.Query() {
			if len(vs) > 0 {
				r.Query[k] = vs[0]
			}
		}
	}
	r.Cookies = make(map[string]string)
	if raw := r.Headers.Get("cookie"); raw != "" {
		cookies, err := http.ParseCookie(raw)
		if err != nil {
			return
		}
		for _, c := range cookies {
			if _, dup := r.Cookies[c.Name]; !dup {
				r.Cookies[c.Name] = c.Value
			}
		}
	}
}

// Response 上游响应
type Response struct {
	StatusCode int
	StatusText string
	Headers    Header
	Body       []byte
}
