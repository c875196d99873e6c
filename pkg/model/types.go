package model

import (
	"fmt"
	"strings"
)

type SessionID string
type TargetID string
type ContextID string
type RuleID string

// TargetInfo 浏览器目标信息
type TargetInfo struct {
	ID       TargetID  `json:"targetId"`
	Type     string    `json:"type"`
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Attached bool      `json:"attached"`
	Context  ContextID `json:"browserContextId,omitempty"`
}

// LoadState 页面加载状态，严格有序
type LoadState int

const (
	LoadStateCommit LoadState = iota
	LoadStateDOMContentLoaded
	LoadStateLoad
	LoadStateNetworkIdle
)

var loadStateNames = map[LoadState]string{
	LoadStateCommit:           "commit",
	LoadStateDOMContentLoaded: "domcontentloaded",
	LoadStateLoad:             "load",
	LoadStateNetworkIdle:      "networkidle",
}

func (s LoadState) String() string {
	if n, ok := loadStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("LoadState(%d)", int(s))
}

// ParseLoadState 解析加载状态名称（大小写不敏感）
func ParseLoadState(s string) (LoadState, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for st, n := range loadStateNames {
		if n == want {
			return st, nil
		}
	}
	return LoadStateCommit, fmt.Errorf("unknown load state %q", s)
}

// RouteAction 路由最终处理方式
type RouteAction string

const (
	RouteActionContinue RouteAction = "continue"
	RouteActionFulfill  RouteAction = "fulfill"
	RouteActionAbort    RouteAction = "abort"
)

// InterceptEvent 拦截处理结果事件
type InterceptEvent struct {
	Session    SessionID   `json:"session"`
	URL        string      `json:"url"`
	Method     string      `json:"method"`
	Action     RouteAction `json:"action"`
	StatusCode int         `json:"statusCode"`
	Timestamp  int64       `json:"timestamp"`
}
