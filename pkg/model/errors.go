package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectionLost 连接已断开，所有挂起操作都以此结束
	ErrConnectionLost = errors.New("cdp: connection lost")
	// ErrTimeout 用于 errors.Is 匹配任意 *TimeoutError
	ErrTimeout = errors.New("cdp: timeout")
	// ErrAlreadyHandled 同一个 Route 被重复处理
	ErrAlreadyHandled = errors.New("cdp: route is already handled")
	// ErrAborted 页面或上下文在操作中途关闭
	ErrAborted = errors.New("cdp: operation aborted")
)

// TimeoutError 在期限内未得到结果
type TimeoutError struct {
	Op       string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("cdp: timeout after %s", e.Duration)
	}
	return fmt.Sprintf("cdp: %s: timeout after %s", e.Op, e.Duration)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ProtocolError 浏览器拒绝了命令
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
	Data    string
}

func (e *ProtocolError) Error() string {
	s := fmt.Sprintf("cdp: %s: %s (%d)", e.Method, e.Message, e.Code)
	if e.Data != "" {
		s += ": " + e.Data
	}
	return s
}
