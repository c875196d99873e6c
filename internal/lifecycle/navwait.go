package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdpwire/internal/eventbus"
	"cdpwire/internal/logger"
	"cdpwire/pkg/model"
)

const (
	DefaultDetectionWindow   = 50 * time.Millisecond
	DefaultNavigationTimeout = 30 * time.Second
)

// Subscriber 事件来源，transport.Session 满足该接口
type Subscriber interface {
	Subscribe(opts ...eventbus.Option) *eventbus.Subscription
}

// NavigationWatcher 判断一次页面操作是否触发了导航，若触发则等待其完成
type NavigationWatcher struct {
	waiter  *Waiter
	events  Subscriber
	window  time.Duration
	timeout time.Duration
	log     logger.Logger
}

// WatchOption NavigationWatcher 参数
type WatchOption func(*NavigationWatcher)

// WithDetectionWindow 设置导航检测窗口
func WithDetectionWindow(d time.Duration) WatchOption {
	return func(n *NavigationWatcher) {
		if d > 0 {
			n.window = d
		}
	}
}

// WithNavigationTimeout 设置检测到导航后等待 Load 的时长
func WithNavigationTimeout(d time.Duration) WatchOption {
	return func(n *NavigationWatcher) {
		if d > 0 {
			n.timeout = d
		}
	}
}

func WithWatchLogger(l logger.Logger) WatchOption {
	return func(n *NavigationWatcher) { n.log = l }
}

func NewNavigationWatcher(w *Waiter, events Subscriber, opts ...WatchOption) *NavigationWatcher {
	n := &NavigationWatcher{
		waiter:  w,
		events:  events,
		window:  DefaultDetectionWindow,
		timeout: DefaultNavigationTimeout,
		log:     logger.NewNop(),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Run 执行 action，并在检测窗口内观察导航；无导航时立即返回
func (n *NavigationWatcher) Run(ctx context.Context, action func(context.Context) error) error {
	sub := n.events.Subscribe(eventbus.WithMethods("Page.frameNavigated", "Page.navigatedWithinDocument"))
	defer sub.Close()

	if err := action(ctx); err != nil {
		return err
	}

	detect, cancel := context.WithTimeout(ctx, n.window)
	defer cancel()
	for {
		ev, err := sub.Recv(detect)
		if err != nil {
			var lagged *eventbus.LaggedError
			switch {
			case errors.As(err, &lagged):
				// 可能错过了导航事件，交给状态机判定
				n.log.Warn("导航检测事件丢失", "missed", lagged.Missed)
				return n.waiter.Wait(ctx, model.LoadStateLoad, n.timeout)
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				return nil
			case errors.Is(err, model.ErrConnectionLost):
				return fmt.Errorf("%w: %w", model.ErrAborted, err)
			default:
				return err
			}
		}

		switch ev.Method {
		case "Page.navigatedWithinDocument":
			n.log.Debug("同文档导航", "url", ev.Get("url").String())
			return nil
		case "Page.frameNavigated":
			if ev.Get("frame.parentId").String() != "" {
				continue
			}
			// 先同步推进状态机，避免其自身订阅尚未处理该事件时误判为已加载
			n.waiter.Handle(ev)
			n.log.Debug("操作触发了导航", "url", ev.Get("frame.url").String())
			return n.waiter.Wait(ctx, model.LoadStateLoad, n.timeout)
		}
	}
}
