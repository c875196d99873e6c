package route

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"cdpwire/internal/eventbus"
	"cdpwire/internal/protocol"
)

type call struct {
	method string
	params json.RawMessage
}

func (c call) get(path string) gjson.Result { return gjson.GetBytes(c.params, path) }

// fakeCommander 记录命令并按需返回结果
type fakeCommander struct {
	mu     sync.Mutex
	calls  []call
	onCall func(method string, params json.RawMessage) (any, error)
}

func (f *fakeCommander) Call(_ context.Context, method string, params, reply any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{method: method, params: raw})
	hook := f.onCall
	f.mu.Unlock()

	if hook == nil {
		return nil
	}
	res, err := hook(method, raw)
	if err != nil || res == nil || reply == nil {
		return err
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, reply)
}

func (f *fakeCommander) setHook(fn func(method string, params json.RawMessage) (any, error)) {
	f.mu.Lock()
	f.onCall = fn
	f.mu.Unlock()
}

func (f *fakeCommander) byMethod(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeCommander) waitFor(t *testing.T, method string) call {
	t.Helper()
	var got call
	require.Eventually(t, func() bool {
		cs := f.byMethod(method)
		if len(cs) == 0 {
			return false
		}
		got = cs[0]
		return true
	}, 2*time.Second, 2*time.Millisecond, "no %s call", method)
	return got
}

// noStage 不支持响应阶段的占位实现
type noStage struct{}

func (noStage) awaitResponse(fetch.RequestID) (<-chan pausedResponse, func()) {
	ch := make(chan pausedResponse)
	close(ch)
	return ch, func() {}
}

func pausedParams(id, url string) map[string]any {
	return map[string]any{
		"requestId":    id,
		"frameId":      "F1",
		"resourceType": "XHR",
		"request": map[string]any{
			"url":      url,
			"method":   "POST",
			"headers":  map[string]string{"Accept": "application/json", "Cookie": "sid=abc"},
			"postData": `{"q":1}`,
		},
	}
}

func pausedEvent(t *testing.T, params map[string]any) protocol.Event {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return protocol.Event{Method: "Fetch.requestPaused", Params: raw, SessionID: "S1"}
}

func paused(t *testing.T, id, url string) *fetch.RequestPausedReply {
	t.Helper()
	var p fetch.RequestPausedReply
	require.NoError(t, pausedEvent(t, pausedParams(id, url)).Decode(&p))
	return &p
}

// startInterceptor 启动拦截器并返回用于推送事件的总线
func startInterceptor(t *testing.T, cmd *fakeCommander, ctxRoutes *Registry, opts ...InterceptorOption) (*Interceptor, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(0, nil)
	i := NewInterceptor(cmd, ctxRoutes, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(eventbus.WithMethods("Fetch."))
	done := make(chan struct{})
	go func() {
		defer close(done)
		i.Run(ctx, sub)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return i, bus
}

func fulfillHandler(tag string, order *[]string, mu *sync.Mutex) Handler {
	return HandlerFunc(func(ctx context.Context, r *Route) error {
		mu.Lock()
		*order = append(*order, tag)
		mu.Unlock()
		return r.Fulfill(ctx, FulfillOptions{Status: 200, Body: []byte(tag)})
	})
}

func fallbackHandler(tag string, order *[]string, mu *sync.Mutex, opts ...ContinueOption) Handler {
	return HandlerFunc(func(ctx context.Context, r *Route) error {
		mu.Lock()
		*order = append(*order, tag)
		mu.Unlock()
		return r.Fallback(opts...)
	})
}
