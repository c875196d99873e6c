package route

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpwire/pkg/model"
)

func TestLIFOPrecedence(t *testing.T) {
	cmd := &fakeCommander{}
	i, bus := startInterceptor(t, cmd, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	_, err := i.Routes().Add(ctx, MustGlob("**/*"), fulfillHandler("all", &order, &mu))
	require.NoError(t, err)
	_, err = i.Routes().Add(ctx, MustGlob("**/api/**"), fulfillHandler("api", &order, &mu))
	require.NoError(t, err)

	bus.Publish(pausedEvent(t, pausedParams("R1", "https://example.test/api/x")))
	cmd.waitFor(t, "Fetch.fulfillRequest")
	bus.Publish(pausedEvent(t, pausedParams("R2", "https://example.test/index.html")))
	require.Eventually(t, func() bool { return len(cmd.byMethod("Fetch.fulfillRequest")) == 2 }, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"api", "all"}, order)
}

func TestFallbackChainsOverridesToOlderHandler(t *testing.T) {
	cmd := &fakeCommander{}
	i, bus := startInterceptor(t, cmd, nil)
	ctx := context.Background()

	seen := make(chan string, 1)
	_, err := i.Routes().Add(ctx, MustGlob("**/*"), HandlerFunc(func(ctx context.Context, r *Route) error {
		seen <- r.Request().Headers.Get("x-layer")
		return r.Continue(ctx)
	}))
	require.NoError(t, err)
	_, err = i.Routes().Add(ctx, MustGlob("**/*"), HandlerFunc(func(_ context.Context, r *Route) error {
		return r.Fallback(WithHeader("X-Layer", "outer"))
	}))
	require.NoError(t, err)

	bus.Publish(pausedEvent(t, pausedParams("R1", "https://example.test/a")))
	assert.Equal(t, "outer", <-seen)

	c := cmd.waitFor(t, "Fetch.continueRequest")
	found := false
	for _, h := range c.get("headers").Array() {
		if h.Get("name").String() == "x-layer" && h.Get("value").String() == "outer" {
			found = true
		}
	}
	assert.True(t, found, "fallback header not forwarded")
}

func TestPageRoutesBeforeContextRoutes(t *testing.T) {
	cmd := &fakeCommander{}
	ctxRoutes := NewContextRegistry(nil)
	i, bus := startInterceptor(t, cmd, ctxRoutes)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	_, err := ctxRoutes.Add(ctx, MustGlob("**/*"), fulfillHandler("context", &order, &mu))
	require.NoError(t, err)
	_, err = i.Routes().Add(ctx, MustGlob("**/api/**"), fallbackHandler("page", &order, &mu))
	require.NoError(t, err)

	bus.Publish(pausedEvent(t, pausedParams("R1", "https://example.test/api/x")))
	cmd.waitFor(t, "Fetch.fulfillRequest")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"page", "context"}, order)
}

func TestUnmatchedRequestContinuesUnmodified(t *testing.T) {
	cmd := &fakeCommander{}
	events := make(chan model.InterceptEvent, 4)
	i, bus := startInterceptor(t, cmd, nil, WithEvents(events), WithSessionID("S1"))
	_, err := i.Routes().Add(context.Background(), MustGlob("**/*.png"), HandlerFunc(func(ctx context.Context, r *Route) error {
		return r.Abort(ctx, "blockedbyclient")
	}))
	require.NoError(t, err)

	bus.Publish(pausedEvent(t, pausedParams("R1", "https://example.test/app.js")))
	c := cmd.waitFor(t, "Fetch.continueRequest")
	assert.Equal(t, "R1", c.get("requestId").String())
	assert.False(t, c.get("url").Exists())

	select {
	case evt := <-events:
		assert.Equal(t, model.RouteActionContinue, evt.Action)
		assert.Equal(t, model.SessionID("S1"), evt.Session)
		assert.Equal(t, "https://example.test/app.js", evt.URL)
	case <-time.After(time.Second):
		t.Fatal("no intercept event")
	}
}

func TestAbortImages(t *testing.T) {
	cmd := &fakeCommander{}
	i, bus := startInterceptor(t, cmd, nil)
	_, err := i.Routes().Add(context.Background(), MustGlob("**/*.png"), HandlerFunc(func(ctx context.Context, r *Route) error {
		return r.Abort(ctx, "blockedbyclient")
	}))
	require.NoError(t, err)

	bus.Publish(pausedEvent(t, pausedParams("R1", "https://example.test/img/logo.png")))
	c := cmd.waitFor(t, "Fetch.failRequest")
	assert.Equal(t, "BlockedByClient", c.get("errorReason").String())
	assert.Empty(t, cmd.byMethod("Fetch.continueRequest"))
}

func TestUnresolvedHandlerContinuesRequest(t *testing.T) {
	cmd := &fakeCommander{}
	i, bus := startInterceptor(t, cmd, nil)
	_, err := i.Routes().Add(context.Background(), MustGlob("**/*"), HandlerFunc(func(context.Context, *Route) error {
		return nil
	}))
	require.NoError(t, err)

	bus.Publish(pausedEvent(t, pausedParams("R1", "https://example.test/a")))
	cmd.waitFor(t, "Fetch.continueRequest")
}

func TestHandlerErrorContinuesRequest(t *testing.T) {
	cmd := &fakeCommander{}
	i, bus := startInterceptor(t, cmd, nil)
	var calls int
	var mu sync.Mutex
	_, err := i.Routes().Add(context.Background(), MustGlob("**/*"), HandlerFunc(func(context.Context, *Route) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)
	_, err = i.Routes().Add(context.Background(), MustGlob("**/*"), HandlerFunc(func(context.Context, *Route) error {
		return errors.New("handler exploded")
	}))
	require.NoError(t, err)

	bus.Publish(pausedEvent(t, pausedParams("R1", "https://example.test/a")))
	cmd.waitFor(t, "Fetch.continueRequest")

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls, "older handler must not run after a failing handler")
}

func TestTimesExpiresHandler(t *testing.T) {
	cmd := &fakeCommander{}
	i, bus := startInterceptor(t, cmd, nil)
	var mu sync.Mutex
	var order []string
	_, err := i.Routes().Add(context.Background(), MustGlob("**/*"), fulfillHandler("once", &order, &mu), Times(1))
	require.NoError(t, err)
	require.True(t, i.Enabled())

	bus.Publish(pausedEvent(t, pausedParams("R1", "https://example.test/a")))
	cmd.waitFor(t, "Fetch.fulfillRequest")
	require.Eventually(t, func() bool { return i.Routes().Len() == 0 }, time.Second, 2*time.Millisecond)

	bus.Publish(pausedEvent(t, pausedParams("R2", "https://example.test/b")))
	cmd.waitFor(t, "Fetch.continueRequest")
	assert.Len(t, cmd.byMethod("Fetch.fulfillRequest"), 1)
	assert.False(t, i.Enabled())
}

func TestContextRouteEnablesLivePagesBeforeReturning(t *testing.T) {
	ctxRoutes := NewContextRegistry(nil)
	cmdA, cmdB := &fakeCommander{}, &fakeCommander{}
	pageA := NewInterceptor(cmdA, ctxRoutes)
	pageB := NewInterceptor(cmdB, ctxRoutes)
	require.Len(t, ctxRoutes.Pages(), 2)

	id, err := ctxRoutes.Add(context.Background(), MustGlob("**/*"), HandlerFunc(func(ctx context.Context, r *Route) error {
		return r.Continue(ctx)
	}))
	require.NoError(t, err)

	// 返回时两个页面都已发出 Fetch.enable
	require.Len(t, cmdA.byMethod("Fetch.enable"), 1)
	require.Len(t, cmdB.byMethod("Fetch.enable"), 1)
	assert.Equal(t, "*", cmdA.byMethod("Fetch.enable")[0].get("patterns.0.urlPattern").String())
	assert.True(t, pageA.Enabled())
	assert.True(t, pageB.Enabled())

	removed, err := ctxRoutes.Remove(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Len(t, cmdA.byMethod("Fetch.disable"), 1)
	assert.Len(t, cmdB.byMethod("Fetch.disable"), 1)
	assert.False(t, pageA.Enabled())
}

func TestPageEnableErrorsSurfaceFromContextAdd(t *testing.T) {
	ctxRoutes := NewContextRegistry(nil)
	broken := &fakeCommander{}
	broken.setHook(func(method string, _ json.RawMessage) (any, error) {
		return nil, &model.ProtocolError{Method: method, Code: -32000, Message: "Target closed"}
	})
	_ = NewInterceptor(broken, ctxRoutes)

	_, err := ctxRoutes.Add(context.Background(), MustGlob("**/*"), HandlerFunc(func(ctx context.Context, r *Route) error {
		return r.Continue(ctx)
	}))
	var perr *model.ProtocolError
	assert.True(t, errors.As(err, &perr))
}

func TestContextDropsCollectedPages(t *testing.T) {
	ctxRoutes := NewContextRegistry(nil)
	func() {
		_ = NewInterceptor(&fakeCommander{}, ctxRoutes)
	}()
	kept := NewInterceptor(&fakeCommander{}, ctxRoutes)

	require.Eventually(t, func() bool {
		runtime.GC()
		return len(ctxRoutes.Pages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Same(t, kept.Routes(), ctxRoutes.Pages()[0])
	runtime.KeepAlive(kept)
}

func TestRemoveMatchingDisablesOnLastRoute(t *testing.T) {
	cmd := &fakeCommander{}
	i := NewInterceptor(cmd, nil)
	ctx := context.Background()
	noop := HandlerFunc(func(ctx context.Context, r *Route) error { return r.Continue(ctx) })

	_, err := i.Routes().Add(ctx, MustGlob("**/*.css"), noop)
	require.NoError(t, err)
	_, err = i.Routes().Add(ctx, MustGlob("**/*.css"), noop)
	require.NoError(t, err)
	_, err = i.Routes().Add(ctx, MustGlob("**/*.js"), noop)
	require.NoError(t, err)
	assert.Len(t, cmd.byMethod("Fetch.enable"), 1)

	n, err := i.Routes().RemoveMatching(ctx, "**/*.css")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, i.Enabled())

	n, err = i.Routes().RemoveMatching(ctx, "**/*.js")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, i.Enabled())
	assert.Len(t, cmd.byMethod("Fetch.disable"), 1)
}

func TestShutdownAbortsPendingFetch(t *testing.T) {
	cmd := &fakeCommander{}
	i := NewInterceptor(cmd, nil)
	r := newRoute(cmd, i, paused(t, "R1", "https://example.test/a"))

	errc := make(chan error, 1)
	go func() {
		_, err := r.Fetch(context.Background())
		errc <- err
	}()
	cmd.waitFor(t, "Fetch.continueRequest")
	i.shutdown()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, model.ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("fetch not aborted")
	}
}

type memRecorder struct {
	mu   sync.Mutex
	recs []model.InterceptEvent
}

func (m *memRecorder) Record(_ context.Context, ev model.InterceptEvent, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, ev)
	return nil
}

func (m *memRecorder) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func TestResolutionsRecorded(t *testing.T) {
	cmd := &fakeCommander{}
	rec := &memRecorder{}
	i, bus := startInterceptor(t, cmd, nil, WithRecorder(rec))
	_, err := i.Routes().Add(context.Background(), MustGlob("**/*"), HandlerFunc(func(ctx context.Context, r *Route) error {
		return r.Fulfill(ctx, FulfillOptions{Status: 418})
	}))
	require.NoError(t, err)

	bus.Publish(pausedEvent(t, pausedParams("R1", "https://example.test/tea")))
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 2*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, model.RouteActionFulfill, rec.recs[0].Action)
	assert.Equal(t, 418, rec.recs[0].StatusCode)
	assert.Equal(t, "POST", rec.recs[0].Method)
}
