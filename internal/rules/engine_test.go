package rules

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"cdpwire/internal/eventbus"
	"cdpwire/internal/protocol"
	"cdpwire/internal/route"
	"cdpwire/pkg/traffic"
)

type sent struct {
	method string
	params []byte
}

// recorder 记录命令；getResponseBody 返回固定响应体
type recorder struct {
	mu    sync.Mutex
	calls []sent
	bus   *eventbus.Bus
}

func (c *recorder) Call(_ context.Context, method string, params, reply any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.calls = append(c.calls, sent{method, raw})
	c.mu.Unlock()

	switch method {
	case "Fetch.continueRequest":
		if gjson.GetBytes(raw, "interceptResponse").Bool() {
			p := paused(gjson.GetBytes(raw, "requestId").String(), "https://shop.test/api/cart", "GET", "")
			p["responseStatusCode"] = 200
			p["responseHeaders"] = []map[string]string{{"name": "Content-Type", "value": "application/json"}}
			c.bus.Publish(event(p))
		}
	case "Fetch.getResponseBody":
		b, _ := json.Marshal(map[string]any{
			"body":          base64.StdEncoding.EncodeToString([]byte(`{"items":[1,2],"total":30,"debug":true}`)),
			"base64Encoded": true,
		})
		return json.Unmarshal(b, reply)
	}
	return nil
}

func (c *recorder) wait(t *testing.T, method string) gjson.Result {
	t.Helper()
	var got gjson.Result
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, s := range c.calls {
			if s.method == method {
				got = gjson.ParseBytes(s.params)
				return true
			}
		}
		return false
	}, 2*time.Second, 2*time.Millisecond, "no %s", method)
	return got
}

func (c *recorder) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.calls {
		if s.method == method {
			n++
		}
	}
	return n
}

func paused(id, url, method, body string) map[string]any {
	req := map[string]any{
		"url":     url,
		"method":  method,
		"headers": map[string]string{"X-Client": "mobile-app", "Cookie": "tier=gold"},
	}
	if body != "" {
		req["postData"] = body
	}
	return map[string]any{"requestId": id, "frameId": "F1", "resourceType": "XHR", "request": req}
}

func event(p map[string]any) protocol.Event {
	raw, _ := json.Marshal(p)
	return protocol.Event{Method: "Fetch.requestPaused", Params: raw, SessionID: "S1"}
}

func setup(t *testing.T, doc string) (*recorder, *eventbus.Bus, *Engine) {
	t.Helper()
	rs, err := Parse([]byte(doc))
	require.NoError(t, err)

	bus := eventbus.New(0, nil)
	cmd := &recorder{bus: bus}
	ctxRoutes := route.NewContextRegistry(nil)
	i := route.NewInterceptor(cmd, ctxRoutes)
	sub := bus.Subscribe(eventbus.WithMethods("Fetch."))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		i.Run(ctx, sub)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	e := New(ctxRoutes, nil)
	require.NoError(t, e.Install(context.Background(), rs))
	return cmd, bus, e
}

func TestParseRejectsInvalidRules(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - id: a
    action: {type: explode}
  - id: a
    match:
      allOf: [{type: header}]
    action: {type: block}
  - id: c
    match:
      anyOf: [{type: body, key: x, op: like}]
    action: {type: respond}
`))
	require.Error(t, err)
	for _, want := range []string{`unknown action "explode"`, "duplicate id", "header condition without key", `unknown condition type "body"`, `unknown op "like"`} {
		assert.ErrorContains(t, err, want)
	}
}

func TestConditions(t *testing.T) {
	rs, err := Parse([]byte(`
rules:
  - id: r
    match:
      allOf:
        - {type: method, values: [post, put]}
        - {type: header, key: x-client, op: regex, value: "^mobile-"}
        - {type: json, key: order.total, op: equals, value: "30"}
      anyOf:
        - {type: cookie, key: tier, op: equals, value: gold}
        - {type: query, key: vip}
      noneOf:
        - {type: query, key: debug}
    action: {type: block}
`))
	require.NoError(t, err)
	compiled, err := compile(rs, nil)
	require.NoError(t, err)
	rule := compiled[0]

	req := func(method, url, cookie, body string) *traffic.Request {
		r := &traffic.Request{URL: url, Method: method, Body: []byte(body), Headers: traffic.Header{"x-client": "mobile-app"}}
		if cookie != "" {
			r.Headers.Set("Cookie", cookie)
		}
		r.Parse()
		return r
	}
	body := `{"order":{"total":30}}`
	assert.True(t, rule.Matches(req("POST", "https://a.test/o", "tier=gold", body)))
	assert.True(t, rule.Matches(req("PUT", "https://a.test/o?vip=1", "", body)))
	assert.False(t, rule.Matches(req("GET", "https://a.test/o", "tier=gold", body)))
	assert.False(t, rule.Matches(req("POST", "https://a.test/o", "tier=silver", body)))
	assert.False(t, rule.Matches(req("POST", "https://a.test/o?debug=1", "tier=gold", body)))
	assert.False(t, rule.Matches(req("POST", "https://a.test/o", "tier=gold", `{"order":{"total":31}}`)))
}

func TestBlockRule(t *testing.T) {
	cmd, bus, _ := setup(t, `
rules:
  - id: no-images
    url: "**/*.png"
    action: {type: block, reason: blockedbyclient}
`)
	bus.Publish(event(paused("R1", "https://shop.test/logo.png", "GET", "")))
	assert.Equal(t, "BlockedByClient", cmd.wait(t, "Fetch.failRequest").Get("errorReason").String())

	bus.Publish(event(paused("R2", "https://shop.test/app.js", "GET", "")))
	assert.Equal(t, "R2", cmd.wait(t, "Fetch.continueRequest").Get("requestId").String())
}

func TestRespondRuleFallsThroughWhenConditionsFail(t *testing.T) {
	cmd, bus, _ := setup(t, `
rules:
  - id: mock-login
    url: "**/login"
    match:
      allOf: [{type: method, values: [POST]}]
    action:
      type: respond
      status: 201
      contentType: application/json
      body: '{"token":"t"}'
`)
	bus.Publish(event(paused("R1", "https://shop.test/login", "GET", "")))
	cmd.wait(t, "Fetch.continueRequest")
	assert.Zero(t, cmd.count("Fetch.fulfillRequest"))

	bus.Publish(event(paused("R2", "https://shop.test/login", "POST", `{}`)))
	f := cmd.wait(t, "Fetch.fulfillRequest")
	assert.Equal(t, int64(201), f.Get("responseCode").Int())
	body, err := base64.StdEncoding.DecodeString(f.Get("body").String())
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"t"}`, string(body))
}

func TestPriorityOrder(t *testing.T) {
	cmd, bus, _ := setup(t, `
rules:
  - id: low
    priority: 1
    action: {type: respond, status: 500}
  - id: high
    priority: 10
    url: "**/api/**"
    action: {type: respond, status: 202}
  - id: same-as-high-but-later
    priority: 10
    action: {type: respond, status: 203}
`)
	bus.Publish(event(paused("R1", "https://shop.test/api/x", "GET", "")))
	assert.Equal(t, int64(202), cmd.wait(t, "Fetch.fulfillRequest").Get("responseCode").Int())
}

func TestRewriteRule(t *testing.T) {
	cmd, bus, _ := setup(t, `
rules:
  - id: to-staging
    url: "https://shop.test/**"
    action:
      type: rewrite
      url: https://staging.shop.test/api
      headers: {X-Env: staging}
      removeHeaders: [cookie]
`)
	bus.Publish(event(paused("R1", "https://shop.test/api", "GET", "")))
	c := cmd.wait(t, "Fetch.continueRequest")
	assert.Equal(t, "https://staging.shop.test/api", c.Get("url").String())
	names := map[string]string{}
	for _, h := range c.Get("headers").Array() {
		names[h.Get("name").String()] = h.Get("value").String()
	}
	assert.Equal(t, "staging", names["x-env"])
	assert.NotContains(t, names, "cookie")
}

func TestPatchResponseRule(t *testing.T) {
	cmd, bus, _ := setup(t, `
rules:
  - id: discount
    url: "**/api/cart"
    action:
      type: patch_response
      setJSON: {total: 0, coupon: FREE}
      deleteJSON: [debug]
      headers: {X-Patched: "1"}
`)
	bus.Publish(event(paused("R1", "https://shop.test/api/cart", "GET", "")))
	f := cmd.wait(t, "Fetch.fulfillRequest")
	assert.Equal(t, int64(200), f.Get("responseCode").Int())
	body, err := base64.StdEncoding.DecodeString(f.Get("body").String())
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[1,2],"total":0,"coupon":"FREE"}`, string(body))

	headers := map[string]string{}
	for _, h := range f.Get("responseHeaders").Array() {
		headers[h.Get("name").String()] = h.Get("value").String()
	}
	assert.Equal(t, "1", headers["x-patched"])
	assert.Equal(t, "application/json", headers["content-type"])
}

func TestInstallReplacesPreviousRules(t *testing.T) {
	_, _, e := setup(t, `
rules:
  - {id: a, action: {type: block}}
  - {id: b, action: {type: block}}
`)
	assert.Equal(t, 2, e.reg.Len())

	rs, err := Parse([]byte(`rules: [{id: c, times: 1, action: {type: block}}]`))
	require.NoError(t, err)
	require.NoError(t, e.Install(context.Background(), rs))
	assert.Equal(t, 1, e.reg.Len())

	require.NoError(t, e.Clear(context.Background()))
	assert.Zero(t, e.reg.Len())
}
