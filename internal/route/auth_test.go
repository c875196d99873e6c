package route

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpwire/internal/protocol"
)

func TestAuthRetryLimitPerOrigin(t *testing.T) {
	a := NewAuthHandler(0)
	a.SetCredentials(&Credentials{Username: "u", Password: "p"})

	const origin = "https://secure.test"
	for n := 0; n < DefaultAuthRetries; n++ {
		d := a.Decide(origin)
		require.Equal(t, AuthProvide, d.Response)
		assert.Equal(t, "u", d.Username)
		assert.Equal(t, "p", d.Password)
	}
	assert.Equal(t, AuthCancel, a.Decide(origin).Response)
	assert.Equal(t, DefaultAuthRetries, a.Attempts(origin))

	// 其他来源单独计数
	assert.Equal(t, AuthProvide, a.Decide("https://other.test").Response)

	a.SetCredentials(&Credentials{Username: "u2", Password: "p2"})
	assert.Zero(t, a.Attempts(origin))
	assert.Equal(t, "u2", a.Decide(origin).Username)
}

func TestAuthWithoutCredentialsCancels(t *testing.T) {
	a := NewAuthHandler(2)
	assert.False(t, a.HasCredentials())
	assert.Equal(t, AuthCancel, a.Decide("https://secure.test").Response)
}

func TestAuthOriginScope(t *testing.T) {
	a := NewAuthHandler(2)
	a.SetCredentials(&Credentials{Username: "u", Password: "p", Origin: "https://example.test"})

	assert.Equal(t, AuthProvide, a.Decide("https://example.test").Response)
	assert.Equal(t, AuthProvide, a.Decide("https://api.example.test").Response)
	assert.Equal(t, AuthDefault, a.Decide("http://example.test").Response)
	assert.Equal(t, AuthDefault, a.Decide("https://example.test:8443").Response)
	assert.Equal(t, AuthDefault, a.Decide("https://notexample.test").Response)
}

func TestOriginMatches(t *testing.T) {
	tests := []struct {
		want, got string
		ok        bool
	}{
		{"", "https://any.test", true},
		{"https://a.test/", "https://A.test", true},
		{"https://a.test", "https://x.a.test", true},
		{"https://a.test:8080", "https://x.a.test:8080", true},
		{"https://a.test:8080", "https://x.a.test", false},
		{"https://a.test", "https://ba.test", false},
		{"not a url", "https://a.test", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, originMatches(tt.want, tt.got), "%s vs %s", tt.want, tt.got)
	}
}

func authEvent(t *testing.T, id, origin string) protocol.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"requestId":    id,
		"request":      map[string]any{"url": origin + "/", "method": "GET", "headers": map[string]string{}},
		"frameId":      "F1",
		"resourceType": "Document",
		"authChallenge": map[string]any{
			"source": "Server", "origin": origin, "scheme": "basic", "realm": "r",
		},
	})
	require.NoError(t, err)
	return protocol.Event{Method: "Fetch.authRequired", Params: raw, SessionID: "S1"}
}

func TestInterceptorAnswersAuthChallenges(t *testing.T) {
	cmd := &fakeCommander{}
	i, bus := startInterceptor(t, cmd, nil, WithAuthRetries(2))
	require.NoError(t, i.SetHTTPCredentials(context.Background(), &Credentials{Username: "u", Password: "p"}))

	enable := cmd.waitFor(t, "Fetch.enable")
	assert.True(t, enable.get("handleAuthRequests").Bool())

	for n := 1; n <= 3; n++ {
		bus.Publish(authEvent(t, "A1", "https://secure.test"))
		require.Eventually(t, func() bool {
			return len(cmd.byMethod("Fetch.continueWithAuth")) == n
		}, time.Second, 2*time.Millisecond)
	}
	replies := cmd.byMethod("Fetch.continueWithAuth")
	assert.Equal(t, AuthProvide, replies[0].get("authChallengeResponse.response").String())
	assert.Equal(t, "u", replies[0].get("authChallengeResponse.username").String())
	assert.Equal(t, AuthProvide, replies[1].get("authChallengeResponse.response").String())
	assert.Equal(t, AuthCancel, replies[2].get("authChallengeResponse.response").String())
	assert.False(t, replies[2].get("authChallengeResponse.username").Exists())

	require.NoError(t, i.SetHTTPCredentials(context.Background(), nil))
	assert.Len(t, cmd.byMethod("Fetch.disable"), 1)
}
