package route

import (
	"net/url"
	"strings"
	"sync"
)

const DefaultAuthRetries = 3

// Credentials HTTP 认证凭据；Origin 为空时对所有来源生效
type Credentials struct {
	Username string
	Password string
	Origin   string
}

// AuthDecision 对一次认证挑战的答复
type AuthDecision struct {
	Response string // ProvideCredentials | CancelAuth | Default
	Username string
	Password string
}

const (
	AuthProvide = "ProvideCredentials"
	AuthCancel  = "CancelAuth"
	AuthDefault = "Default"
)

// AuthHandler 按来源匹配凭据，并限制每个来源的尝试次数
type AuthHandler struct {
	max int

	mu       sync.Mutex
	creds    *Credentials
	attempts map[string]int
}

func NewAuthHandler(maxRetries int) *AuthHandler {
	if maxRetries <= 0 {
		maxRetries = DefaultAuthRetries
	}
	return &AuthHandler{max: maxRetries, attempts: make(map[string]int)}
}

// SetCredentials 替换凭据并重置尝试计数；nil 表示清除
func (a *AuthHandler) SetCredentials(c *Credentials) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = c
	clear(a.attempts)
}

func (a *AuthHandler) HasCredentials() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds != nil
}

// Decide 处理来自 origin 的认证挑战
func (a *AuthHandler) Decide(origin string) AuthDecision {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds == nil {
		return AuthDecision{Response: AuthCancel}
	}
	if !originMatches(a.creds.Origin, origin) {
		return AuthDecision{Response: AuthDefault}
	}
	key := strings.ToLower(origin)
	if a.attempts[key] >= a.max {
		return AuthDecision{Response: AuthCancel}
	}
	a.attempts[key]++
	return AuthDecision{Response: AuthProvide, Username: a.creds.Username, Password: a.creds.Password}
}

// Attempts 某来源已提供凭据的次数
func (a *AuthHandler) Attempts(origin string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[strings.ToLower(origin)]
}

// originMatches 来源完全相同，或挑战来源是凭据来源的子域名（协议与端口一致）
func originMatches(want, got string) bool {
	if want == "" {
		return true
	}
	if strings.EqualFold(strings.TrimSuffix(want, "/"), strings.TrimSuffix(got, "/")) {
		return true
	}
	w, err := url.Parse(want)
	if err != nil || w.Host == "" {
		return false
	}
	g, err := url.Parse(got)
	if err != nil || g.Host == "" {
		return false
	}
	if !strings.EqualFold(w.Scheme, g.Scheme) || w.Port() != g.Port() {
		return false
	}
	wh, gh := strings.ToLower(w.Hostname()), strings.ToLower(g.Hostname())
	return gh == wh || strings.HasSuffix(gh, "."+wh)
}
