// Package session 记录已附加的 CDP session，供分离事件回查所属页面
package session

import (
	"sync"

	"cdpwire/internal/logger"
	"cdpwire/pkg/model"
)

// Session 一个已附加目标
type Session struct {
	ID      model.SessionID
	Target  model.TargetID
	Context model.ContextID

	once    sync.Once
	onClose func(error)
}

// New 创建 session；onClose 在首次 Close 时调用
func New(id model.SessionID, target model.TargetID, ctx model.ContextID, onClose func(error)) *Session {
	return &Session{ID: id, Target: target, Context: ctx, onClose: onClose}
}

// Close 只生效一次
func (s *Session) Close(cause error) {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose(cause)
		}
	})
}

// Manager 全局 session 表
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*Session
	log      logger.Logger
}

func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{sessions: make(map[model.SessionID]*Session), log: l}
}

// Add 注册 session，同 id 的旧记录被替换
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	m.log.Debug("已附加目标", "session", s.ID, "target", s.Target)
}

func (m *Manager) Get(id model.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ByTarget 查找附加到某目标的全部 session
func (m *Manager) ByTarget(id model.TargetID) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Target == id {
			out = append(out, s)
		}
	}
	return out
}

// Remove 摘除并返回 session，不触发 Close
func (m *Manager) Remove(id model.SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.log.Debug("已分离目标", "session", id, "target", s.Target)
	}
	return s, ok
}

// Detach 摘除并关闭 session
func (m *Manager) Detach(id model.SessionID, cause error) bool {
	s, ok := m.Remove(id)
	if ok {
		s.Close(cause)
	}
	return ok
}

func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll 关闭并清空全部 session
func (m *Manager) CloseAll(cause error) {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[model.SessionID]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close(cause)
	}
	if len(all) > 0 {
		m.log.Info("已关闭全部会话", "count", len(all))
	}
}
