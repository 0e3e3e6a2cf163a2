package session

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"wave-portal/server/internal/model"
)

var (
	// ErrEnvironmentUnavailable 表示没有可用的签名代理，这是正常的环境状况，不是故障。
	ErrEnvironmentUnavailable = errors.New("signing agent unavailable")
	// ErrAuthorizationDeclined 表示用户拒绝授权，或当前没有授权身份。
	ErrAuthorizationDeclined = errors.New("authorization declined")
)

// ChangeFunc 在会话身份变化后被调用。
type ChangeFunc func(prev, next model.Session)

// Manager 持有进程内唯一的 Session，其他组件只读共享。
type Manager struct {
	agent  Agent
	logger *zap.Logger

	mu        sync.RWMutex
	state     model.Session
	listeners map[int]ChangeFunc
	nextID    int
}

// NewManager 创建会话管理器；agent 为 nil 表示当前环境没有签名代理。
func NewManager(agent Agent, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		agent:     agent,
		logger:    logger,
		state:     model.Session{Status: model.SessionDisconnected},
		listeners: make(map[int]ChangeFunc),
	}
}

// Current 返回当前会话快照。
func (m *Manager) Current() model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copySession(m.state)
}

// OnChange 注册身份变化监听，返回的函数用于注销。
func (m *Manager) OnChange(fn ChangeFunc) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// CheckExistingSession 静默查询已授权身份，不会弹窗。
// 没有签名代理或查询失败时只记录日志，返回当前会话（初始为 Disconnected）。
func (m *Manager) CheckExistingSession(ctx context.Context) model.Session {
	if m.agent == nil {
		m.logger.Info("no signing agent present")
		return m.Current()
	}

	accounts, err := m.agent.ListAuthorizedIdentities(ctx)
	if err != nil {
		if errors.Is(err, ErrEnvironmentUnavailable) {
			m.logger.Info("signing agent unavailable", zap.Error(err))
		} else {
			m.logger.Warn("list authorized identities failed", zap.Error(err))
		}
		return m.Current()
	}
	if len(accounts) == 0 {
		m.logger.Info("no authorized identity found")
		return m.Current()
	}

	m.logger.Info("found authorized identity", zap.String("identity", accounts[0].Hex()))
	return m.adopt(accounts[0])
}

// RequestSession 请求用户显式授权。用户拒绝时会话保持不变，拒绝原因返回给调用方。
func (m *Manager) RequestSession(ctx context.Context) (model.Session, error) {
	if m.agent == nil {
		return m.Current(), ErrEnvironmentUnavailable
	}

	accounts, err := m.agent.RequestAuthorization(ctx)
	if err != nil {
		m.logger.Info("authorization request failed", zap.Error(err))
		return m.Current(), err
	}
	if len(accounts) == 0 {
		return m.Current(), ErrAuthorizationDeclined
	}

	m.logger.Info("connected", zap.String("identity", accounts[0].Hex()))
	return m.adopt(accounts[0]), nil
}

func (m *Manager) adopt(identity common.Address) model.Session {
	m.mu.Lock()
	prev := copySession(m.state)
	if prev.Connected() && *prev.Identity == identity {
		m.mu.Unlock()
		return prev
	}
	m.state = model.Session{Identity: &identity, Status: model.SessionConnected}
	next := copySession(m.state)
	listeners := make([]ChangeFunc, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, next)
	}
	return next
}

func copySession(s model.Session) model.Session {
	if s.Identity != nil {
		id := *s.Identity
		s.Identity = &id
	}
	return s
}
