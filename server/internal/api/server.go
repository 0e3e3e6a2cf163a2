package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wave-portal/server/internal/config"
	"wave-portal/server/internal/ledger"
	"wave-portal/server/internal/model"
	"wave-portal/server/internal/orchestrator"
	"wave-portal/server/internal/session"
	"wave-portal/server/internal/timeline"
)

const (
	streamWriteWait    = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// Service 是 API 依赖的编排能力，*orchestrator.Orchestrator 实现了它。
type Service interface {
	Status() orchestrator.Status
	Session() model.Session
	Connect(ctx context.Context) (model.Session, error)
	View() timeline.View
	Changes() <-chan struct{}
	Count(ctx context.Context) (uint64, error)
	Submit(ctx context.Context, message string) (model.PendingWrite, error)
	Resync(ctx context.Context) error
}

type Server struct {
	svc     Service
	origins map[string]bool
	logger  *zap.Logger

	pingInterval time.Duration

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(svc Service, cors config.CORSConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:          svc,
		origins:      make(map[string]bool, len(cors.AllowedOrigins)),
		logger:       logger,
		pingInterval: streamPingInterval,
	}
	for _, o := range cors.AllowedOrigins {
		s.origins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// 非浏览器客户端不带 Origin
			origin := r.Header.Get("Origin")
			return origin == "" || s.origins[origin]
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/api/status", s.handleStatus)
	engine.GET("/api/session", s.handleSession)
	engine.POST("/api/session/connect", s.handleConnect)
	engine.GET("/api/waves", s.handleWaves)
	engine.POST("/api/waves", s.handleSubmit)
	engine.GET("/api/waves/count", s.handleCount)
	engine.POST("/api/waves/resync", s.handleResync)
	engine.GET("/api/waves/stream", s.handleStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Status())
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Session())
}

// handleConnect 请求签名代理授权。
func (s *Server) handleConnect(c *gin.Context) {
	sess, err := s.svc.Connect(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleWaves 返回展示顺序（最新在前）的记录、在途写入和最近一次提交的状态。
func (s *Server) handleWaves(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.View())
}

type submitRequest struct {
	Message *string `json:"message"`
}

// handleSubmit 提交一条留言，立即返回在途写入；打包结果通过 /api/waves 或 stream 观察。
func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Message == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message required"})
		return
	}
	// 在触达账本之前先拦住非法文本
	if err := model.ValidateMessage(*req.Message); err != nil {
		s.writeError(c, err)
		return
	}

	pending, err := s.svc.Submit(c.Request.Context(), *req.Message)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, pending)
}

func (s *Server) handleCount(c *gin.Context) {
	n, err := s.svc.Count(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// handleResync 手动重新同步，读取失败可以直接重试。
func (s *Server) handleResync(c *gin.Context) {
	if err := s.svc.Resync(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.View())
}

type streamMessage struct {
	Type    string        `json:"type"`
	Session model.Session `json:"session"`
	View    timeline.View `json:"view"`
}

// handleStream 把 Store 的每次变化推给前端：连接后先推一次完整快照，之后每个新版本推一次。
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade websocket failed", zap.Error(err))
		return
	}

	// 读协程只负责发现对端关闭
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-closed
	}()

	s.logger.Debug("stream attached", zap.String("remote", c.Request.RemoteAddr))

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	var (
		sent    bool
		version uint64
	)
	for {
		// 先取通知 channel 再取快照，保证两次之间的变化不会丢
		changes := s.svc.Changes()
		view := s.svc.View()
		if !sent || view.Version != version {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			msg := streamMessage{Type: "view", Session: s.svc.Session(), View: view}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("stream write failed", zap.Error(err))
				return
			}
			sent, version = true, view.Version
		}

		select {
		case <-changes:
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// writeError 把错误分类映射成状态码，只返回简短的错误类别，不透传上游细节。
func (s *Server) writeError(c *gin.Context, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidMessage):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrEnvironmentUnavailable):
		return http.StatusServiceUnavailable, "signing agent unavailable"
	case errors.Is(err, session.ErrAuthorizationDeclined):
		return http.StatusForbidden, "authorization declined"
	case errors.Is(err, ledger.ErrSubmissionRejected):
		return http.StatusUnprocessableEntity, "submission rejected"
	case errors.Is(err, ledger.ErrTransientRead):
		return http.StatusBadGateway, "ledger read failed, retry later"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if s.origins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
