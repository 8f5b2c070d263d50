package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/relay/pkg/broker"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/scheduler"
	"github.com/tokmz/relay/pkg/state"
)

// DefaultNamespace 未指定命名空间时的归属
const DefaultNamespace = "/"

// Server 网关服务
//
// 持有命名空间注册表、进程级调度器与生命周期事件总线。processID
// 随进程生成，broker 投递用它抑制本进程回环。
type Server struct {
	config  *Config
	log     logger.Logger
	metrics Metrics
	broker  broker.Broker
	state   state.Store

	tasks    *scheduler.Manager
	events   *eventBus
	upgrader *Upgrader

	processID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	namespaces map[string]*Namespace

	connCount atomic.Int64
	closed    atomic.Bool
}

// New 创建网关服务
func New(opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		log:        log,
		metrics:    metrics,
		broker:     cfg.Broker,
		state:      cfg.State,
		tasks:      scheduler.New(log),
		events:     newEventBus(),
		upgrader:   NewUpgrader(cfg.Upgrader),
		processID:  uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		namespaces: make(map[string]*Namespace),
	}
	return s, nil
}

// ProcessID 本进程实例标识
func (s *Server) ProcessID() string {
	return s.processID
}

// ConnCount 当前连接数
func (s *Server) ConnCount() int64 {
	return s.connCount.Load()
}

// Run 建立外部依赖连接
//
// broker 或全局成员存储连通失败都是致命错误，网关中止初始化而不是
// 降级运行。
func (s *Server) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	if s.broker != nil {
		if err := s.broker.Connect(ctx); err != nil {
			return fmt.Errorf("gateway: broker connect: %w", err)
		}
	}

	if p, ok := s.state.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("gateway: state store connect: %w", err)
		}
	}

	s.log.Info("gateway started",
		zap.String("process", s.processID),
		zap.Bool("broker", s.broker != nil),
		zap.Bool("state", s.state != nil))
	return nil
}

// Of 获取或创建命名空间
func (s *Server) Of(name string) *Namespace {
	if name == "" {
		name = DefaultNamespace
	}

	s.mu.RLock()
	n, ok := s.namespaces[name]
	s.mu.RUnlock()
	if ok {
		return n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok = s.namespaces[name]; ok {
		return n
	}
	n = newNamespace(s, name)
	s.namespaces[name] = n
	return n
}

// Subscribe 订阅生命周期事件
func (s *Server) Subscribe(t EventType, h EventHandler) {
	s.events.subscribe(t, h)
}

// HandleUpgrade 升级 HTTP 请求并接入对应命名空间
//
// 命名空间取查询参数 namespace，缺省归入 "/"。
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	if s.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return nil, ErrServerClosed
	}

	ns := s.Of(r.URL.Query().Get("namespace"))

	tr, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		return nil, err
	}
	return ns.Attach(tr, r)
}

// ServeHTTP 实现 http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = s.HandleUpgrade(w, r)
}

// addConn 连接计数许可
func (s *Server) addConn() bool {
	if n := s.connCount.Add(1); n > int64(s.config.MaxConnections) {
		s.connCount.Add(-1)
		return false
	}
	s.metrics.SetConnectionCount(int(s.connCount.Load()))
	return true
}

// decConn 释放连接计数
func (s *Server) decConn() {
	s.metrics.SetConnectionCount(int(s.connCount.Add(-1)))
}

// Shutdown 优雅停机
//
// 销毁全部房间与连接、停掉调度器与事件总线、断开 broker，
// 随后等待全部工作协程退出或 ctx 超时。可重复调用。
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info("gateway shutting down", zap.String("process", s.processID))

	s.mu.Lock()
	namespaces := make([]*Namespace, 0, len(s.namespaces))
	for _, n := range s.namespaces {
		namespaces = append(namespaces, n)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, n := range namespaces {
		n := n
		g.Go(func() error {
			n.Clear()
			return nil
		})
	}
	_ = g.Wait()

	s.cancel()
	s.tasks.Close()
	s.events.close()

	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.log.Warn("broker close failed", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("gateway stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
