// Package scheduler 提供绑定实体生命周期的周期任务管理。
//
// 任务以 (ownerID, taskID) 为键，归属于某个连接、房间或命名空间；
// 存活谓词在每个周期执行前求值，返回 false 时任务自动移除，
// 实体销毁路径调用 StopAll 做兜底清理，防止定时器泄漏。
package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/logger"
)

// Func 任务函数
type Func func()

// Condition 存活谓词，返回 false 时任务在执行前自动移除
type Condition func() bool

// taskKey 任务键
type taskKey struct {
	owner string
	id    string
}

// task 运行中的任务
type task struct {
	key      taskKey
	stop     chan struct{}
	stopOnce sync.Once
}

// halt 发出停止信号（可重复调用）
func (t *task) halt() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

// Option 任务选项
type Option func(*taskOptions)

type taskOptions struct {
	cond Condition
}

// WithCondition 设置存活谓词
func WithCondition(cond Condition) Option {
	return func(o *taskOptions) {
		o.cond = cond
	}
}

// Manager 任务管理器
type Manager struct {
	log logger.Logger

	mu     sync.Mutex
	tasks  map[taskKey]*task
	closed bool
	wg     sync.WaitGroup
}

// New 创建任务管理器
func New(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		log:   log,
		tasks: make(map[taskKey]*task),
	}
}

// Add 注册间隔任务
//
// 幂等：相同 (ownerID, taskID) 已存在时静默跳过并返回 false。
func (m *Manager) Add(ownerID, taskID string, interval time.Duration, fn Func, opts ...Option) bool {
	if interval <= 0 || fn == nil {
		return false
	}

	o := &taskOptions{}
	for _, opt := range opts {
		opt(o)
	}

	t, ok := m.register(ownerID, taskID)
	if !ok {
		return false
	}

	m.wg.Add(1)
	go m.runInterval(t, interval, fn, o.cond)
	return true
}

// AddCron 注册 cron 表达式任务（标准五段格式）
//
// 与 Add 相同的键与存活语义。
func (m *Manager) AddCron(ownerID, taskID, spec string, fn Func, opts ...Option) error {
	if fn == nil {
		return errors.New("scheduler: task func is required")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return err
	}

	o := &taskOptions{}
	for _, opt := range opts {
		opt(o)
	}

	t, ok := m.register(ownerID, taskID)
	if !ok {
		return nil
	}

	m.wg.Add(1)
	go m.runCron(t, sched, fn, o.cond)
	return nil
}

// register 登记任务键，重复键返回 false
func (m *Manager) register(ownerID, taskID string) (*task, bool) {
	key := taskKey{owner: ownerID, id: taskID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false
	}
	if _, exists := m.tasks[key]; exists {
		return nil, false
	}

	t := &task{key: key, stop: make(chan struct{})}
	m.tasks[key] = t
	return t, true
}

// runInterval 间隔任务循环
func (m *Manager) runInterval(t *task, interval time.Duration, fn Func, cond Condition) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if cond != nil && !cond() {
				m.remove(t)
				return
			}
			m.safeRun(t, fn)
		}
	}
}

// runCron cron 任务循环
func (m *Manager) runCron(t *task, sched cron.Schedule, fn Func, cond Condition) {
	defer m.wg.Done()

	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.C:
			if cond != nil && !cond() {
				m.remove(t)
				return
			}
			m.safeRun(t, fn)
		}
	}
}

// safeRun 执行任务并吞掉 panic
func (m *Manager) safeRun(t *task, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("scheduled task panicked",
				zap.String("owner", t.key.owner),
				zap.String("task", t.key.id),
				zap.Any("panic", r))
		}
	}()
	fn()
}

// remove 任务自移除（存活谓词失败路径）
func (m *Manager) remove(t *task) {
	m.mu.Lock()
	if cur, ok := m.tasks[t.key]; ok && cur == t {
		delete(m.tasks, t.key)
	}
	m.mu.Unlock()

	t.halt()
	m.log.Debug("scheduled task removed by condition",
		zap.String("owner", t.key.owner),
		zap.String("task", t.key.id))
}

// Stop 停止指定任务
func (m *Manager) Stop(ownerID, taskID string) {
	key := taskKey{owner: ownerID, id: taskID}

	m.mu.Lock()
	t, ok := m.tasks[key]
	if ok {
		delete(m.tasks, key)
	}
	m.mu.Unlock()

	if ok {
		t.halt()
	}
}

// StopAll 停止实体名下的全部任务
//
// 连接、房间、命名空间的销毁路径必须调用，防止定时器引用已销毁实体。
func (m *Manager) StopAll(ownerID string) {
	m.mu.Lock()
	var stopped []*task
	for key, t := range m.tasks {
		if key.owner == ownerID {
			stopped = append(stopped, t)
			delete(m.tasks, key)
		}
	}
	m.mu.Unlock()

	for _, t := range stopped {
		t.halt()
	}
}

// Has 检查任务是否存在
func (m *Manager) Has(ownerID, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[taskKey{owner: ownerID, id: taskID}]
	return ok
}

// Count 当前任务数量
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Close 停止全部任务并等待协程退出
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stopped := make([]*task, 0, len(m.tasks))
	for key, t := range m.tasks {
		stopped = append(stopped, t)
		delete(m.tasks, key)
	}
	m.mu.Unlock()

	for _, t := range stopped {
		t.halt()
	}
	m.wg.Wait()
}
