package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueClosed   = errors.New("queue is closed")
	ErrQueueNotFound = errors.New("queue not found")
	ErrInvalidLimit  = errors.New("queue limit must be positive")
)

// Task is one unit of queued work.
type Task func(ctx context.Context) error

type item struct {
	name string
	task Task
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Name      string `json:"name"`
	Limit     int    `json:"limit"`
	Running   int    `json:"running"`
	Pending   int    `json:"pending"`
	Paused    bool   `json:"paused"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
}

// Queue runs pushed tasks in FIFO order with at most limit running at once.
type Queue struct {
	name    string
	limit   int
	pending []item
	running int
	paused  bool
	closed  bool
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	processed atomic.Int64
	failed    atomic.Int64
}

func newQueue(name string, limit int, logger *zap.Logger) *Queue {
	q := &Queue{
		name:   name,
		limit:  limit,
		logger: logger.With(zap.String("queue", name)),
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Push appends a task. It starts immediately when the queue is not paused
// and below its limit.
func (q *Queue) Push(name string, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%w: %s", ErrQueueClosed, q.name)
	}
	q.pending = append(q.pending, item{name: name, task: task})
	q.pump()
	return nil
}

// pump starts pending tasks up to the limit. Callers hold mu.
func (q *Queue) pump() {
	for !q.paused && q.running < q.limit && len(q.pending) > 0 {
		it := q.pending[0]
		q.pending[0] = item{}
		q.pending = q.pending[1:]
		q.running++
		q.wg.Add(1)
		go q.run(it)
	}
}

func (q *Queue) run(it item) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.running--
		q.pump()
		q.mu.Unlock()
	}()

	if err := q.execute(it); err != nil {
		q.failed.Add(1)
		q.logger.Warn("task failed", zap.String("task", it.name), zap.Error(err))
		return
	}
	q.processed.Add(1)
}

func (q *Queue) execute(it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked",
				zap.String("task", it.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("task %s panicked: %v", it.name, r)
		}
	}()
	return it.task(q.ctx)
}

// Pause stops starting tasks. Running tasks finish; pending ones are kept.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume starts pending tasks again.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.pump()
}

// Scale changes the concurrency limit. Lowering it never interrupts running tasks.
func (q *Queue) Scale(limit int) error {
	if limit < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limit = limit
	q.pump()
	return nil
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:      q.name,
		Limit:     q.limit,
		Running:   q.running,
		Pending:   len(q.pending),
		Paused:    q.paused,
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
	}
}

// Stop refuses new tasks and drains pending ones, paused or not. When ctx ends
// first, running tasks are cancelled, pending ones dropped and ctx's error returned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.paused = false
	q.pump()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		dropped := len(q.pending)
		q.pending = nil
		q.mu.Unlock()
		q.cancel()
		if dropped > 0 {
			q.logger.Warn("dropped pending tasks", zap.Int("count", dropped))
		}
		return ctx.Err()
	}
}

// Manager owns the named queues. Queues are created on first use with the
// configured or default limit.
type Manager struct {
	queues       map[string]*Queue
	limits       map[string]int
	defaultLimit int
	closed       bool
	mu           sync.RWMutex
	logger       *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultLimit sets the limit of queues without an explicit one.
func WithDefaultLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.defaultLimit = n
		}
	}
}

// WithLimits sets per-queue limits.
func WithLimits(limits map[string]int) Option {
	return func(m *Manager) {
		for name, n := range limits {
			if n > 0 {
				m.limits[name] = n
			}
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a queue manager. The default limit is 10.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		queues:       make(map[string]*Queue),
		limits:       make(map[string]int),
		defaultLimit: 10,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "queue_manager"))
	for name := range m.limits {
		m.queue(name)
	}
	return m
}

// Queue returns the named queue, creating it if needed.
func (m *Manager) Queue(name string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: %s", ErrQueueClosed, name)
	}
	return m.queue(name), nil
}

func (m *Manager) queue(name string) *Queue {
	if q, ok := m.queues[name]; ok {
		return q
	}
	limit, ok := m.limits[name]
	if !ok {
		limit = m.defaultLimit
	}
	q := newQueue(name, limit, m.logger)
	m.queues[name] = q
	m.logger.Debug("queue created", zap.String("queue", name), zap.Int("limit", limit))
	return q
}

// Get returns an existing queue.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// Push adds a task to the named queue.
func (m *Manager) Push(queue, name string, task Task) error {
	q, err := m.Queue(queue)
	if err != nil {
		return err
	}
	return q.Push(name, task)
}

// Pause pauses the named queue.
func (m *Manager) Pause(name string) error {
	q, err := m.Queue(name)
	if err != nil {
		return err
	}
	q.Pause()
	m.logger.Info("queue paused", zap.String("queue", name))
	return nil
}

// Resume resumes the named queue.
func (m *Manager) Resume(name string) error {
	q, err := m.Queue(name)
	if err != nil {
		return err
	}
	q.Resume()
	m.logger.Info("queue resumed", zap.String("queue", name))
	return nil
}

// Scale changes the limit of the named queue.
func (m *Manager) Scale(name string, limit int) error {
	q, err := m.Queue(name)
	if err != nil {
		return err
	}
	if err := q.Scale(limit); err != nil {
		return err
	}
	m.logger.Info("queue scaled", zap.String("queue", name), zap.Int("limit", limit))
	return nil
}

// Stats returns the stats of the named queue.
func (m *Manager) Stats(name string) (Stats, error) {
	q, err := m.Get(name)
	if err != nil {
		return Stats{}, err
	}
	return q.Stats(), nil
}

// All returns the stats of every queue, sorted by name.
func (m *Manager) All() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q.Stats())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop stops every queue concurrently, draining pending work until ctx ends.
// It returns the first queue error.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, q := range queues {
		g.Go(func() error {
			if err := q.Stop(ctx); err != nil {
				return fmt.Errorf("queue %s: %w", q.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
