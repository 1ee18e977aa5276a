package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/songzhibin97/jobflow/events"
	"github.com/songzhibin97/jobflow/storage"
	"github.com/songzhibin97/jobflow/types"
)

var (
	// ErrEntryNotFound is returned when a dead-letter entry does not exist.
	ErrEntryNotFound = errors.New("dead letter entry not found")
	// ErrNoResubmitter is returned by Retry when no resubmission target is configured.
	ErrNoResubmitter = errors.New("no resubmitter configured")
	// ErrRetryInProgress is returned when another Retry of the same entry has not finished.
	ErrRetryInProgress = errors.New("dead letter retry already in progress")
)

// Event names emitted by the queue.
const (
	EventInsert = "deadletter.insert"
	EventRetry  = "deadletter.retry"
	EventDelete = "deadletter.delete"
	EventPrune  = "deadletter.prune"
)

// Resubmitter re-enqueues the job or workflow an entry describes.
type Resubmitter interface {
	Resubmit(ctx context.Context, entry types.DeadLetterEntry) error
}

// ResubmitFunc adapts a function to Resubmitter.
type ResubmitFunc func(ctx context.Context, entry types.DeadLetterEntry) error

// Resubmit implements Resubmitter.
func (f ResubmitFunc) Resubmit(ctx context.Context, entry types.DeadLetterEntry) error {
	return f(ctx, entry)
}

// Stats summarizes the stored entries.
type Stats struct {
	Total        int            `json:"total"`
	ByQueue      map[string]int `json:"by_queue"`
	ByJob        map[string]int `json:"by_job"`
	ByErrorClass map[string]int `json:"by_error_class"`
	Oldest       *time.Time     `json:"oldest,omitempty"`
	Newest       *time.Time     `json:"newest,omitempty"`
}

// Queue is a bounded store of work that exhausted its retries.
type Queue struct {
	store    storage.DeadLetterStore
	generate generator.Generator
	resubmit Resubmitter
	limiter  *rate.Limiter
	eventBus *events.EventBus
	logger   *zap.Logger
	onInsert func(types.DeadLetterEntry)

	maxEntries    int
	maxAge        time.Duration
	pruneInterval time.Duration
	pruneBatch    int

	mu       sync.Mutex
	inflight map[uint64]struct{} // entries being resubmitted
}

// Option configures a Queue.
type Option func(*Queue)

// WithGenerator sets the entry id generator.
func WithGenerator(g generator.Generator) Option {
	return func(q *Queue) { q.generate = g }
}

// WithResubmitter sets the target of Retry and RetryAll.
func WithResubmitter(r Resubmitter) Option {
	return func(q *Queue) { q.resubmit = r }
}

// WithRetryRate throttles RetryAll to r re-submissions per second.
func WithRetryRate(r float64, burst int) Option {
	return func(q *Queue) {
		if r > 0 {
			q.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithEventBus publishes insert, retry, delete and prune events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(q *Queue) { q.eventBus = bus }
}

// WithLogger sets the queue logger.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithOnInsert registers a callback run on its own goroutine after every insert.
func WithOnInsert(fn func(types.DeadLetterEntry)) Option {
	return func(q *Queue) { q.onInsert = fn }
}

// WithMaxEntries bounds the number of stored entries. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(q *Queue) { q.maxEntries = n }
}

// WithMaxAge is the age after which the prune loop removes entries.
func WithMaxAge(d time.Duration) Option {
	return func(q *Queue) { q.maxAge = d }
}

// WithPruneInterval sets how often the prune loop runs.
func WithPruneInterval(d time.Duration) Option {
	return func(q *Queue) { q.pruneInterval = d }
}

// WithPruneBatch bounds how many entries one prune pass removes.
func WithPruneBatch(n int) Option {
	return func(q *Queue) { q.pruneBatch = n }
}

// New creates a dead-letter queue over store.
func New(store storage.DeadLetterStore, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	q := &Queue{
		store:         store,
		logger:        zap.NewNop(),
		pruneInterval: time.Minute,
		pruneBatch:    1000,
		inflight:      make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.generate == nil {
		q.generate = generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	}
	q.logger = q.logger.With(zap.String("component", "dead_letter_queue"))
	return q, nil
}

// SetResubmitter sets the Retry target after construction, for targets that
// themselves depend on the queue.
func (q *Queue) SetResubmitter(r Resubmitter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resubmit = r
}

// Insert stores entry, evicting the oldest entries first when the queue is
// full. It never rejects an entry for capacity.
func (q *Queue) Insert(ctx context.Context, entry types.DeadLetterEntry) (types.DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxEntries > 0 {
		if err := q.evict(ctx); err != nil {
			return types.DeadLetterEntry{}, err
		}
	}

	id, err := q.generate.NextID()
	if err != nil {
		return types.DeadLetterEntry{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := time.Now()
	entry.ID = id
	entry.InsertedAt = now
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}
	if entry.FirstFailedAt.IsZero() {
		entry.FirstFailedAt = entry.LastFailedAt
	}
	if entry.Error == nil {
		entry.Error = map[string]interface{}{}
	}
	if err := q.store.SaveDeadLetter(ctx, entry); err != nil {
		return types.DeadLetterEntry{}, fmt.Errorf("failed to save dead letter: %w", err)
	}

	q.logger.Warn("dead-lettered",
		zap.Uint64("entry_id", entry.ID),
		zap.String("job", entry.JobName),
		zap.String("queue", entry.Queue),
		zap.String("error_class", entry.ErrorClass),
		zap.Int("attempts", entry.Attempts),
	)
	q.eventBus.Emit(EventInsert, map[string]float64{"attempts": float64(entry.Attempts)}, meta(entry))
	if q.onInsert != nil {
		go q.notify(entry)
	}
	return entry, nil
}

func (q *Queue) evict(ctx context.Context) error {
	n, err := q.store.CountDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("failed to count dead letters: %w", err)
	}
	if n < q.maxEntries {
		return nil
	}
	oldest, err := q.store.ListDeadLetters(ctx, types.DeadLetterFilter{Limit: n - q.maxEntries + 1})
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}
	for _, e := range oldest {
		if err := q.store.DeleteDeadLetter(ctx, e.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to evict dead letter %d: %w", e.ID, err)
		}
		q.logger.Info("evicted dead letter", zap.Uint64("entry_id", e.ID))
		q.eventBus.Emit(EventDelete, nil, withReason(meta(e), "evicted"))
	}
	return nil
}

func (q *Queue) notify(entry types.DeadLetterEntry) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("on insert callback panicked", zap.Any("panic", r))
		}
	}()
	q.onInsert(entry)
}

// List returns matching entries, oldest first.
func (q *Queue) List(ctx context.Context, filter types.DeadLetterFilter) ([]types.DeadLetterEntry, error) {
	return q.store.ListDeadLetters(ctx, filter)
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id uint64) (types.DeadLetterEntry, error) {
	entry, err := q.store.GetDeadLetter(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.DeadLetterEntry{}, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	return entry, err
}

// Retry re-submits an entry and removes it once the resubmission succeeded.
// A failed resubmission leaves the entry in place. Only one Retry per entry
// runs at a time; concurrent callers get ErrRetryInProgress.
func (q *Queue) Retry(ctx context.Context, id uint64) error {
	return q.retry(ctx, id)
}

func (q *Queue) retry(ctx context.Context, id uint64) error {
	q.mu.Lock()
	target := q.resubmit
	if target == nil {
		q.mu.Unlock()
		return ErrNoResubmitter
	}
	if _, busy := q.inflight[id]; busy {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrRetryInProgress, id)
	}
	q.inflight[id] = struct{}{}
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.inflight, id)
		q.mu.Unlock()
	}()

	// read under the claim so a replay that finished just before is seen as gone
	entry, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := target.Resubmit(ctx, entry); err != nil {
		q.logger.Error("resubmission failed", zap.Uint64("entry_id", entry.ID), zap.Error(err))
		return fmt.Errorf("failed to resubmit dead letter %d: %w", entry.ID, err)
	}
	if err := q.store.DeleteDeadLetter(ctx, entry.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete resubmitted dead letter %d: %w", entry.ID, err)
	}
	q.logger.Info("dead letter resubmitted", zap.Uint64("entry_id", entry.ID), zap.String("job", entry.JobName))
	q.eventBus.Emit(EventRetry, nil, meta(entry))
	return nil
}

// RetryAll re-submits every matching entry, throttled by the retry rate.
// It returns how many were resubmitted and the joined failures.
func (q *Queue) RetryAll(ctx context.Context, filter types.DeadLetterFilter) (int, error) {
	entries, err := q.store.ListDeadLetters(ctx, filter)
	if err != nil {
		return 0, err
	}
	var (
		count int
		errs  []error
	)
	for _, entry := range entries {
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				errs = append(errs, err)
				break
			}
		}
		if err := q.retry(ctx, entry.ID); err != nil {
			switch {
			case errors.Is(err, ErrNoResubmitter):
				return count, err
			case errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrRetryInProgress):
				// replayed or being replayed by another caller
				continue
			}
			errs = append(errs, err)
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}

// Delete removes an entry.
func (q *Queue) Delete(ctx context.Context, id uint64) error {
	entry, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.DeleteDeadLetter(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
		}
		return err
	}
	q.eventBus.Emit(EventDelete, nil, withReason(meta(entry), "deleted"))
	return nil
}

// Prune deletes up to limit entries inserted strictly before before.
// A non-positive limit removes them all.
func (q *Queue) Prune(ctx context.Context, before time.Time, limit int) (int, error) {
	entries, err := q.store.ListDeadLetters(ctx, types.DeadLetterFilter{InsertedBefore: before, Limit: limit})
	if err != nil {
		return 0, err
	}
	var pruned int
	for _, e := range entries {
		if err := q.store.DeleteDeadLetter(ctx, e.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return pruned, fmt.Errorf("failed to prune dead letter %d: %w", e.ID, err)
		}
		pruned++
	}
	if pruned > 0 {
		q.logger.Info("pruned dead letters", zap.Int("count", pruned), zap.Time("before", before))
		q.eventBus.Emit(EventPrune, map[string]float64{"count": float64(pruned)}, map[string]interface{}{"before": before})
	}
	return pruned, nil
}

// Stats counts entries by queue, job and error class.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	entries, err := q.store.ListDeadLetters(ctx, types.DeadLetterFilter{})
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Total:        len(entries),
		ByQueue:      make(map[string]int),
		ByJob:        make(map[string]int),
		ByErrorClass: make(map[string]int),
	}
	for _, e := range entries {
		s.ByQueue[e.Queue]++
		s.ByJob[e.JobName]++
		s.ByErrorClass[e.ErrorClass]++
	}
	if len(entries) > 0 {
		oldest, newest := entries[0].InsertedAt, entries[len(entries)-1].InsertedAt
		s.Oldest, s.Newest = &oldest, &newest
	}
	return s, nil
}

// Start prunes entries older than the max age every prune interval until ctx
// is done. Without a max age it only waits for ctx.
func (q *Queue) Start(ctx context.Context) error {
	if q.maxAge <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(q.pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := q.Prune(ctx, now.Add(-q.maxAge), q.pruneBatch); err != nil && ctx.Err() == nil {
				q.logger.Error("prune failed", zap.Error(err))
			}
		}
	}
}

// NormalizeError flattens err into the stored error map and returns its class,
// the Go type of the innermost wrapped error.
func NormalizeError(err error) (map[string]interface{}, string) {
	if err == nil {
		return map[string]interface{}{}, ""
	}
	inner := err
	for {
		var next error
		switch x := inner.(type) {
		case interface{ Unwrap() []error }:
			if errs := x.Unwrap(); len(errs) > 0 {
				next = errs[0]
			}
		case interface{ Unwrap() error }:
			next = x.Unwrap()
		}
		if next == nil {
			break
		}
		inner = next
	}
	class := fmt.Sprintf("%T", inner)
	return map[string]interface{}{
		"message": err.Error(),
		"class":   class,
	}, class
}

func meta(e types.DeadLetterEntry) map[string]interface{} {
	return map[string]interface{}{
		"entry_id":    e.ID,
		"kind":        e.Kind,
		"job":         e.JobName,
		"queue":       e.Queue,
		"error_class": e.ErrorClass,
	}
}

func withReason(m map[string]interface{}, reason string) map[string]interface{} {
	m["reason"] = reason
	return m
}
