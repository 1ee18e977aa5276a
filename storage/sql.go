package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/songzhibin97/jobflow/types"
)

type jobRow struct {
	Name  string `gorm:"primaryKey;size:255"`
	Queue string `gorm:"size:255;index:idx_job_queue"`
	Data  string `gorm:"type:text;not null"`
}

func (jobRow) TableName() string { return "jobflow_jobs" }

type executionRow struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement:false"`
	JobName      string `gorm:"size:255;index:idx_exec_job"`
	WorkflowName string `gorm:"size:255;index:idx_exec_workflow"`
	State        string `gorm:"size:32"`
	CreatedAt    int64  `gorm:"index:idx_exec_created;autoCreateTime:false"`
	Data         string `gorm:"type:text;not null"`
}

func (executionRow) TableName() string { return "jobflow_executions" }

type workflowRow struct {
	Name string `gorm:"primaryKey;size:255"`
	Data string `gorm:"type:text;not null"`
}

func (workflowRow) TableName() string { return "jobflow_workflows" }

type deadLetterRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement:false"`
	Queue      string `gorm:"size:255;index:idx_dl_queue"`
	JobName    string `gorm:"size:255;index:idx_dl_job"`
	ErrorClass string `gorm:"size:255"`
	InsertedAt int64  `gorm:"index:idx_dl_inserted"`
	Data       string `gorm:"type:text;not null"`
}

func (deadLetterRow) TableName() string { return "jobflow_dead_letters" }

// SQLStorage is a gorm-backed implementation of Storage. Each record is kept
// as JSON next to the indexed columns it is queried by.
type SQLStorage struct {
	db *gorm.DB
}

// OpenSQL opens a gorm connection for driver ("sqlite", "postgres" or "mysql").
func OpenSQL(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return db, nil
}

// NewSQLStorage migrates the schema and returns a storage bound to db.
func NewSQLStorage(db *gorm.DB) (*SQLStorage, error) {
	if err := db.AutoMigrate(&jobRow{}, &executionRow{}, &workflowRow{}, &deadLetterRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLStorage{db: db}, nil
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decode[T any](data string) (T, error) {
	var out T
	err := json.Unmarshal([]byte(data), &out)
	return out, err
}

func decodeAll[R any, T any](rows []R, data func(R) string) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		item, err := decode[T](data(row))
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *SQLStorage) upsert(ctx context.Context, row interface{}) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

// GetJob retrieves a job by name.
func (s *SQLStorage) GetJob(ctx context.Context, name string) (types.Job, error) {
	return withContext(ctx, func() (types.Job, error) {
		var row jobRow
		if err := s.db.WithContext(ctx).First(&row, "name = ?", name).Error; err != nil {
			return types.Job{}, notFound(err, "job="+name)
		}
		return decode[types.Job](row.Data)
	})
}

// ListJobs returns jobs matching filter ordered by name.
func (s *SQLStorage) ListJobs(ctx context.Context, filter types.JobFilter) ([]types.Job, error) {
	return withContext(ctx, func() ([]types.Job, error) {
		q := s.db.WithContext(ctx).Order("name")
		if filter.Queue != "" {
			q = q.Where("queue = ?", filter.Queue)
		}
		var rows []jobRow
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		jobs, err := decodeAll[jobRow, types.Job](rows, func(r jobRow) string { return r.Data })
		if err != nil {
			return nil, err
		}
		var out []types.Job
		for _, job := range jobs {
			if filter.Match(job) {
				out = append(out, job)
			}
		}
		return sortJobs(out), nil
	})
}

// PutJob inserts or replaces a job.
func (s *SQLStorage) PutJob(ctx context.Context, job types.Job) error {
	return withContextError(ctx, func() error {
		data, err := encode(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", job.Name, err)
		}
		if err := s.upsert(ctx, &jobRow{Name: job.Name, Queue: job.Queue, Data: data}); err != nil {
			return fmt.Errorf("failed to save job %s: %w", job.Name, err)
		}
		return nil
	})
}

// DeleteJob removes a job.
func (s *SQLStorage) DeleteJob(ctx context.Context, name string) error {
	return withContextError(ctx, func() error {
		res := s.db.WithContext(ctx).Delete(&jobRow{}, "name = ?", name)
		if res.Error != nil {
			return fmt.Errorf("failed to delete job %s: %w", name, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: job=%s", ErrNotFound, name)
		}
		return nil
	})
}

// SaveExecution inserts or replaces an execution.
func (s *SQLStorage) SaveExecution(ctx context.Context, exec types.Execution) error {
	return withContextError(ctx, func() error {
		data, err := encode(exec)
		if err != nil {
			return fmt.Errorf("failed to marshal execution %d: %w", exec.ID, err)
		}
		row := &executionRow{
			ID:           exec.ID,
			JobName:      exec.JobName,
			WorkflowName: exec.WorkflowName,
			State:        exec.State,
			CreatedAt:    exec.CreatedAt.UnixNano(),
			Data:         data,
		}
		if err := s.upsert(ctx, row); err != nil {
			return fmt.Errorf("failed to save execution %d: %w", exec.ID, err)
		}
		return nil
	})
}

// GetExecution retrieves an execution by id.
func (s *SQLStorage) GetExecution(ctx context.Context, id uint64) (types.Execution, error) {
	return withContext(ctx, func() (types.Execution, error) {
		var row executionRow
		if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
			return types.Execution{}, notFound(err, fmt.Sprintf("execution=%d", id))
		}
		return decode[types.Execution](row.Data)
	})
}

// GetExecutions returns executions for jobName matching filter, newest first.
func (s *SQLStorage) GetExecutions(ctx context.Context, jobName string, filter types.ExecutionFilter) ([]types.Execution, error) {
	return withContext(ctx, func() ([]types.Execution, error) {
		q := s.db.WithContext(ctx).Order("created_at desc, id desc")
		if jobName != "" {
			q = q.Where("job_name = ?", jobName)
		}
		if filter.WorkflowName != "" {
			q = q.Where("workflow_name = ?", filter.WorkflowName)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		var rows []executionRow
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to list executions: %w", err)
		}
		execs, err := decodeAll[executionRow, types.Execution](rows, func(r executionRow) string { return r.Data })
		if err != nil {
			return nil, err
		}
		return sortExecutions(execs, filter.Limit), nil
	})
}

// RegisterWorkflow stores a workflow record by name.
func (s *SQLStorage) RegisterWorkflow(ctx context.Context, rec types.WorkflowRecord) error {
	return withContextError(ctx, func() error {
		data, err := encode(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow %s: %w", rec.Name, err)
		}
		if err := s.upsert(ctx, &workflowRow{Name: rec.Name, Data: data}); err != nil {
			return fmt.Errorf("failed to register workflow %s: %w", rec.Name, err)
		}
		return nil
	})
}

// ListWorkflows returns every registered workflow record.
func (s *SQLStorage) ListWorkflows(ctx context.Context) ([]types.WorkflowRecord, error) {
	return withContext(ctx, func() ([]types.WorkflowRecord, error) {
		var rows []workflowRow
		if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to list workflows: %w", err)
		}
		return decodeAll[workflowRow, types.WorkflowRecord](rows, func(r workflowRow) string { return r.Data })
	})
}

// SaveDeadLetter inserts or replaces an entry.
func (s *SQLStorage) SaveDeadLetter(ctx context.Context, entry types.DeadLetterEntry) error {
	return withContextError(ctx, func() error {
		data, err := encode(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter %d: %w", entry.ID, err)
		}
		row := &deadLetterRow{
			ID:         entry.ID,
			Queue:      entry.Queue,
			JobName:    entry.JobName,
			ErrorClass: entry.ErrorClass,
			InsertedAt: entry.InsertedAt.UnixNano(),
			Data:       data,
		}
		if err := s.upsert(ctx, row); err != nil {
			return fmt.Errorf("failed to save dead letter %d: %w", entry.ID, err)
		}
		return nil
	})
}

// GetDeadLetter retrieves an entry by id.
func (s *SQLStorage) GetDeadLetter(ctx context.Context, id uint64) (types.DeadLetterEntry, error) {
	return withContext(ctx, func() (types.DeadLetterEntry, error) {
		var row deadLetterRow
		if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
			return types.DeadLetterEntry{}, notFound(err, fmt.Sprintf("dead letter=%d", id))
		}
		return decode[types.DeadLetterEntry](row.Data)
	})
}

// ListDeadLetters returns matching entries oldest first.
func (s *SQLStorage) ListDeadLetters(ctx context.Context, filter types.DeadLetterFilter) ([]types.DeadLetterEntry, error) {
	return withContext(ctx, func() ([]types.DeadLetterEntry, error) {
		q := s.db.WithContext(ctx).Order("inserted_at, id")
		if filter.Queue != "" {
			q = q.Where("queue = ?", filter.Queue)
		}
		if filter.JobName != "" {
			q = q.Where("job_name = ?", filter.JobName)
		}
		if filter.ErrorClass != "" {
			q = q.Where("error_class = ?", filter.ErrorClass)
		}
		if !filter.InsertedBefore.IsZero() {
			q = q.Where("inserted_at < ?", filter.InsertedBefore.UnixNano())
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		var rows []deadLetterRow
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to list dead letters: %w", err)
		}
		entries, err := decodeAll[deadLetterRow, types.DeadLetterEntry](rows, func(r deadLetterRow) string { return r.Data })
		if err != nil {
			return nil, err
		}
		return sortDeadLetters(entries, filter.Limit), nil
	})
}

// DeleteDeadLetter removes an entry.
func (s *SQLStorage) DeleteDeadLetter(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		res := s.db.WithContext(ctx).Delete(&deadLetterRow{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete dead letter %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: dead letter=%d", ErrNotFound, id)
		}
		return nil
	})
}

// CountDeadLetters returns the number of stored entries.
func (s *SQLStorage) CountDeadLetters(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		var n int64
		if err := s.db.WithContext(ctx).Model(&deadLetterRow{}).Count(&n).Error; err != nil {
			return 0, fmt.Errorf("failed to count dead letters: %w", err)
		}
		return int(n), nil
	})
}

// ClearCompleted removes executions in a terminal state.
func (s *SQLStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		states := []string{types.StateCompleted, types.StateFailed, types.StateCancelled}
		if err := s.db.WithContext(ctx).Where("state IN ?", states).Delete(&executionRow{}).Error; err != nil {
			return fmt.Errorf("failed to clear executions: %w", err)
		}
		return nil
	})
}

// Close releases the underlying connection pool.
func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
