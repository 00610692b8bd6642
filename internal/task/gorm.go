package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/types"
)

// taskRecord is the persisted form of a TaskStatus.
type taskRecord struct {
	ID          string    `gorm:"primaryKey"`
	Status      string    `gorm:"not null;default:pending;index"`
	Progress    float64   `gorm:"not null;default:0"`
	Message     string    `gorm:"type:text"`
	ResultFiles string    `gorm:"type:text"` // JSON object
	WorkDir     string    `gorm:"column:work_dir"`
	FinishedAt  time.Time `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (taskRecord) TableName() string {
	return "translation_tasks"
}

// taskFile is one row of the task_id → {kind: path} mapping used by downloads.
type taskFile struct {
	TaskID string `gorm:"primaryKey;column:task_id"`
	Kind   string `gorm:"primaryKey"`
	Path   string `gorm:"not null"`
}

func (taskFile) TableName() string {
	return "task_files"
}

func toRecord(t TaskStatus) (taskRecord, error) {
	files, err := json.Marshal(t.ResultFiles)
	if err != nil {
		return taskRecord{}, err
	}
	return taskRecord{
		ID:          t.TaskID,
		Status:      string(t.Status),
		Progress:    t.Progress,
		Message:     t.Message,
		ResultFiles: string(files),
		WorkDir:     t.WorkDir,
		FinishedAt:  t.FinishedAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}, nil
}

func (r taskRecord) toStatus() (TaskStatus, error) {
	files := map[string]string{}
	if r.ResultFiles != "" {
		if err := json.Unmarshal([]byte(r.ResultFiles), &files); err != nil {
			return TaskStatus{}, fmt.Errorf("decode result files of %s: %w", r.ID, err)
		}
	}
	return TaskStatus{
		TaskID:      r.ID,
		Status:      Status(r.Status),
		Progress:    r.Progress,
		Message:     r.Message,
		ResultFiles: files,
		WorkDir:     r.WorkDir,
		FinishedAt:  r.FinishedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// GormStore persists tasks in a SQL database through GORM. Writes are
// serialized by a mutex and each runs in its own transaction.
type GormStore struct {
	db  *gorm.DB
	mu  sync.Mutex
	now func() time.Time
}

// Dialector maps a DATABASE_URL to a GORM dialector.
// Supported forms are sqlite://path and postgres:// (or postgresql://) DSNs.
func Dialector(databaseURL string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://")), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return postgres.Open(databaseURL), nil
	default:
		return nil, types.NewAppErrorWithDetails(types.ErrConfig, "unsupported database URL format", databaseURL, nil)
	}
}

// NewGormStore opens the database and migrates the task tables.
func NewGormStore(dialector gorm.Dialector, debug bool) (*GormStore, error) {
	gormLog := gormlogger.Default.LogMode(gormlogger.Warn)
	if debug {
		gormLog = gormlogger.Default.LogMode(gormlogger.Info)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := db.AutoMigrate(&taskRecord{}, &taskFile{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}

	logger.Info("task database initialized", logger.String("dialect", dialector.Name()))
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Create inserts a pending task.
func (s *GormStore) Create(ctx context.Context, id, workDir string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := newPending(id, workDir, s.now())
	rec, err := toRecord(t)
	if err != nil {
		return TaskStatus{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&taskRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return duplicate(id)
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return TaskStatus{}, wrapDBError("create task", err)
	}
	return t, nil
}

// Get loads a task.
func (s *GormStore) Get(ctx context.Context, id string) (TaskStatus, error) {
	rec, err := s.load(s.db.WithContext(ctx), id)
	if err != nil {
		return TaskStatus{}, wrapDBError("get task", err)
	}
	return rec.toStatus()
}

func (s *GormStore) load(tx *gorm.DB, id string) (taskRecord, error) {
	var rec taskRecord
	if err := tx.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return taskRecord{}, notFound(id)
		}
		return taskRecord{}, err
	}
	return rec, nil
}

// Update applies fn inside a transaction. On completion the produced files
// are written in the same transaction.
func (s *GormStore) Update(ctx context.Context, id string, fn Mutator) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result TaskStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.load(tx, id)
		if err != nil {
			return err
		}
		current, err := rec.toStatus()
		if err != nil {
			return err
		}
		next, err := apply(current, fn, s.now())
		if err != nil {
			return err
		}
		updated, err := toRecord(next)
		if err != nil {
			return err
		}
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		if next.Status == StatusCompleted {
			for kind, path := range next.ResultFiles {
				if err := tx.Create(&taskFile{TaskID: id, Kind: kind, Path: path}).Error; err != nil {
					return err
				}
			}
		}
		result = next
		return nil
	})
	if err != nil {
		return TaskStatus{}, wrapDBError("update task", err)
	}
	return result, nil
}

// Files returns the produced files of a task.
func (s *GormStore) Files(ctx context.Context, id string) (map[string]string, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.load(db, id); err != nil {
		return nil, wrapDBError("get task files", err)
	}

	var rows []taskFile
	if err := db.Where("task_id = ?", id).Find(&rows).Error; err != nil {
		return nil, wrapDBError("get task files", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Kind] = r.Path
	}
	return out, nil
}

// Evict deletes terminal tasks finished before cutoff together with their file rows.
func (s *GormStore) Evict(ctx context.Context, cutoff time.Time) ([]TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []TaskStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recs []taskRecord
		err := tx.Where("status IN ? AND finished_at < ?",
			[]string{string(StatusCompleted), string(StatusFailed)}, cutoff.UTC()).
			Find(&recs).Error
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}

		ids := make([]string, 0, len(recs))
		for _, r := range recs {
			t, err := r.toStatus()
			if err != nil {
				return err
			}
			evicted = append(evicted, t)
			ids = append(ids, r.ID)
		}
		if err := tx.Where("task_id IN ?", ids).Delete(&taskFile{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&taskRecord{}).Error
	})
	if err != nil {
		return nil, wrapDBError("evict tasks", err)
	}
	return evicted, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// wrapDBError passes AppErrors through and tags everything else as internal.
func wrapDBError(op string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrInternal, op+" failed", err)
}

// Open selects a store for databaseURL: memory when empty, GORM otherwise.
func Open(databaseURL string, debug bool) (Store, error) {
	if databaseURL == "" {
		logger.Info("using in-memory task store")
		return NewMemoryStore(), nil
	}
	dialector, err := Dialector(databaseURL)
	if err != nil {
		return nil, err
	}
	return NewGormStore(dialector, debug)
}
