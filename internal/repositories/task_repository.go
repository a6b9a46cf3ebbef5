package repositories

import (
	"context"
	"errors"
	"strings"
	"time"

	"task-tracker/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskStore is the durable CRUD surface over tasks, keyed by id.
type TaskStore interface {
	Insert(ctx context.Context, title, description string) (models.Task, error)
	FindByID(ctx context.Context, id uint) (models.Task, error)
	ListAll(ctx context.Context) ([]models.Task, error)
	Count(ctx context.Context) (int64, error)
	UpdateFields(ctx context.Context, id uint, title, description string) (models.Task, error)
	UpdateStatus(ctx context.Context, id uint, status models.Status) (models.Task, bool, error)
	Delete(ctx context.Context, id uint) error
}

type TaskRepository struct {
	db  *gorm.DB
	now func() time.Time
}

type Option func(*TaskRepository)

// WithClock replaces the time source used for createdAt/updatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *TaskRepository) {
		r.now = now
	}
}

func NewTaskRepository(db *gorm.DB, opts ...Option) *TaskRepository {
	r := &TaskRepository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// timestamp truncates to microseconds, the finest precision postgres keeps.
func (r *TaskRepository) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// nextUpdatedAt keeps updatedAt strictly increasing even when the clock has
// not advanced past the previous write.
func (r *TaskRepository) nextUpdatedAt(prev time.Time) time.Time {
	ts := r.timestamp()
	if !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	return ts
}

func (r *TaskRepository) Insert(ctx context.Context, title, description string) (models.Task, error) {
	if err := models.ValidateNewTask(title, description); err != nil {
		return models.Task{}, err
	}

	ts := r.timestamp()
	task := models.Task{
		Title:       title,
		Description: description,
		Status:      models.StatusTodo,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := r.db.WithContext(ctx).Create(&task).Error; err != nil {
		return models.Task{}, models.NewStorageError("insert task", err)
	}
	return task, nil
}

func (r *TaskRepository) FindByID(ctx context.Context, id uint) (models.Task, error) {
	return r.find(r.db.WithContext(ctx), id, false)
}

func (r *TaskRepository) find(db *gorm.DB, id uint, lock bool) (models.Task, error) {
	if id == 0 {
		return models.Task{}, models.ErrNotFound
	}

	if lock {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var task models.Task
	if err := db.First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Task{}, models.ErrNotFound
		}
		return models.Task{}, models.NewStorageError("find task", err)
	}
	return task, nil
}

func (r *TaskRepository) ListAll(ctx context.Context) ([]models.Task, error) {
	tasks := make([]models.Task, 0)
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, models.NewStorageError("list tasks", err)
	}
	return tasks, nil
}

func (r *TaskRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Task{}).Count(&count).Error; err != nil {
		return 0, models.NewStorageError("count tasks", err)
	}
	return count, nil
}

func (r *TaskRepository) UpdateFields(ctx context.Context, id uint, title, description string) (models.Task, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)

	if id == 0 {
		return models.Task{}, models.ErrNotFound
	}
	if err := models.ValidateTaskEdit(title, description); err != nil {
		return models.Task{}, err
	}

	var updated models.Task
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		task, err := r.find(tx, id, true)
		if err != nil {
			return err
		}

		task.Title = title
		task.Description = description
		task.UpdatedAt = r.nextUpdatedAt(task.UpdatedAt)

		if err := r.write(tx, task.ID, map[string]interface{}{
			"title":       task.Title,
			"description": task.Description,
			"updated_at":  task.UpdatedAt,
		}); err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	return updated, nil
}

// UpdateStatus reports changed=false, without writing, when the task already
// has the requested status.
func (r *TaskRepository) UpdateStatus(ctx context.Context, id uint, status models.Status) (models.Task, bool, error) {
	if _, err := models.ParseStatus(string(status)); err != nil {
		return models.Task{}, false, err
	}
	if id == 0 {
		return models.Task{}, false, models.ErrNotFound
	}

	var (
		updated models.Task
		changed bool
	)
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		task, err := r.find(tx, id, true)
		if err != nil {
			return err
		}
		if task.Status == status {
			updated = task
			return nil
		}

		task.Status = status
		task.UpdatedAt = r.nextUpdatedAt(task.UpdatedAt)

		if err := r.write(tx, task.ID, map[string]interface{}{
			"status":     task.Status,
			"updated_at": task.UpdatedAt,
		}); err != nil {
			return err
		}
		updated = task
		changed = true
		return nil
	})
	if err != nil {
		return models.Task{}, false, err
	}
	return updated, changed, nil
}

func (r *TaskRepository) Delete(ctx context.Context, id uint) error {
	if id == 0 {
		return models.ErrNotFound
	}

	result := r.db.WithContext(ctx).Delete(&models.Task{}, "id = ?", id)
	if result.Error != nil {
		return models.NewStorageError("delete task", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// inTx returns fn's error untouched; failures of the transaction itself
// (begin, commit) surface as StorageError.
func (r *TaskRepository) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var fnErr error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(tx)
		return fnErr
	})
	if err == nil {
		return nil
	}
	if fnErr != nil {
		return fnErr
	}
	return models.NewStorageError("transaction", err)
}

func (r *TaskRepository) write(tx *gorm.DB, id uint, values map[string]interface{}) error {
	result := tx.Model(&models.Task{}).Where("id = ?", id).Updates(values)
	if result.Error != nil {
		return models.NewStorageError("update task", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}
