package services

import (
	"context"
	"strings"

	"task-tracker/backend/internal/events"
	"task-tracker/backend/internal/logger"
	"task-tracker/backend/internal/models"
	"task-tracker/backend/internal/repositories"

	"go.uber.org/zap"
)

// TaskService is the operation surface offered to the presentation layer.
type TaskService interface {
	CreateTask(ctx context.Context, title, description string) (models.Task, error)
	ListTasks(ctx context.Context) ([]models.Task, error)
	GetTask(ctx context.Context, id uint) (models.Task, error)
	UpdateTaskFields(ctx context.Context, id uint, title, description string) (models.Task, error)
	// UpdateTaskStatus reports changed=false when the task already had the
	// requested status. That case writes nothing and emits no invalidation.
	UpdateTaskStatus(ctx context.Context, id uint, status models.Status) (models.Task, bool, error)
	DeleteTask(ctx context.Context, id uint) error
}

// NotifyRetrier takes over delivery of an invalidation whose first attempt
// failed after the write was committed.
type NotifyRetrier interface {
	EnqueueInvalidation(ctx context.Context, inv events.Invalidation) error
}

type taskService struct {
	store    repositories.TaskStore
	notifier events.Notifier
	retrier  NotifyRetrier
	logger   *zap.Logger
}

type ServiceOption func(*taskService)

// WithNotifyRetry hands failed invalidations to r instead of reporting them to
// the caller.
func WithNotifyRetry(r NotifyRetrier) ServiceOption {
	return func(s *taskService) {
		s.retrier = r
	}
}

// NewTaskService wires the store to a notifier. A mutation is committed
// before its invalidation is emitted, so notifiers always observe the new
// state. When the notifier fails the write stays committed: the invalidation
// is queued on the retrier if one is configured, otherwise the caller gets a
// StorageError with op "notify".
func NewTaskService(store repositories.TaskStore, notifier events.Notifier, log *zap.Logger, opts ...ServiceOption) TaskService {
	if notifier == nil {
		notifier = events.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &taskService{store: store, notifier: notifier, logger: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *taskService) notify(ctx context.Context, id uint, reason events.Reason) error {
	inv := events.ForTask(id, reason)
	err := s.notifier.Notify(ctx, inv)
	if err == nil {
		return nil
	}

	log := logger.WithRequestID(ctx, s.logger).With(
		zap.Uint("task_id", id),
		zap.String("invalidation_id", inv.ID),
		zap.Error(err),
	)
	if s.retrier != nil {
		qerr := s.retrier.EnqueueInvalidation(ctx, inv)
		if qerr == nil {
			log.Warn("invalidation failed, retry scheduled")
			return nil
		}
		log = log.With(zap.NamedError("retry_error", qerr))
	}
	log.Error("invalidation failed after commit")
	return models.NewStorageError("notify", err)
}

func (s *taskService) CreateTask(ctx context.Context, title, description string) (models.Task, error) {
	if err := models.ValidateNewTask(title, description); err != nil {
		return models.Task{}, err
	}

	created, err := s.store.Insert(ctx, title, description)
	if err != nil {
		s.logFailure(ctx, "create task", 0, err)
		return models.Task{}, err
	}
	if err := s.notify(ctx, created.ID, events.ReasonCreated); err != nil {
		return models.Task{}, err
	}

	logger.WithRequestID(ctx, s.logger).Info("task created", zap.Uint("task_id", created.ID))
	return created, nil
}

func (s *taskService) ListTasks(ctx context.Context) ([]models.Task, error) {
	return s.store.ListAll(ctx)
}

func (s *taskService) GetTask(ctx context.Context, id uint) (models.Task, error) {
	return s.store.FindByID(ctx, id)
}

func (s *taskService) UpdateTaskFields(ctx context.Context, id uint, title, description string) (models.Task, error) {
	if err := models.ValidateTaskEdit(strings.TrimSpace(title), strings.TrimSpace(description)); err != nil {
		return models.Task{}, err
	}

	updated, err := s.store.UpdateFields(ctx, id, title, description)
	if err != nil {
		s.logFailure(ctx, "update task fields", id, err)
		return models.Task{}, err
	}
	if err := s.notify(ctx, id, events.ReasonFieldsUpdated); err != nil {
		return models.Task{}, err
	}

	logger.WithRequestID(ctx, s.logger).Info("task fields updated", zap.Uint("task_id", id))
	return updated, nil
}

func (s *taskService) UpdateTaskStatus(ctx context.Context, id uint, status models.Status) (models.Task, bool, error) {
	if _, err := models.ParseStatus(string(status)); err != nil {
		return models.Task{}, false, err
	}

	result, changed, err := s.store.UpdateStatus(ctx, id, status)
	if err != nil {
		s.logFailure(ctx, "update task status", id, err)
		return models.Task{}, false, err
	}
	if changed {
		if err := s.notify(ctx, id, events.ReasonStatusUpdated); err != nil {
			return models.Task{}, false, err
		}
	}

	logger.WithRequestID(ctx, s.logger).Info("task status updated",
		zap.Uint("task_id", id),
		zap.String("status", status.String()),
		zap.Bool("changed", changed),
	)
	return result, changed, nil
}

func (s *taskService) DeleteTask(ctx context.Context, id uint) error {
	if err := s.store.Delete(ctx, id); err != nil {
		s.logFailure(ctx, "delete task", id, err)
		return err
	}
	if err := s.notify(ctx, id, events.ReasonDeleted); err != nil {
		return err
	}

	logger.WithRequestID(ctx, s.logger).Info("task deleted", zap.Uint("task_id", id))
	return nil
}

// logFailure logs storage failures at error level. Validation and not-found
// outcomes are caller mistakes and only show up at debug.
func (s *taskService) logFailure(ctx context.Context, op string, id uint, err error) {
	log := logger.WithRequestID(ctx, s.logger).With(zap.String("op", op), zap.Error(err))
	if id != 0 {
		log = log.With(zap.Uint("task_id", id))
	}
	if models.IsValidation(err) || models.IsNotFound(err) {
		log.Debug("task operation rejected")
		return
	}
	log.Error("task operation failed")
}
