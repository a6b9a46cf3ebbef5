package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"task-tracker/backend/internal/events"
	"task-tracker/backend/internal/models"
	"task-tracker/backend/internal/repositories"
	"task-tracker/backend/internal/services"

	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingNotifier struct {
	mu   sync.Mutex
	seen []events.Invalidation
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, inv events.Invalidation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.seen = append(n.seen, inv)
	return nil
}

func (n *recordingNotifier) all() []events.Invalidation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]events.Invalidation(nil), n.seen...)
}

func (n *recordingNotifier) fail(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

type recordingRetrier struct {
	mu   sync.Mutex
	seen []events.Invalidation
	err  error
}

func (r *recordingRetrier) EnqueueInvalidation(_ context.Context, inv events.Invalidation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.seen = append(r.seen, inv)
	return nil
}

func (r *recordingRetrier) all() []events.Invalidation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Invalidation(nil), r.seen...)
}

func (r *recordingRetrier) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&models.Task{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type TaskServiceTestSuite struct {
	suite.Suite
	db       *gorm.DB
	store    *repositories.TaskRepository
	notifier *recordingNotifier
	service  services.TaskService
	ctx      context.Context
}

func (s *TaskServiceTestSuite) SetupTest() {
	s.db = newTestDB(s.T())
	clock := &steppingClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.store = repositories.NewTaskRepository(s.db, repositories.WithClock(clock.Now))
	s.notifier = &recordingNotifier{}
	s.service = services.NewTaskService(s.store, s.notifier, nil)
	s.ctx = context.Background()
}

func (s *TaskServiceTestSuite) count() int64 {
	n, err := s.store.Count(s.ctx)
	s.Require().NoError(err)
	return n
}

func (s *TaskServiceTestSuite) TestCreateThenGet() {
	created, err := s.service.CreateTask(s.ctx, "Write report", "Quarterly numbers")
	s.Require().NoError(err)

	got, err := s.service.GetTask(s.ctx, created.ID)
	s.Require().NoError(err)

	s.Equal("Write report", got.Title)
	s.Equal("Quarterly numbers", got.Description)
	s.Equal(models.StatusTodo, got.Status)
	s.True(got.CreatedAt.Equal(got.UpdatedAt))

	seen := s.notifier.all()
	s.Require().Len(seen, 1)
	s.Equal([]string{"/", events.DetailView(created.ID)}, seen[0].Views)
	s.Equal(events.ReasonCreated, seen[0].Reason)
}

func (s *TaskServiceTestSuite) TestCreateRejectsBlankInput() {
	_, err := s.service.CreateTask(s.ctx, "", "x")
	s.True(models.IsValidation(err))

	_, err = s.service.CreateTask(s.ctx, "x", "   ")
	s.True(models.IsValidation(err))

	s.Zero(s.count())
	s.Empty(s.notifier.all())
}

func (s *TaskServiceTestSuite) TestUpdateFields() {
	created, err := s.service.CreateTask(s.ctx, "Task", "Initial description")
	s.Require().NoError(err)

	_, err = s.service.UpdateTaskFields(s.ctx, created.ID, "ab", "short")
	s.True(models.IsValidation(err))

	unchanged, err := s.service.GetTask(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(created.Title, unchanged.Title)
	s.True(created.UpdatedAt.Equal(unchanged.UpdatedAt))
	s.Len(s.notifier.all(), 1, "a rejected edit emits nothing")

	updated, err := s.service.UpdateTaskFields(s.ctx, created.ID, "abc", "1234567890")
	s.Require().NoError(err)
	s.Equal("abc", updated.Title)
	s.True(updated.UpdatedAt.After(created.UpdatedAt))
	s.True(updated.CreatedAt.Equal(created.CreatedAt))

	seen := s.notifier.all()
	s.Require().Len(seen, 2)
	s.Equal(events.ReasonFieldsUpdated, seen[1].Reason)
	s.Equal(created.ID, seen[1].TaskID)
}

func (s *TaskServiceTestSuite) TestUpdateStatusChangedAndNoop() {
	created, err := s.service.CreateTask(s.ctx, "Task", "Description here")
	s.Require().NoError(err)

	same, changed, err := s.service.UpdateTaskStatus(s.ctx, created.ID, models.StatusTodo)
	s.Require().NoError(err)
	s.False(changed)
	s.True(same.UpdatedAt.Equal(created.UpdatedAt))
	s.Len(s.notifier.all(), 1, "no-op emits nothing")

	moved, changed, err := s.service.UpdateTaskStatus(s.ctx, created.ID, models.StatusInProgress)
	s.Require().NoError(err)
	s.True(changed)
	s.Equal(models.StatusInProgress, moved.Status)
	s.True(moved.UpdatedAt.After(created.UpdatedAt))

	for i := 0; i < 3; i++ {
		again, changed, err := s.service.UpdateTaskStatus(s.ctx, created.ID, models.StatusInProgress)
		s.Require().NoError(err)
		s.False(changed)
		s.True(again.UpdatedAt.Equal(moved.UpdatedAt))
	}

	seen := s.notifier.all()
	s.Require().Len(seen, 2)
	s.Equal(events.ReasonStatusUpdated, seen[1].Reason)
}

func (s *TaskServiceTestSuite) TestUpdateStatusRejectsUnknownValue() {
	created, err := s.service.CreateTask(s.ctx, "Task", "Description here")
	s.Require().NoError(err)

	_, _, err = s.service.UpdateTaskStatus(s.ctx, created.ID, models.Status("DONE"))
	s.True(models.IsValidation(err))
}

func (s *TaskServiceTestSuite) TestDelete() {
	created, err := s.service.CreateTask(s.ctx, "Task", "Description here")
	s.Require().NoError(err)

	s.Require().NoError(s.service.DeleteTask(s.ctx, created.ID))

	_, err = s.service.GetTask(s.ctx, created.ID)
	s.True(models.IsNotFound(err))

	err = s.service.DeleteTask(s.ctx, created.ID)
	s.True(models.IsNotFound(err))

	seen := s.notifier.all()
	s.Require().Len(seen, 2)
	s.Equal(events.ReasonDeleted, seen[1].Reason)
	s.Contains(seen[1].Views, events.DetailView(created.ID))
}

func (s *TaskServiceTestSuite) TestMissingIDHasNoSideEffect() {
	_, err := s.service.CreateTask(s.ctx, "Task", "Description here")
	s.Require().NoError(err)
	before := s.notifier.all()

	for _, id := range []uint{0, 999} {
		_, err = s.service.GetTask(s.ctx, id)
		s.True(models.IsNotFound(err))

		_, err = s.service.UpdateTaskFields(s.ctx, id, "Valid title", "Valid description")
		s.True(models.IsNotFound(err))

		_, _, err = s.service.UpdateTaskStatus(s.ctx, id, models.StatusCompleted)
		s.True(models.IsNotFound(err))

		s.True(models.IsNotFound(s.service.DeleteTask(s.ctx, id)))
	}

	s.Equal(int64(1), s.count())
	s.Equal(before, s.notifier.all())
}

func (s *TaskServiceTestSuite) TestValidationPrecedesLookup() {
	_, err := s.service.UpdateTaskFields(s.ctx, 999, "ab", "A valid description")
	s.True(models.IsValidation(err), "an invalid edit of a missing task is a validation error")

	_, _, err = s.service.UpdateTaskStatus(s.ctx, 999, models.Status("DONE"))
	s.True(models.IsValidation(err))

	s.Empty(s.notifier.all())
}

func (s *TaskServiceTestSuite) TestNotifyFailureWithoutRetryKeepsWrite() {
	created, err := s.service.CreateTask(s.ctx, "Task", "Description here")
	s.Require().NoError(err)

	boom := errors.New("publish failed")
	s.notifier.fail(boom)

	_, err = s.service.CreateTask(s.ctx, "Other", "Other description")
	s.True(models.IsStorage(err))
	s.ErrorIs(err, boom)
	s.Equal(int64(2), s.count(), "the insert is committed before notifying")

	_, err = s.service.UpdateTaskFields(s.ctx, created.ID, "Renamed", "A longer description")
	s.True(models.IsStorage(err))

	stored, err := s.service.GetTask(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal("Renamed", stored.Title)
}

func (s *TaskServiceTestSuite) TestNotifyFailureSchedulesRetry() {
	retrier := &recordingRetrier{}
	service := services.NewTaskService(s.store, s.notifier, nil, services.WithNotifyRetry(retrier))

	created, err := service.CreateTask(s.ctx, "Task", "Description here")
	s.Require().NoError(err)
	s.Empty(retrier.all())

	s.notifier.fail(errors.New("publish failed"))

	_, err = service.UpdateTaskFields(s.ctx, created.ID, "Renamed", "A longer description")
	s.Require().NoError(err)

	moved, changed, err := service.UpdateTaskStatus(s.ctx, created.ID, models.StatusCompleted)
	s.Require().NoError(err)
	s.True(changed)
	s.Equal(models.StatusCompleted, moved.Status)

	s.Require().NoError(service.DeleteTask(s.ctx, created.ID))
	s.Zero(s.count())

	retried := retrier.all()
	s.Require().Len(retried, 3)
	s.Equal(events.ReasonFieldsUpdated, retried[0].Reason)
	s.Equal(events.ReasonStatusUpdated, retried[1].Reason)
	s.Equal(events.ReasonDeleted, retried[2].Reason)
	s.Equal(created.ID, retried[2].TaskID)

	retrier.fail(errors.New("queue down"))
	_, err = service.CreateTask(s.ctx, "Other", "Other description")
	s.True(models.IsStorage(err), "with no way to deliver the signal the caller is told")
}

func (s *TaskServiceTestSuite) TestListInInsertionOrder() {
	for _, title := range []string{"first", "second", "third"} {
		_, err := s.service.CreateTask(s.ctx, title, "some description")
		s.Require().NoError(err)
	}

	tasks, err := s.service.ListTasks(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(tasks, 3)
	s.Equal("first", tasks[0].Title)
	s.Equal("third", tasks[2].Title)
}

func TestTaskServiceTestSuite(t *testing.T) {
	suite.Run(t, new(TaskServiceTestSuite))
}
