package repositories_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"task-tracker/backend/internal/models"
	"task-tracker/backend/internal/repositories"

	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&models.Task{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

type TaskRepositoryTestSuite struct {
	suite.Suite
	db    *gorm.DB
	clock *fakeClock
	repo  *repositories.TaskRepository
	ctx   context.Context
}

func (s *TaskRepositoryTestSuite) SetupTest() {
	s.db = setupTestDB(s.T())
	s.clock = newFakeClock()
	s.repo = repositories.NewTaskRepository(s.db, repositories.WithClock(s.clock.Now))
	s.ctx = context.Background()
}

func (s *TaskRepositoryTestSuite) count() int64 {
	n, err := s.repo.Count(s.ctx)
	s.Require().NoError(err)
	return n
}

func (s *TaskRepositoryTestSuite) TestInsert_DefaultsAndTimestamps() {
	task, err := s.repo.Insert(s.ctx, "Write report", "Quarterly numbers")
	s.Require().NoError(err)

	s.NotZero(task.ID)
	s.Equal(models.StatusTodo, task.Status)
	s.True(task.CreatedAt.Equal(task.UpdatedAt))

	found, err := s.repo.FindByID(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal("Write report", found.Title)
	s.Equal("Quarterly numbers", found.Description)
	s.Equal(models.StatusTodo, found.Status)
	s.True(found.CreatedAt.Equal(found.UpdatedAt))
	s.True(found.CreatedAt.Equal(s.clock.Now()))
}

func (s *TaskRepositoryTestSuite) TestInsert_KeepsInputUntrimmed() {
	task, err := s.repo.Insert(s.ctx, "  padded  ", " body ")
	s.Require().NoError(err)

	found, err := s.repo.FindByID(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal("  padded  ", found.Title)
	s.Equal(" body ", found.Description)
}

func (s *TaskRepositoryTestSuite) TestInsert_RejectsBlankInput() {
	_, err := s.repo.Insert(s.ctx, "", "x")
	s.True(models.IsValidation(err))

	_, err = s.repo.Insert(s.ctx, "x", "   ")
	s.True(models.IsValidation(err))

	s.Equal(int64(0), s.count())
}

func (s *TaskRepositoryTestSuite) TestFindByID_NotFound() {
	_, err := s.repo.FindByID(s.ctx, 42)
	s.ErrorIs(err, models.ErrNotFound)

	_, err = s.repo.FindByID(s.ctx, 0)
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *TaskRepositoryTestSuite) TestListAll_InsertionOrder() {
	tasks, err := s.repo.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Empty(tasks)

	for _, title := range []string{"first", "second", "third"} {
		_, err := s.repo.Insert(s.ctx, title, "description")
		s.Require().NoError(err)
	}

	tasks, err = s.repo.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(tasks, 3)
	s.Equal("first", tasks[0].Title)
	s.Equal("second", tasks[1].Title)
	s.Equal("third", tasks[2].Title)
	s.Less(tasks[0].ID, tasks[1].ID)
	s.Less(tasks[1].ID, tasks[2].ID)
}

func (s *TaskRepositoryTestSuite) TestUpdateFields_TrimsAndRefreshesUpdatedAt() {
	task, err := s.repo.Insert(s.ctx, "old", "old description")
	s.Require().NoError(err)

	s.clock.Advance(time.Minute)
	updated, err := s.repo.UpdateFields(s.ctx, task.ID, "  abc  ", " 1234567890 ")
	s.Require().NoError(err)

	s.Equal("abc", updated.Title)
	s.Equal("1234567890", updated.Description)
	s.True(updated.UpdatedAt.After(task.UpdatedAt))
	s.True(updated.CreatedAt.Equal(task.CreatedAt))

	found, err := s.repo.FindByID(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal("abc", found.Title)
	s.Equal("1234567890", found.Description)
	s.True(found.UpdatedAt.Equal(updated.UpdatedAt))
}

func (s *TaskRepositoryTestSuite) TestUpdateFields_StrictlyIncreasesWithFrozenClock() {
	task, err := s.repo.Insert(s.ctx, "title", "description")
	s.Require().NoError(err)

	updated, err := s.repo.UpdateFields(s.ctx, task.ID, "abc", "1234567890")
	s.Require().NoError(err)
	s.True(updated.UpdatedAt.After(task.UpdatedAt))
}

func (s *TaskRepositoryTestSuite) TestUpdateFields_ValidationLeavesRowUnchanged() {
	task, err := s.repo.Insert(s.ctx, "original", "original description")
	s.Require().NoError(err)

	s.clock.Advance(time.Minute)
	_, err = s.repo.UpdateFields(s.ctx, task.ID, "ab", "short")
	s.True(models.IsValidation(err))

	_, err = s.repo.UpdateFields(s.ctx, task.ID, "abc", "too short")
	var vErr *models.ValidationError
	s.Require().True(errors.As(err, &vErr))
	s.Equal("description", vErr.Field)

	found, err := s.repo.FindByID(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal("original", found.Title)
	s.Equal("original description", found.Description)
	s.True(found.UpdatedAt.Equal(task.UpdatedAt))
}

func (s *TaskRepositoryTestSuite) TestUpdateFields_NotFound() {
	_, err := s.repo.UpdateFields(s.ctx, 99, "abc", "1234567890")
	s.ErrorIs(err, models.ErrNotFound)
	s.Equal(int64(0), s.count())
}

func (s *TaskRepositoryTestSuite) TestUpdateStatus_ChangedAndNoOp() {
	task, err := s.repo.Insert(s.ctx, "title", "description")
	s.Require().NoError(err)

	s.clock.Advance(time.Second)
	same, changed, err := s.repo.UpdateStatus(s.ctx, task.ID, models.StatusTodo)
	s.Require().NoError(err)
	s.False(changed)
	s.True(same.UpdatedAt.Equal(task.UpdatedAt))

	s.clock.Advance(time.Second)
	moved, changed, err := s.repo.UpdateStatus(s.ctx, task.ID, models.StatusInProgress)
	s.Require().NoError(err)
	s.True(changed)
	s.Equal(models.StatusInProgress, moved.Status)
	s.True(moved.UpdatedAt.After(task.UpdatedAt))

	for i := 0; i < 3; i++ {
		s.clock.Advance(time.Second)
		again, changed, err := s.repo.UpdateStatus(s.ctx, task.ID, models.StatusInProgress)
		s.Require().NoError(err)
		s.False(changed)
		s.True(again.UpdatedAt.Equal(moved.UpdatedAt))
	}

	found, err := s.repo.FindByID(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusInProgress, found.Status)
	s.True(found.UpdatedAt.Equal(moved.UpdatedAt))
}

func (s *TaskRepositoryTestSuite) TestUpdateStatus_AnyTransitionAllowed() {
	task, err := s.repo.Insert(s.ctx, "title", "description")
	s.Require().NoError(err)

	for _, status := range []models.Status{models.StatusCompleted, models.StatusTodo, models.StatusInProgress, models.StatusCompleted} {
		updated, changed, err := s.repo.UpdateStatus(s.ctx, task.ID, status)
		s.Require().NoError(err)
		s.True(changed)
		s.Equal(status, updated.Status)
	}
}

func (s *TaskRepositoryTestSuite) TestUpdateStatus_Errors() {
	_, _, err := s.repo.UpdateStatus(s.ctx, 7, models.StatusCompleted)
	s.ErrorIs(err, models.ErrNotFound)

	task, err := s.repo.Insert(s.ctx, "title", "description")
	s.Require().NoError(err)

	_, _, err = s.repo.UpdateStatus(s.ctx, task.ID, models.Status("ARCHIVED"))
	s.True(models.IsValidation(err))
}

func (s *TaskRepositoryTestSuite) TestDelete() {
	task, err := s.repo.Insert(s.ctx, "title", "description")
	s.Require().NoError(err)

	s.Require().NoError(s.repo.Delete(s.ctx, task.ID))

	_, err = s.repo.FindByID(s.ctx, task.ID)
	s.ErrorIs(err, models.ErrNotFound)

	err = s.repo.Delete(s.ctx, task.ID)
	s.ErrorIs(err, models.ErrNotFound)

	_, err = s.repo.UpdateFields(s.ctx, task.ID, "abc", "1234567890")
	s.ErrorIs(err, models.ErrNotFound)

	_, _, err = s.repo.UpdateStatus(s.ctx, task.ID, models.StatusCompleted)
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *TaskRepositoryTestSuite) TestDelete_IDsAreNotReused() {
	first, err := s.repo.Insert(s.ctx, "first", "description")
	s.Require().NoError(err)
	s.Require().NoError(s.repo.Delete(s.ctx, first.ID))

	second, err := s.repo.Insert(s.ctx, "second", "description")
	s.Require().NoError(err)
	s.Greater(second.ID, first.ID)
}

func (s *TaskRepositoryTestSuite) TestConcurrentWritersOnSameTask() {
	task, err := s.repo.Insert(s.ctx, "title", "description")
	s.Require().NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.repo.UpdateFields(s.ctx, task.ID, "concurrent", "concurrent description")
			s.NoError(err)
		}()
		go func(i int) {
			defer wg.Done()
			status := models.StatusInProgress
			if i%2 == 0 {
				status = models.StatusCompleted
			}
			_, _, err := s.repo.UpdateStatus(s.ctx, task.ID, status)
			s.NoError(err)
		}(i)
	}
	wg.Wait()

	found, err := s.repo.FindByID(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal("concurrent", found.Title)
	s.Equal("concurrent description", found.Description)
	s.True(found.Status.Valid())
	s.False(found.UpdatedAt.Before(found.CreatedAt))
}

func (s *TaskRepositoryTestSuite) TestCanceledContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.repo.Insert(ctx, "title", "description")
	s.Error(err)
	s.True(models.IsStorage(err))
}

func TestTaskRepositorySuite(t *testing.T) {
	suite.Run(t, new(TaskRepositoryTestSuite))
}
