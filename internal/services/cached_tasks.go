package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"task-tracker/backend/internal/cache"
	"task-tracker/backend/internal/events"
	"task-tracker/backend/internal/models"

	"go.uber.org/zap"
)

// ViewCache is the subset of cache.MultiLevelCache the decorator needs.
type ViewCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	SetIfEpoch(ctx context.Context, key string, value interface{}, ttl time.Duration, epoch uint64) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Epoch() uint64
	Stats() map[string]interface{}
}

// ViewRefresher schedules a background recomputation of a view.
type ViewRefresher interface {
	EnqueueViewRefresh(ctx context.Context, view string) error
}

type CacheTTLs struct {
	List   time.Duration
	Detail time.Duration
}

func DefaultCacheTTLs() CacheTTLs {
	return CacheTTLs{List: 30 * time.Second, Detail: 5 * time.Minute}
}

func viewKey(view string) string {
	return "view:" + view
}

func viewKeys(views []string) []string {
	keys := make([]string, len(views))
	for i, v := range views {
		keys[i] = viewKey(v)
	}
	return keys
}

// ViewInvalidator is the Notifier that clears cached views. It runs after the
// mutation has committed and ahead of the other notifiers, so anything they
// trigger reads through to the store.
type ViewInvalidator struct {
	cache     ViewCache
	refresher ViewRefresher
	logger    *zap.Logger
}

var _ events.Notifier = (*ViewInvalidator)(nil)

// NewViewInvalidator builds an invalidator over viewCache. refresher may be
// nil, in which case evicted views are rebuilt on the next read.
func NewViewInvalidator(viewCache ViewCache, refresher ViewRefresher, log *zap.Logger) *ViewInvalidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &ViewInvalidator{cache: viewCache, refresher: refresher, logger: log}
}

// Notify evicts the invalidated views and schedules their refresh. It never
// fails: a shared-tier delete that does not go through is left pending in
// the cache, which stops serving the key from that tier.
func (v *ViewInvalidator) Notify(ctx context.Context, inv events.Invalidation) error {
	v.Evict(ctx, inv.Views...)

	if v.refresher == nil {
		return nil
	}
	for _, view := range inv.Views {
		if err := v.refresher.EnqueueViewRefresh(ctx, view); err != nil {
			v.logger.Warn("failed to enqueue view refresh", zap.String("view", view), zap.Error(err))
		}
	}
	return nil
}

// Evict drops views from every cache tier. Invalidations relayed from other
// instances go through here too, so an entry this instance wrote from a read
// that raced the remote mutation is removed as well.
func (v *ViewInvalidator) Evict(ctx context.Context, views ...string) {
	if err := v.cache.Delete(ctx, viewKeys(views)...); err != nil {
		v.logger.Warn("shared view cache eviction deferred", zap.Strings("views", views), zap.Error(err))
	}
}

// CachedTaskService is a read-through cache of the list and detail views in
// front of a TaskService. Entries are keyed by view path so an Invalidation
// maps directly onto cache keys. Mutations pass straight through; the
// ViewInvalidator in the notifier chain evicts what they touched.
type CachedTaskService struct {
	TaskService
	cache  ViewCache
	ttls   CacheTTLs
	logger *zap.Logger
}

var _ TaskService = (*CachedTaskService)(nil)

type CachedOption func(*CachedTaskService)

func WithTTLs(ttls CacheTTLs) CachedOption {
	return func(s *CachedTaskService) {
		s.ttls = ttls
	}
}

func WithCacheLogger(log *zap.Logger) CachedOption {
	return func(s *CachedTaskService) {
		s.logger = log
	}
}

func NewCachedTaskService(taskService TaskService, viewCache ViewCache, opts ...CachedOption) *CachedTaskService {
	s := &CachedTaskService{
		TaskService: taskService,
		cache:       viewCache,
		ttls:        DefaultCacheTTLs(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CachedTaskService) GetTask(ctx context.Context, id uint) (models.Task, error) {
	key := viewKey(events.DetailView(id))

	var cached models.Task
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	epoch := s.cache.Epoch()
	task, err := s.TaskService.GetTask(ctx, id)
	if err != nil {
		return task, err
	}
	s.store(ctx, key, task, s.ttls.Detail, epoch)
	return task, nil
}

func (s *CachedTaskService) ListTasks(ctx context.Context) ([]models.Task, error) {
	key := viewKey(events.ListView)

	var cached []models.Task
	if err := s.cache.Get(ctx, key, &cached); err == nil && cached != nil {
		return cached, nil
	}

	epoch := s.cache.Epoch()
	tasks, err := s.TaskService.ListTasks(ctx)
	if err != nil {
		return tasks, err
	}
	s.store(ctx, key, tasks, s.ttls.List, epoch)
	return tasks, nil
}

// Refresh recomputes a view and stores it in the cache. A detail view of a
// task that no longer exists is evicted instead.
func (s *CachedTaskService) Refresh(ctx context.Context, view string) error {
	id, detail, err := events.ParseView(view)
	if err != nil {
		return err
	}
	key := viewKey(view)
	epoch := s.cache.Epoch()

	if !detail {
		tasks, err := s.TaskService.ListTasks(ctx)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", view, err)
		}
		_, err = s.cache.SetIfEpoch(ctx, key, tasks, s.ttls.List, epoch)
		return err
	}

	task, err := s.TaskService.GetTask(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return s.cache.Delete(ctx, key)
	}
	if err != nil {
		return fmt.Errorf("refresh %s: %w", view, err)
	}
	_, err = s.cache.SetIfEpoch(ctx, key, task, s.ttls.Detail, epoch)
	return err
}

// WarmCriticalData loads the list view into the cache.
func (s *CachedTaskService) WarmCriticalData(ctx context.Context) error {
	return s.Refresh(ctx, events.ListView)
}

func (s *CachedTaskService) GetCacheStats() map[string]interface{} {
	return s.cache.Stats()
}

// store fills key unless a delete ran since epoch was read; the value may
// predate that delete.
func (s *CachedTaskService) store(ctx context.Context, key string, value interface{}, ttl time.Duration, epoch uint64) {
	kept, err := s.cache.SetIfEpoch(ctx, key, value, ttl, epoch)
	if err != nil && !errors.Is(err, cache.ErrCircuitBreakerOpen) {
		s.logger.Debug("failed to cache view", zap.String("key", key), zap.Error(err))
		return
	}
	if !kept && err == nil {
		s.logger.Debug("skipped caching view invalidated during read", zap.String("key", key))
	}
}
