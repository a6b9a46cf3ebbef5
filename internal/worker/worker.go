package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"task-tracker/backend/internal/events"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type JobType string

const (
	// JobTypeViewRefresh rebuilds one cached view. Payload: {"view": "/task/details/7"}.
	JobTypeViewRefresh JobType = "view_refresh"
	// JobTypeInvalidation redelivers an invalidation whose first delivery
	// failed after the write committed. Payload: {"invalidation": {...}}.
	JobTypeInvalidation JobType = "invalidation"
)

const DefaultQueue = "task_jobs"

type Job struct {
	ID        string                 `json:"id"`
	Type      JobType                `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Attempts  int                    `json:"attempts"`
	MaxTries  int                    `json:"max_tries"`
	CreatedAt time.Time              `json:"created_at"`
	ProcessAt time.Time              `json:"process_at"`
}

type JobHandler func(ctx context.Context, job *Job) error

func retryQueue(queue string) string { return queue + ":retry" }
func deadQueue(queue string) string  { return queue + ":dead" }

type Worker struct {
	client       *redis.Client
	handlers     map[JobType]JobHandler
	queue        string
	blockTimeout time.Duration
	retryDelay   time.Duration
	jobTimeout   time.Duration
	logger       *zap.Logger
	mu           sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	now          func() time.Time
}

type WorkerConfig struct {
	RedisClient *redis.Client
	Queue       string
	// BlockTimeout bounds each BLPOP and therefore how long Stop can take.
	BlockTimeout time.Duration
	// RetryDelay is doubled on every failed attempt.
	RetryDelay time.Duration
	JobTimeout time.Duration
	Logger     *zap.Logger
}

func NewWorker(config WorkerConfig) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		client:       config.RedisClient,
		handlers:     make(map[JobType]JobHandler),
		queue:        config.Queue,
		blockTimeout: config.BlockTimeout,
		retryDelay:   config.RetryDelay,
		jobTimeout:   config.JobTimeout,
		logger:       config.Logger,
		ctx:          ctx,
		cancel:       cancel,
		now:          time.Now,
	}
	if w.queue == "" {
		w.queue = DefaultQueue
	}
	if w.blockTimeout <= 0 {
		w.blockTimeout = 5 * time.Second
	}
	if w.retryDelay <= 0 {
		w.retryDelay = time.Second
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 30 * time.Second
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w
}

func (w *Worker) RegisterHandler(jobType JobType, handler JobHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = handler
}

func (w *Worker) Start(concurrency int) {
	w.logger.Info("starting worker", zap.Int("concurrency", concurrency), zap.String("queue", w.queue))

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop()
	}
}

func (w *Worker) Stop() {
	w.logger.Info("stopping worker")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) workerLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		if err := w.processNextJob(); err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Error("error processing job", zap.Error(err))
			w.sleep(time.Second)
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
	case <-timer.C:
	}
}

func (w *Worker) processNextJob() error {
	result, err := w.client.BLPop(w.ctx, w.blockTimeout, w.queue, retryQueue(w.queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to pop job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	queue := result[0]
	jobData := result[1]

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}

	if wait := job.ProcessAt.Sub(w.now()); wait > 0 {
		if err := w.enqueueJob(queue, &job); err != nil {
			return err
		}
		w.sleep(min(wait, w.blockTimeout))
		return nil
	}

	return w.executeJob(&job)
}

func (w *Worker) executeJob(job *Job) error {
	w.mu.RLock()
	handler, exists := w.handlers[job.Type]
	w.mu.RUnlock()

	log := w.logger.With(zap.String("job_id", job.ID), zap.String("job_type", string(job.Type)))

	if !exists {
		return w.moveToDeadQueue(job, fmt.Errorf("no handler registered for job type: %s", job.Type))
	}

	log.Debug("processing job")

	ctx, cancel := context.WithTimeout(w.ctx, w.jobTimeout)
	defer cancel()

	err := handler(ctx, job)
	if err != nil {
		job.Attempts++
		if job.Attempts < job.MaxTries {
			log.Warn("job failed, retrying",
				zap.Int("attempt", job.Attempts),
				zap.Int("max_tries", job.MaxTries),
				zap.Error(err),
			)
			return w.retryJob(job)
		}

		log.Error("job failed permanently", zap.Int("attempts", job.Attempts), zap.Error(err))
		return w.moveToDeadQueue(job, err)
	}

	log.Debug("job completed")
	return nil
}

func (w *Worker) retryJob(job *Job) error {
	delay := w.retryDelay * time.Duration(1<<(job.Attempts-1))
	job.ProcessAt = w.now().Add(delay)

	return w.enqueueJob(retryQueue(w.queue), job)
}

func (w *Worker) enqueueJob(queue string, job *Job) error {
	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return w.client.RPush(w.ctx, queue, jobData).Err()
}

func (w *Worker) moveToDeadQueue(job *Job, jobErr error) error {
	deadJob := map[string]interface{}{
		"original_job": job,
		"error":        jobErr.Error(),
		"failed_at":    w.now(),
	}

	deadJobData, err := json.Marshal(deadJob)
	if err != nil {
		return fmt.Errorf("failed to marshal dead job: %w", err)
	}

	return w.client.RPush(w.ctx, deadQueue(w.queue), deadJobData).Err()
}

// ViewRefresher is implemented by the cached task service.
type ViewRefresher interface {
	Refresh(ctx context.Context, view string) error
}

func ViewRefreshHandler(r ViewRefresher) JobHandler {
	return func(ctx context.Context, job *Job) error {
		view, ok := job.Payload["view"].(string)
		if !ok || view == "" {
			return fmt.Errorf("job %s has no view in payload", job.ID)
		}
		return r.Refresh(ctx, view)
	}
}

// InvalidationHandler hands the invalidation carried by the job back to n.
// An error from n fails the job so it is retried with backoff.
func InvalidationHandler(n events.Notifier) JobHandler {
	return func(ctx context.Context, job *Job) error {
		raw, ok := job.Payload["invalidation"]
		if !ok {
			return fmt.Errorf("job %s has no invalidation in payload", job.ID)
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
		var inv events.Invalidation
		if err := json.Unmarshal(data, &inv); err != nil {
			return fmt.Errorf("job %s: invalid invalidation: %w", job.ID, err)
		}
		if len(inv.Views) == 0 {
			return fmt.Errorf("job %s: invalidation %s names no views", job.ID, inv.ID)
		}
		return n.Notify(ctx, inv)
	}
}

type JobQueue struct {
	client   *redis.Client
	queue    string
	maxTries int
}

func NewJobQueue(client *redis.Client, queue string, maxTries int) *JobQueue {
	if queue == "" {
		queue = DefaultQueue
	}
	if maxTries <= 0 {
		maxTries = 3
	}
	return &JobQueue{client: client, queue: queue, maxTries: maxTries}
}

func (q *JobQueue) Enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}) error {
	return q.EnqueueAt(ctx, jobType, payload, time.Now())
}

func (q *JobQueue) EnqueueAt(ctx context.Context, jobType JobType, payload map[string]interface{}, processAt time.Time) error {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("failed to generate job id: %w", err)
	}

	job := &Job{
		ID:        id.String(),
		Type:      jobType,
		Payload:   payload,
		MaxTries:  q.maxTries,
		CreatedAt: time.Now(),
		ProcessAt: processAt,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return q.client.RPush(ctx, q.queue, jobData).Err()
}

// EnqueueViewRefresh schedules a rebuild of the cached rendering of view.
func (q *JobQueue) EnqueueViewRefresh(ctx context.Context, view string) error {
	return q.Enqueue(ctx, JobTypeViewRefresh, map[string]interface{}{"view": view})
}

// EnqueueInvalidation schedules another delivery attempt of inv.
func (q *JobQueue) EnqueueInvalidation(ctx context.Context, inv events.Invalidation) error {
	return q.Enqueue(ctx, JobTypeInvalidation, map[string]interface{}{"invalidation": inv})
}

// Stats reports the pending and dead-lettered job counts.
func (q *JobQueue) Stats() map[string]interface{} {
	ctx := context.Background()
	stats := map[string]interface{}{"queue": q.queue}
	if size, err := q.GetQueueSize(ctx); err == nil {
		stats["pending"] = size
	} else {
		stats["error"] = err.Error()
	}
	if size, err := q.GetDeadQueueSize(ctx); err == nil {
		stats["dead"] = size
	}
	return stats
}

func (q *JobQueue) GetQueueSize(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return q.client.LLen(ctx, q.queue).Result()
}

func (q *JobQueue) GetDeadQueueSize(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return q.client.LLen(ctx, deadQueue(q.queue)).Result()
}
