// Package queue provides durable at-least-once job dispatch over SQS with a
// typed handler registry, per-queue concurrency limits, exponential retry
// backoff, optional enqueue dedup, and per-video cancellation.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// SQS configuration constants
const (
	SQSMaxMessages       = 5
	SQSWaitTimeSeconds   = 20
	SQSVisibilityTimeout = 900 // 15 minutes

	RetryBackoffPeriod = 5 * time.Second
	DedupWindow        = 30 * time.Minute

	backoffBase = 5 * time.Second
	backoffCap  = 900 * time.Second // SQS DelaySeconds maximum
)

var tracer = otel.Tracer("vod-queue")

// Handler executes one job. See result.go for the outcome contract.
// Handlers must be idempotent: re-read authoritative state before mutating
// and write only to deterministic keys, so whole-job re-execution after a
// partial failure is safe.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *models.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) error {
	return f(ctx, job)
}

// QueueConfig describes one named queue.
type QueueConfig struct {
	URL         string
	MaxAttempts int
	Concurrency int
}

// Cache is the subset of cache operations the queue needs.
type Cache interface {
	AcquireDedup(ctx context.Context, dedupKey string, ttl time.Duration) (bool, error)
	ReleaseDedup(ctx context.Context, dedupKey string) error
	MarkCancelled(ctx context.Context, videoID string) error
	IsCancelled(ctx context.Context, videoID string) (bool, error)
}

// SQSClient is the subset of the SQS API used by the queue.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type registration struct {
	handler Handler
	cfg     QueueConfig
}

// EnqueueOptions modify a single enqueue.
type EnqueueOptions struct {
	DedupKey string
	Delay    time.Duration
}

// Queue dispatches jobs to registered handlers, one poll loop per job type.
type Queue struct {
	sqsClient SQSClient
	cache     Cache
	log       *slog.Logger

	mu       sync.RWMutex
	registry map[models.JobType]registration

	// running tracks cancel funcs for in-process jobs by video id.
	runMu    sync.Mutex
	runSeq   int
	running  map[string]map[int]context.CancelFunc
}

// New creates a Queue. Handlers are attached with Register before Run.
func New(sqsClient SQSClient, c Cache, log *slog.Logger) *Queue {
	return &Queue{
		sqsClient: sqsClient,
		cache:     c,
		log:       log,
		registry:  make(map[models.JobType]registration),
		running:   make(map[string]map[int]context.CancelFunc),
	}
}

// Register maps a job type to its handler and named queue. Dispatch is an
// explicit registry lookup; an unregistered type is a parse failure.
func (q *Queue) Register(t models.JobType, h Handler, cfg QueueConfig) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.registry[t] = registration{handler: h, cfg: cfg}
}

// Enqueue publishes a job of the given type. When a dedup key is supplied and
// equivalent work is already pending, the enqueue is a silent no-op.
func (q *Queue) Enqueue(ctx context.Context, t models.JobType, payload any, opts EnqueueOptions) error {
	q.mu.RLock()
	reg, ok := q.registry[t]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no queue registered for job type %q", t)
	}

	if opts.DedupKey != "" {
		acquired, err := q.cache.AcquireDedup(ctx, opts.DedupKey, DedupWindow)
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if !acquired {
			logger.Debug(ctx, q.log, "Skipping duplicate enqueue", "type", t, "dedupKey", opts.DedupKey)
			return nil
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := models.Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		Attempt:   0,
		DedupKey:  opts.DedupKey,
		CreatedAt: time.Now().UTC(),
	}

	if err := q.send(ctx, reg.cfg.URL, &job, opts.Delay); err != nil {
		if opts.DedupKey != "" {
			// Best effort: do not leave a dedup key blocking future enqueues.
			_ = q.cache.ReleaseDedup(ctx, opts.DedupKey)
		}
		return err
	}

	logger.Debug(ctx, q.log, "Enqueued job", "type", t, "jobId", job.ID)
	return nil
}

func (q *Queue) send(ctx context.Context, queueURL string, job *models.Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(raw)),
	}
	if delay > 0 {
		if delay > backoffCap {
			delay = backoffCap
		}
		input.DelaySeconds = int32(delay / time.Second)
	}

	if _, err := q.sqsClient.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// CancelForVideo drops any queued job for the video and cancels jobs already
// executing in this process. Queued messages in other replicas are dropped at
// dispatch time via the shared cancel set.
func (q *Queue) CancelForVideo(ctx context.Context, videoID string) error {
	if err := q.cache.MarkCancelled(ctx, videoID); err != nil {
		return err
	}

	q.runMu.Lock()
	cancels := q.running[videoID]
	delete(q.running, videoID)
	q.runMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		logger.Info(ctx, q.log, "Cancelled in-flight jobs", "videoId", videoID, "count", len(cancels))
	}
	return nil
}

func (q *Queue) trackRunning(videoID string, cancel context.CancelFunc) func() {
	q.runMu.Lock()
	q.runSeq++
	id := q.runSeq
	if q.running[videoID] == nil {
		q.running[videoID] = make(map[int]context.CancelFunc)
	}
	q.running[videoID][id] = cancel
	q.runMu.Unlock()

	return func() {
		q.runMu.Lock()
		defer q.runMu.Unlock()
		delete(q.running[videoID], id)
		if len(q.running[videoID]) == 0 {
			delete(q.running, videoID)
		}
	}
}

// Run starts one poll loop per registered queue and blocks until the context
// is cancelled and all in-progress jobs have drained.
func (q *Queue) Run(ctx context.Context) {
	q.mu.RLock()
	regs := make(map[models.JobType]registration, len(q.registry))
	for t, r := range q.registry {
		regs[t] = r
	}
	q.mu.RUnlock()

	var wg sync.WaitGroup
	for t, reg := range regs {
		wg.Add(1)
		go func(t models.JobType, reg registration) {
			defer wg.Done()
			q.poll(ctx, t, reg)
		}(t, reg)
	}
	wg.Wait()
}

// poll is the receive loop for one named queue, with a semaphore bounding
// concurrently executing jobs.
func (q *Queue) poll(ctx context.Context, t models.JobType, reg registration) {
	logger.Info(ctx, q.log, "Starting queue polling",
		"type", t,
		"queueURL", reg.cfg.URL,
		"maxConcurrent", reg.cfg.Concurrency,
	)

	sem := make(chan struct{}, reg.cfg.Concurrency)
	var wg sync.WaitGroup

messageLoop:
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, q.log, "Waiting for in-progress jobs to complete...", "type", t)
			wg.Wait()
			logger.Info(ctx, q.log, "All jobs completed, stopping poller", "type", t)
			return
		default:
		}

		result, err := q.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(reg.cfg.URL),
			MaxNumberOfMessages: SQSMaxMessages,
			WaitTimeSeconds:     SQSWaitTimeSeconds,
			VisibilityTimeout:   SQSVisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue // Shutting down
			}
			logger.Error(ctx, q.log, "Failed to receive messages", "type", t, "error", err)
			time.Sleep(RetryBackoffPeriod)
			continue
		}

		for _, msg := range result.Messages {
			select {
			case sem <- struct{}{}:
				wg.Add(1)
				go func(msg types.Message) {
					defer wg.Done()
					defer func() { <-sem }()

					metrics.ActiveJobs.WithLabelValues(string(t)).Inc()
					defer metrics.ActiveJobs.WithLabelValues(string(t)).Dec()

					q.processMessage(ctx, t, reg, msg)
				}(msg)
			case <-ctx.Done():
				logger.Info(ctx, q.log, "Context cancelled, stopping message processing", "type", t)
				break messageLoop
			}
		}
	}
	wg.Wait()
}

func (q *Queue) processMessage(ctx context.Context, t models.JobType, reg registration, msg types.Message) {
	ctx, span := tracer.Start(ctx, "process-job")
	defer span.End()

	job, err := parseJob(msg)
	if err != nil {
		// Poison message: never retryable, drop it.
		logger.Error(ctx, q.log, "Dropping unparseable message", "type", t, "error", err)
		q.deleteMessage(ctx, reg.cfg.URL, msg)
		metrics.RecordJobFailure(string(t))
		return
	}

	var payload models.VideoJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.Validate() != nil {
		logger.Error(ctx, q.log, "Dropping job with invalid payload", "type", t, "jobId", job.ID)
		q.deleteMessage(ctx, reg.cfg.URL, msg)
		metrics.RecordJobFailure(string(t))
		return
	}

	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(t)),
		attribute.String("video.id", payload.VideoID),
		attribute.Int("job.attempt", job.Attempt),
	)

	cancelled, err := q.cache.IsCancelled(ctx, payload.VideoID)
	if err != nil {
		logger.Warn(ctx, q.log, "Cancel check failed, proceeding", "videoId", payload.VideoID, "error", err)
	}
	if cancelled {
		logger.Info(ctx, q.log, "Dropping job for cancelled video", "type", t, "videoId", payload.VideoID)
		q.deleteMessage(ctx, reg.cfg.URL, msg)
		q.releaseDedup(ctx, job)
		metrics.RecordJobCancelled(string(t))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	untrack := q.trackRunning(payload.VideoID, cancel)
	defer untrack()
	defer cancel()

	start := time.Now()
	handleErr := reg.handler.Handle(jobCtx, job)
	metrics.JobDuration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())

	switch {
	case handleErr == nil:
		q.deleteMessage(ctx, reg.cfg.URL, msg)
		q.releaseDedup(ctx, job)
		metrics.RecordJobSuccess(string(t))

	case IsFatal(handleErr):
		logger.Error(ctx, q.log, "Job failed permanently",
			"type", t, "jobId", job.ID, "videoId", payload.VideoID, "error", handleErr)
		q.deleteMessage(ctx, reg.cfg.URL, msg)
		q.releaseDedup(ctx, job)
		metrics.RecordJobFailure(string(t))

	case job.Attempt+1 >= reg.cfg.MaxAttempts:
		logger.Error(ctx, q.log, "Job failed after exhausting retries",
			"type", t, "jobId", job.ID, "videoId", payload.VideoID,
			"attempts", job.Attempt+1, "error", handleErr)
		q.deleteMessage(ctx, reg.cfg.URL, msg)
		q.releaseDedup(ctx, job)
		metrics.RecordJobFailure(string(t))

	default:
		retry := *job
		retry.Attempt = job.Attempt + 1
		delay := backoffDelay(retry.Attempt)
		if err := q.send(ctx, reg.cfg.URL, &retry, delay); err != nil {
			// Leave the original message to reappear after its visibility
			// timeout; at-least-once covers us.
			logger.Error(ctx, q.log, "Failed to re-enqueue retry", "jobId", job.ID, "error", err)
			return
		}
		logger.Warn(ctx, q.log, "Retrying job",
			"type", t, "jobId", job.ID, "videoId", payload.VideoID,
			"attempt", retry.Attempt, "delay", delay.String(), "error", handleErr)
		q.deleteMessage(ctx, reg.cfg.URL, msg)
		metrics.JobRetries.WithLabelValues(string(t)).Inc()
	}
}

func (q *Queue) deleteMessage(ctx context.Context, queueURL string, msg types.Message) {
	_, err := q.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		logger.Error(ctx, q.log, "Failed to delete message", "error", err)
	}
}

func (q *Queue) releaseDedup(ctx context.Context, job *models.Job) {
	if job.DedupKey == "" {
		return
	}
	if err := q.cache.ReleaseDedup(ctx, job.DedupKey); err != nil {
		logger.Warn(ctx, q.log, "Failed to release dedup key", "dedupKey", job.DedupKey, "error", err)
	}
}

func parseJob(msg types.Message) (*models.Job, error) {
	if msg.Body == nil {
		return nil, fmt.Errorf("%w: empty message body", models.ErrJobParseFailed)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(*msg.Body), &job); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
	}
	if job.Type == "" {
		return nil, fmt.Errorf("%w: missing type", models.ErrJobParseFailed)
	}
	return &job, nil
}

// backoffDelay returns the exponential delay before the given attempt.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}
