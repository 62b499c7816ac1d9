package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/fiatbridge/relayer-go/database"
)

// ErrPermanent marks a handler failure that must not be retried, e.g. a
// deterministic on-chain revert. Wrap with Permanent().
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the queue fails the job without further attempts.
func Permanent(err error) error {
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type Job struct {
	ID       int64
	Queue    string
	Key      string // idempotency key, at most one job per (queue, key)
	Payload  []byte
	Attempts int
}

// HandlerFunc processes one job. A nil return completes the job; an error
// triggers the retry/backoff policy unless wrapped with Permanent().
type HandlerFunc func(ctx context.Context, job *Job) error

type Config struct {
	Concurrency  int           // workers per queue
	MaxAttempts  int           // attempts before a job is terminally failed
	BackoffBase  time.Duration // first retry delay, doubles per attempt
	PollInterval time.Duration // idle poll period
	RetainCount  int           // completed/failed jobs kept per queue
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = 3
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 5 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.RetainCount <= 0 {
		out.RetainCount = 100
	}
	return out
}

var jobsTable = `CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	queue VARCHAR(32) NOT NULL,
	key VARCHAR(128) NOT NULL,
	payload BLOB NOT NULL,
	status VARCHAR(10) NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	notBefore BIGINT NOT NULL,
	lastError TEXT,
	createdAt BIGINT NOT NULL,
	updatedAt BIGINT NOT NULL,
	CONSTRAINT chk_status CHECK (status IN ('waiting', 'active', 'completed', 'failed')),
	CONSTRAINT uniq_queue_key UNIQUE (queue, key)
);`

// JobQueue is a durable at-least-once work queue over sqlite. Jobs survive a
// restart; jobs left active by a crash are re-armed on Start.
type JobQueue struct {
	cfg       Config
	db        *sql.DB
	stmtCache *database.StmtCache

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(db *sql.DB, cfg Config) (*JobQueue, error) {
	if _, err := db.Exec(jobsTable); err != nil {
		return nil, err
	}

	return &JobQueue{
		cfg:       cfg.withDefaults(),
		db:        db,
		stmtCache: database.NewStmtCache(db),
		handlers:  make(map[string]HandlerFunc),
	}, nil
}

// Register binds a handler to a queue name. Must be called before Start;
// this is the second phase of the queue/service two-phase construction.
func (q *JobQueue) Register(queue string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = h
}

// Enqueue admits a job unless one with the same (queue, key) already exists.
// Returns whether the job was admitted.
func (q *JobQueue) Enqueue(queue string, payload []byte, key string) (bool, error) {
	query := `INSERT INTO jobs (queue, key, payload, status, attempts, notBefore, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(queue, key) DO NOTHING`
	stmt, err := q.stmtCache.Prepare(query)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC().Unix()
	res, err := stmt.Exec(queue, key, payload, string(JobWaiting), now, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Start re-arms jobs orphaned by a previous crash and spawns the worker pool.
func (q *JobQueue) Start(ctx context.Context) error {
	if _, err := q.db.Exec(
		`UPDATE jobs SET status = ?, updatedAt = ? WHERE status = ?`,
		string(JobWaiting), time.Now().UTC().Unix(), string(JobActive),
	); err != nil {
		return err
	}

	ctx, q.cancel = context.WithCancel(ctx)

	q.mu.RLock()
	queues := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		queues = append(queues, name)
	}
	q.mu.RUnlock()

	for _, name := range queues {
		for i := 0; i < q.cfg.Concurrency; i++ {
			q.wg.Add(1)
			go q.worker(ctx, name)
		}
	}

	logger.WithFields(logger.Fields{
		"queues":      len(queues),
		"concurrency": q.cfg.Concurrency,
	}).Info("job queue started")
	return nil
}

// Close stops claiming new jobs and drains in-flight workers.
func (q *JobQueue) Close() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.stmtCache.Clear()
	logger.Info("job queue stopped")
}

func (q *JobQueue) worker(ctx context.Context, queue string) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				job, ok, err := q.claim(queue)
				if err != nil {
					logger.WithField("queue", queue).Errorf("failed to claim job: err=%v", err)
					break
				}
				if !ok {
					break
				}
				q.run(ctx, job)

				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// claim atomically moves the oldest due waiting job to active.
func (q *JobQueue) claim(queue string) (*Job, bool, error) {
	query := `UPDATE jobs SET status = ?, attempts = attempts + 1, updatedAt = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ? AND status = ? AND notBefore <= ?
			ORDER BY id LIMIT 1
		)
		RETURNING id, key, payload, attempts`
	stmt, err := q.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC().Unix()
	job := &Job{Queue: queue}
	err = stmt.QueryRow(string(JobActive), now, queue, string(JobWaiting), now).
		Scan(&job.ID, &job.Key, &job.Payload, &job.Attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return job, true, nil
}

func (q *JobQueue) run(ctx context.Context, job *Job) {
	q.mu.RLock()
	handler := q.handlers[job.Queue]
	q.mu.RUnlock()

	newLogger := logger.WithFields(logger.Fields{
		"queue":   job.Queue,
		"jobId":   job.Key,
		"attempt": job.Attempts,
	})

	if handler == nil {
		newLogger.Error("no handler registered for queue")
		_ = q.finish(job, JobFailed, "no handler registered")
		return
	}

	err := handler(ctx, job)
	if err == nil {
		newLogger.Info("job completed")
		if err := q.finish(job, JobCompleted, ""); err != nil {
			newLogger.Errorf("failed to record job completion: err=%v", err)
		}
		q.prune(job.Queue)
		return
	}

	if errors.Is(err, ErrPermanent) || job.Attempts >= q.cfg.MaxAttempts {
		newLogger.Errorf("job failed terminally: err=%v", err)
		if err := q.finish(job, JobFailed, err.Error()); err != nil {
			newLogger.Errorf("failed to record job failure: err=%v", err)
		}
		q.prune(job.Queue)
		return
	}

	delay := q.cfg.BackoffBase << (job.Attempts - 1)
	newLogger.Warnf("job failed, retrying in %v: err=%v", delay, err)
	if err := q.reschedule(job, delay, err.Error()); err != nil {
		newLogger.Errorf("failed to reschedule job: err=%v", err)
	}
}

func (q *JobQueue) finish(job *Job, status JobStatus, lastError string) error {
	query := `UPDATE jobs SET status = ?, lastError = ?, updatedAt = ? WHERE id = ?`
	stmt, err := q.stmtCache.Prepare(query)
	if err != nil {
		return err
	}

	var errArg *string
	if lastError != "" {
		errArg = &lastError
	}
	_, err = stmt.Exec(string(status), errArg, time.Now().UTC().Unix(), job.ID)
	return err
}

func (q *JobQueue) reschedule(job *Job, delay time.Duration, lastError string) error {
	query := `UPDATE jobs SET status = ?, notBefore = ?, lastError = ?, updatedAt = ? WHERE id = ?`
	stmt, err := q.stmtCache.Prepare(query)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = stmt.Exec(string(JobWaiting), now.Add(delay).Unix(), lastError, now.Unix(), job.ID)
	return err
}

// prune trims completed and failed jobs beyond the retention count.
func (q *JobQueue) prune(queue string) {
	query := `DELETE FROM jobs WHERE queue = ? AND status = ? AND id NOT IN (
		SELECT id FROM jobs WHERE queue = ? AND status = ? ORDER BY id DESC LIMIT ?
	)`
	stmt, err := q.stmtCache.Prepare(query)
	if err != nil {
		logger.Errorf("failed to prepare prune statement: err=%v", err)
		return
	}

	for _, status := range []JobStatus{JobCompleted, JobFailed} {
		if _, err := stmt.Exec(queue, string(status), queue, string(status), q.cfg.RetainCount); err != nil {
			logger.WithField("queue", queue).Errorf("failed to prune jobs: err=%v", err)
		}
	}
}

// QueueStats holds per-queue counters for the operator surface.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (q *JobQueue) Stats() (map[string]QueueStats, error) {
	rows, err := q.db.Query(`SELECT queue, status, COUNT(*) FROM jobs GROUP BY queue, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]QueueStats)

	q.mu.RLock()
	for name := range q.handlers {
		stats[name] = QueueStats{}
	}
	q.mu.RUnlock()

	for rows.Next() {
		var (
			queue, status string
			count         int
		)
		if err := rows.Scan(&queue, &status, &count); err != nil {
			return nil, err
		}
		s := stats[queue]
		switch JobStatus(status) {
		case JobWaiting:
			s.Waiting = count
		case JobActive:
			s.Active = count
		case JobCompleted:
			s.Completed = count
		case JobFailed:
			s.Failed = count
		}
		stats[queue] = s
	}
	return stats, rows.Err()
}
