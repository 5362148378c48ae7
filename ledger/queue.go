/*
queue.go - Queued apply: accept-and-validate split from apply

Mirrors the source platform's auto_approve split: synchronous Apply when
immediate consistency is required (admin-confirmed transactions), queued
apply for bursty load. A bounded pool of workers consumes pending
requests and calls the same atomic Apply on the caller's behalf,
retrying transient conflicts with exponential backoff (default 3
attempts, 2s/4s/8s).

A Pending request may be cancelled before a worker claims it. Once
applied, the resulting entry is immutable: "cancelling" a committed
mistake is a new compensating entry, never a retroactive edit.
*/
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PendingID string

type PendingStatus string

const (
	PendingQueued    PendingStatus = "queued"
	PendingClaimed   PendingStatus = "claimed"
	PendingCompleted PendingStatus = "completed"
	PendingFailed    PendingStatus = "failed"
	PendingCancelled PendingStatus = "cancelled"
)

// PendingRequest is an apply request waiting for (or processed by) a worker.
type PendingRequest struct {
	ID         PendingID
	Request    ApplyRequest
	Status     PendingStatus
	EntryID    EntryID // set on completion
	Err        string  // set on failure
	EnqueuedAt time.Time
	FinishedAt *time.Time
}

// QueueConfig bounds the worker pool and its retry policy.
type QueueConfig struct {
	Workers        int
	Buffer         int
	MaxAttempts    int           // worker-level retries on transient conflict
	InitialBackoff time.Duration // doubled per attempt: 2s, 4s, 8s by default
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{Workers: 4, Buffer: 256, MaxAttempts: 3, InitialBackoff: 2 * time.Second}
}

// Queue accepts apply requests and processes them on a worker pool.
// Safe for concurrent use.
type Queue struct {
	Service *Service
	Log     *zap.Logger

	cfg     QueueConfig
	jobs    chan PendingID
	mu      sync.Mutex
	pending map[PendingID]*PendingRequest
	depth   int

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewQueue(svc *Service, cfg QueueConfig, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultQueueConfig().Workers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultQueueConfig().Buffer
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultQueueConfig().MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultQueueConfig().InitialBackoff
	}

	return &Queue{
		Service: svc,
		Log:     log,
		cfg:     cfg,
		jobs:    make(chan PendingID, cfg.Buffer),
		pending: make(map[PendingID]*PendingRequest),
		stop:    make(chan struct{}),
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.Log.Info("queue workers started", zap.Int("workers", q.cfg.Workers))
}

// Stop drains no further work and waits for in-flight requests.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Enqueue accepts a request for asynchronous application.
// Validation that does not need account state happens here, at accept
// time, so obviously bad requests fail fast instead of at a worker.
func (q *Queue) Enqueue(req ApplyRequest) (PendingID, error) {
	if !req.Type.Valid() {
		return "", &InvalidEntryTypeError{Type: req.Type}
	}
	if req.Amount == 0 || (!req.Type.IsCorrection() && req.Amount < 0) {
		return "", ErrInvalidAmount
	}

	p := &PendingRequest{
		ID:         PendingID(uuid.NewString()),
		Request:    req,
		Status:     PendingQueued,
		EnqueuedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.pending[p.ID] = p
	q.depth++
	q.Service.Metrics.setQueueDepth(q.depth)
	q.mu.Unlock()

	select {
	case q.jobs <- p.ID:
		return p.ID, nil
	default:
		// Buffer full: reject rather than block the caller.
		q.mu.Lock()
		delete(q.pending, p.ID)
		q.depth--
		q.Service.Metrics.setQueueDepth(q.depth)
		q.mu.Unlock()
		return "", ErrQueueFull
	}
}

// Cancel cancels a queued request. Fails with ErrAlreadyClaimed once a
// worker has picked the request up.
func (q *Queue) Cancel(id PendingID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return ErrPendingNotFound
	}
	if p.Status != PendingQueued {
		return ErrAlreadyClaimed
	}
	p.Status = PendingCancelled
	now := time.Now().UTC()
	p.FinishedAt = &now
	q.depth--
	q.Service.Metrics.setQueueDepth(q.depth)
	return nil
}

// Get returns a snapshot of a pending request's state.
func (q *Queue) Get(id PendingID) (PendingRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return PendingRequest{}, ErrPendingNotFound
	}
	return *p, nil
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			q.process(ctx, id)
		}
	}
}

func (q *Queue) process(ctx context.Context, id PendingID) {
	// Claim. A request cancelled while queued is skipped here.
	q.mu.Lock()
	p, ok := q.pending[id]
	if !ok || p.Status != PendingQueued {
		q.mu.Unlock()
		return
	}
	p.Status = PendingClaimed
	q.depth--
	q.Service.Metrics.setQueueDepth(q.depth)
	req := p.Request
	q.mu.Unlock()

	var entry LedgerEntry
	var err error
	backoff := q.cfg.InitialBackoff

	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		entry, err = q.Service.Apply(ctx, req)
		if err == nil || !IsRetryable(err) {
			break
		}
		if attempt == q.cfg.MaxAttempts {
			break
		}
		q.Log.Warn("queued apply conflicted, backing off",
			zap.String("pending_id", string(id)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			continue
		}
		break
	}

	now := time.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	p.FinishedAt = &now
	if err != nil {
		p.Status = PendingFailed
		p.Err = err.Error()
		q.Log.Warn("queued apply failed",
			zap.String("pending_id", string(id)),
			zap.String("account_id", string(req.AccountID)),
			zap.Error(err))
		return
	}
	p.Status = PendingCompleted
	p.EntryID = entry.ID
}
