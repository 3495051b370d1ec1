package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hanko-field/orders/internal/platform/requestctx"
)

const (
	defaultSyncWorkers    = 2
	defaultSyncQueueSize  = 256
	defaultSyncJobTimeout = 30 * time.Second
)

// SyncDispatcherDeps enumerates collaborators required to construct the dispatcher.
type SyncDispatcherDeps struct {
	Syncer     ExternalSyncer
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// SyncDispatcher runs ERP syncs on a bounded in-process worker pool. Jobs carry only the order id;
// workers re-read everything they need.
type SyncDispatcher struct {
	syncer  ExternalSyncer
	queue   chan string
	workers int
	timeout time.Duration
	logger  func(context.Context, string, map[string]any)

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

var _ SyncScheduler = (*SyncDispatcher)(nil)

// NewSyncDispatcher wires the syncer into a dispatcher. Call Start before traffic and Shutdown on exit.
func NewSyncDispatcher(deps SyncDispatcherDeps) (*SyncDispatcher, error) {
	if deps.Syncer == nil {
		return nil, errors.New("sync dispatcher: syncer is required")
	}
	workers := deps.Workers
	if workers <= 0 {
		workers = defaultSyncWorkers
	}
	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = defaultSyncQueueSize
	}
	timeout := deps.JobTimeout
	if timeout <= 0 {
		timeout = defaultSyncJobTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &SyncDispatcher{
		syncer:  deps.Syncer,
		queue:   make(chan string, queueSize),
		workers: workers,
		timeout: timeout,
		logger:  logger,
		baseCtx: baseCtx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers. Calling it more than once has no effect.
func (d *SyncDispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Enabled reports whether the underlying syncer is configured.
func (d *SyncDispatcher) Enabled() bool {
	return d != nil && d.syncer.Enabled()
}

// Backlog reports queued jobs against the queue capacity.
func (d *SyncDispatcher) Backlog() (queued, capacity int) {
	if d == nil {
		return 0, 0
	}
	return len(d.queue), cap(d.queue)
}

// Enqueue submits an order without blocking. It returns false when the job was dropped.
func (d *SyncDispatcher) Enqueue(orderID string) bool {
	orderID = strings.TrimSpace(orderID)
	if d == nil || orderID == "" {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger(d.baseCtx, "erp.sync.dropped", map[string]any{"orderId": orderID, "reason": "dispatcher stopped"})
		return false
	}
	select {
	case d.queue <- orderID:
		return true
	default:
		d.logger(d.baseCtx, "erp.sync.dropped", map[string]any{"orderId": orderID, "reason": "queue full", "capacity": cap(d.queue)})
		return false
	}
}

// Shutdown stops accepting jobs and waits for queued work until ctx expires, then cancels
// whatever is still running.
func (d *SyncDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("sync dispatcher: drain interrupted: %w", ctx.Err())
	}
}

func (d *SyncDispatcher) work() {
	defer d.wg.Done()
	for orderID := range d.queue {
		if d.baseCtx.Err() != nil {
			d.logger(d.baseCtx, "erp.sync.dropped", map[string]any{"orderId": orderID, "reason": "shutdown deadline"})
			continue
		}
		d.run(orderID)
	}
}

func (d *SyncDispatcher) run(orderID string) {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.timeout)
	defer cancel()
	ctx = requestctx.WithJob(ctx, requestctx.JobInfo{Kind: "erp_sync", OrderID: orderID})
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger(ctx, "erp.sync.panic", map[string]any{
				"orderId": orderID,
				"panic":   fmt.Sprint(recovered),
				"stack":   string(debug.Stack()),
			})
		}
	}()

	if err := d.syncer.SyncOrder(ctx, orderID); err != nil && ctx.Err() != nil {
		d.logger(ctx, "erp.sync.timeout", map[string]any{
			"orderId": orderID,
			"timeout": d.timeout.String(),
			"error":   err.Error(),
		})
	}
}
