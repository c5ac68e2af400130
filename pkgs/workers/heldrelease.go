package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/consensus"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/storage"
)

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerStatusIdle       WorkerStatus = "idle"
	WorkerStatusProcessing WorkerStatus = "processing"
	WorkerStatusFailed     WorkerStatus = "failed"
)

const heartbeatInterval = 30 * time.Second

// WorkerMonitor tracks worker liveness and status in Redis for dashboards
type WorkerMonitor struct {
	client   *redis.Client
	workerID string
}

// NewWorkerMonitor creates a worker monitor
func NewWorkerMonitor(client *redis.Client, workerID string) *WorkerMonitor {
	return &WorkerMonitor{client: client, workerID: workerID}
}

// UpdateStatus writes the worker's current status
func (wm *WorkerMonitor) UpdateStatus(status WorkerStatus) {
	ctx := context.Background()
	key := fmt.Sprintf("worker:%s:status", wm.workerID)
	if err := wm.client.Set(ctx, key, string(status), 24*time.Hour).Err(); err != nil {
		log.Errorf("Failed to update worker status: %v", err)
	}
	wm.UpdateHeartbeat()
}

// UpdateHeartbeat refreshes the worker's liveness timestamp
func (wm *WorkerMonitor) UpdateHeartbeat() {
	ctx := context.Background()
	key := fmt.Sprintf("worker:%s:heartbeat", wm.workerID)
	if err := wm.client.Set(ctx, key, time.Now().Unix(), 5*time.Minute).Err(); err != nil {
		log.Errorf("Failed to update worker heartbeat: %v", err)
	}
}

// heartbeatLoop maintains the heartbeat until the context ends
func (wm *WorkerMonitor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wm.UpdateHeartbeat()
		}
	}
}

// HeldReleaseWorker drains the held-submission queue: submissions deferred
// by the weekly cap are re-finalized once their author's week rolls over.
type HeldReleaseWorker struct {
	store      *storage.Store
	calculator *consensus.Calculator
	monitor    *WorkerMonitor
	interval   time.Duration
}

// NewHeldReleaseWorker creates the held-release worker
func NewHeldReleaseWorker(store *storage.Store, calculator *consensus.Calculator, interval time.Duration) *HeldReleaseWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &HeldReleaseWorker{
		store:      store,
		calculator: calculator,
		monitor:    NewWorkerMonitor(store.Client(), "held-release"),
		interval:   interval,
	}
}

// Start runs the drain loop until the context is cancelled
func (w *HeldReleaseWorker) Start(ctx context.Context) {
	w.monitor.UpdateStatus(WorkerStatusIdle)
	go w.monitor.heartbeatLoop(ctx)

	log.Infof("Held-release worker started (interval %s)", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Held-release worker stopped")
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

// drainOnce releases every held submission whose release time has passed.
// Per-submission failures are logged and retried on the next tick.
func (w *HeldReleaseWorker) drainOnce(ctx context.Context) {
	due, err := w.store.DueHeldSubmissions(ctx, time.Now().UTC())
	if err != nil {
		log.Errorf("Failed to read held queue: %v", err)
		w.monitor.UpdateStatus(WorkerStatusFailed)
		return
	}
	if len(due) == 0 {
		w.monitor.UpdateStatus(WorkerStatusIdle)
		return
	}

	w.monitor.UpdateStatus(WorkerStatusProcessing)
	released := 0
	for _, submissionID := range due {
		if err := w.calculator.ReleaseHeld(ctx, submissionID); err != nil {
			log.Errorf("Failed to release held submission %s: %v", submissionID, err)
			continue
		}
		released++
	}
	log.Infof("Held-release pass: %d due, %d processed", len(due), released)
	w.monitor.UpdateStatus(WorkerStatusIdle)
}
