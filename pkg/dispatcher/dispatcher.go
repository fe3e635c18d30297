// Package dispatcher runs the claim-and-dispatch loop: a bounded worker
// pool pulls ready task IDs off an in-process dedup queue and claims them
// through a taskrun.Machine, paced by the configured poll interval.
package dispatcher

import (
    "context"
    "sync"
    "time"

    "go.uber.org/zap"
)

// Claimer is the taskrun.Machine capability the dispatcher drives. Kept
// narrow and duck-typed so dispatcher never imports pkg/taskrun.
type Claimer interface {
    Claim(ctx context.Context, taskID int64) (ran bool, err error)
}

// Scanner discovers QUEUED task IDs eligible for dispatch. The dispatcher
// calls it on every poll tick, whether or not the in-process queue is
// empty, so tasks whose enqueue missed this process's queue (e.g. after a
// fresh start) are still found.
type Scanner interface {
    ScanQueued(ctx context.Context, limit int) ([]int64, error)
}

// Dispatcher owns a fixed-size worker pool and an in-process FIFO of
// ready task IDs, deduplicated so the same task is never queued for two
// workers at once. Peers call Enqueue (implementing taskrun.Enqueuer and
// lock.Enqueuer) to hand off woken tasks without this package depending
// on either of theirs.
type Dispatcher struct {
    claimer Claimer
    scanner Scanner
    pace    *pacer
    log     *zap.Logger

    capacity int

    mu       sync.Mutex
    queued   map[int64]bool
    order    []int64
    notEmpty chan struct{}

    stop chan struct{}
    wg   sync.WaitGroup
}

// New builds a Dispatcher with the given worker pool capacity, polling
// pace (maxPerInterval claims per interval), and scan interval used to
// refill the queue from Scanner.
func New(claimer Claimer, scanner Scanner, capacity, maxPerInterval int, interval time.Duration, log *zap.Logger) *Dispatcher {
    if capacity < 1 {
        capacity = 1
    }
    if log == nil {
        log = zap.NewNop()
    }
    return &Dispatcher{
        claimer:  claimer,
        scanner:  scanner,
        pace:     newPacer(maxPerInterval, interval),
        log:      log.Named("dispatcher"),
        capacity: capacity,
        queued:   make(map[int64]bool),
        notEmpty: make(chan struct{}, 1),
        stop:     make(chan struct{}),
    }
}

// Enqueue admits taskID to the ready queue, a no-op if it is already
// queued. Safe to call from any goroutine, including from inside a worker
// that just finished a different task.
func (d *Dispatcher) Enqueue(taskID int64) {
    d.mu.Lock()
    if d.queued[taskID] {
        d.mu.Unlock()
        return
    }
    d.queued[taskID] = true
    d.order = append(d.order, taskID)
    d.mu.Unlock()

    select {
    case d.notEmpty <- struct{}{}:
    default:
    }
}

func (d *Dispatcher) dequeue() (int64, bool) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if len(d.order) == 0 {
        return 0, false
    }
    id := d.order[0]
    d.order = d.order[1:]
    delete(d.queued, id)
    return id, true
}

// Start launches the scan loop and the worker pool; it returns
// immediately. Stop shuts both down.
func (d *Dispatcher) Start(ctx context.Context, scanLimit int) {
    d.wg.Add(1)
    go d.scanLoop(ctx, scanLimit)

    for i := 0; i < d.capacity; i++ {
        d.wg.Add(1)
        go d.worker(ctx)
    }
}

// Stop signals every goroutine launched by Start to exit and waits for
// them to do so.
func (d *Dispatcher) Stop() {
    close(d.stop)
    d.wg.Wait()
}

func (d *Dispatcher) scanLoop(ctx context.Context, limit int) {
    defer d.wg.Done()
    ticker := time.NewTicker(d.pace.interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-d.stop:
            return
        case <-ticker.C:
            if d.scanner == nil {
                continue
            }
            ids, err := d.scanner.ScanQueued(ctx, limit)
            if err != nil {
                d.log.Warn("scan queued tasks", zap.Error(err))
                continue
            }
            for _, id := range ids {
                d.Enqueue(id)
            }
        }
    }
}

func (d *Dispatcher) worker(ctx context.Context) {
    defer d.wg.Done()
    for {
        select {
        case <-ctx.Done():
            return
        case <-d.stop:
            return
        case <-d.notEmpty:
        }

        for {
            id, ok := d.dequeue()
            if !ok {
                break
            }

            if ok, wait := d.pace.allow(); !ok {
                select {
                case <-time.After(wait):
                case <-ctx.Done():
                    return
                case <-d.stop:
                    return
                }
            }

            if ran, err := d.claimer.Claim(ctx, id); err != nil {
                d.log.Warn("claim task", zap.Int64("task", id), zap.Error(err))
            } else if !ran {
                d.log.Debug("lost claim race", zap.Int64("task", id))
            }
        }
    }
}
