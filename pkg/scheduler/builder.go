package scheduler

import (
    "math/rand"
    "time"

    rclock "github.com/raulk/clock"
    "go.uber.org/zap"

    "distq/pkg/config"
    "distq/pkg/kv"
    "distq/pkg/model"
    "distq/pkg/monitor"
    "distq/pkg/seq"
)

// RegisterIndexes declares the four secondary indexes the scheduler's
// query surface and recovery sweeps depend on. Call once against store
// before any task or lock is written — RegisterIndex is only safe before
// first write.
func RegisterIndexes(store kv.Store) {
    store.RegisterIndex(model.TasksTable, kv.IndexDef{
        Name: model.ByEntityIndex, HashAttr: model.TaskAttrEntityType, RangeAttr: model.TaskAttrEntityID,
    })
    store.RegisterIndex(model.TasksTable, kv.IndexDef{
        Name: model.ByNonTerminalEntityIndex, HashAttr: model.TaskAttrNTEntityType, RangeAttr: model.TaskAttrNTEntityID,
    })
    store.RegisterIndex(model.TasksTable, kv.IndexDef{
        Name: model.ByMonitorTaskIndex, HashAttr: model.TaskAttrMonitor,
    })
    store.RegisterIndex(model.LocksTable, kv.IndexDef{
        Name: model.ByMonitorLockIndex, HashAttr: model.LockAttrMonitor,
    })
}

// Build wires a Scheduler over store using cfg's tuning knobs, handlers
// keyed by entity type, and provider for monitor/heartbeat lifecycle.
// It registers the required secondary indexes, so it must run before
// store holds any tasks or locks. It does not start the dispatcher;
// call MonitorTaskQueue for that.
func Build(cfg config.SchedulerConfig, store kv.Store, handlers map[string]HandlerFunc, provider monitor.Provider, log *zap.Logger) (*Scheduler, error) {
    if log == nil {
        log = zap.NewNop()
    }
    RegisterIndexes(store)

    return &Scheduler{
        store:    store,
        seq:      seq.New(store),
        handlers: handlers,
        provider: provider,
        cfg:      cfg,
        log:      log.Named("scheduler"),
        clock:    rclock.New(),
        rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
    }, nil
}
