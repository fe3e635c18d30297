package monitor

import (
    "context"
    "sync"
    "time"

    "github.com/google/uuid"
    rclock "github.com/raulk/clock"
    "go.uber.org/zap"
)

// state tracks one monitor's liveness, adapted from a peer-liveness
// last-seen/TTL record to a monitor-heartbeat one.
type state struct {
    lastSeen time.Time
    forced   bool
}

// Local is an in-process reference Provider: every call to Monitor mints a
// fresh monitor ID and renews its liveness on a ticker until its context is
// canceled or its heartbeat is forced to fail. Intended for tests and the
// demo CLI; a real multi-process deployment needs a Provider backed by an
// actual cluster-membership registry.
type Local struct {
    mu       sync.RWMutex
    monitors map[string]*state

    nodeName string
    ttl      time.Duration
    clock    rclock.Clock
    log      *zap.Logger

    shuttingDown bool
}

// NewLocal builds a Local provider. ttl is how long a monitor may go
// without a renewal tick before HasFailedHeartbeat reports true.
func NewLocal(nodeName string, ttl time.Duration, clk rclock.Clock, log *zap.Logger) *Local {
    if clk == nil {
        clk = rclock.New()
    }
    if log == nil {
        log = zap.NewNop()
    }
    return &Local{
        monitors: make(map[string]*state),
        nodeName: nodeName,
        ttl:      ttl,
        clock:    clk,
        log:      log.Named("monitor"),
    }
}

func (p *Local) Monitor(ctx context.Context, fn func(context.Context, Info)) error {
    p.mu.RLock()
    down := p.shuttingDown
    p.mu.RUnlock()
    if down {
        return ErrShuttingDown
    }

    id := uuid.NewString()
    info := Info{MonitorID: id, NodeName: p.nodeName}
    p.touch(id)

    runCtx, cancel := context.WithCancel(ctx)
    defer cancel()

    ticker := p.clock.Ticker(p.ttl / 4)
    defer ticker.Stop()
    go func() {
        for {
            select {
            case <-runCtx.Done():
                return
            case <-ticker.C:
                if p.HasFailedHeartbeat(id) {
                    p.log.Warn("monitor heartbeat lapsed, canceling", zap.String("monitor", id))
                    cancel()
                    return
                }
                p.touch(id)
            }
        }
    }()

    fn(runCtx, info)
    return nil
}

func (p *Local) touch(monitorID string) {
    p.mu.Lock()
    defer p.mu.Unlock()
    st, ok := p.monitors[monitorID]
    if !ok {
        st = &state{}
        p.monitors[monitorID] = st
    }
    st.lastSeen = p.clock.Now()
}

func (p *Local) HasFailedHeartbeat(monitorID string) bool {
    p.mu.RLock()
    defer p.mu.RUnlock()
    st, ok := p.monitors[monitorID]
    if !ok {
        return true
    }
    if st.forced {
        return true
    }
    return p.clock.Now().Sub(st.lastSeen) > p.ttl
}

func (p *Local) ForceHeartbeatFailure(monitorID string) {
    p.mu.Lock()
    defer p.mu.Unlock()
    st, ok := p.monitors[monitorID]
    if !ok {
        st = &state{}
        p.monitors[monitorID] = st
    }
    st.forced = true
}

func (p *Local) IsActiveMonitor(info Info) bool {
    return !p.HasFailedHeartbeat(info.MonitorID)
}

// Shutdown marks the provider as no longer accepting new Monitor calls.
func (p *Local) Shutdown() {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.shuttingDown = true
}
