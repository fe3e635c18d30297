package dispatcher

import (
    "sync"
    "time"
)

// pacer throttles dispatcher claim attempts to at most maxPerInterval per
// interval, by running a single-token bucket: each claim consumes the one
// token, which regenerates at a constant rate of maxPerInterval/interval.
// With capacity pinned to 1 there is no burst — successive claims are
// spaced at exactly interval/maxPerInterval apart, so a claim attempted
// before that much time has passed since the last one waits out the
// remaining delta instead of proceeding.
type pacer struct {
    mu       sync.Mutex
    capacity float64
    tokens   float64
    rate     float64 // tokens per second
    last     time.Time
    nowFn    func() time.Time
    interval time.Duration
}

func newPacer(maxPerInterval int, interval time.Duration) *pacer {
    rate := float64(maxPerInterval) / interval.Seconds()
    return &pacer{capacity: 1, tokens: 1, rate: rate, last: time.Time{}, nowFn: time.Now, interval: interval}
}

// allow reports whether a claim may proceed now; if not, it returns the
// remaining delta after which it should be retried.
func (p *pacer) allow() (ok bool, wait time.Duration) {
    p.mu.Lock()
    defer p.mu.Unlock()
    now := p.nowFn()
    if p.last.IsZero() {
        p.last = now
    }
    if dt := now.Sub(p.last); dt > 0 {
        p.tokens += p.rate * dt.Seconds()
        if p.tokens > p.capacity {
            p.tokens = p.capacity
        }
        p.last = now
    }
    if p.tokens >= 1 {
        p.tokens -= 1
        return true, 0
    }
    need := 1 - p.tokens
    return false, time.Duration(need / p.rate * float64(time.Second))
}
