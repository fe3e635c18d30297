package monitor

import (
    "context"
    "testing"
    "time"

    rclock "github.com/raulk/clock"
)

func TestMonitorRunsFnWithLiveInfo(t *testing.T) {
    p := NewLocal("node-1", 50*time.Millisecond, rclock.NewMock(), nil)

    var got Info
    err := p.Monitor(context.Background(), func(ctx context.Context, info Info) {
        got = info
    })
    if err != nil {
        t.Fatalf("Monitor: %v", err)
    }
    if got.MonitorID == "" {
        t.Fatalf("expected a minted monitor ID")
    }
    if got.NodeName != "node-1" {
        t.Fatalf("unexpected node name: %q", got.NodeName)
    }
    if !p.IsActiveMonitor(got) {
        t.Fatalf("expected monitor to be active immediately after Monitor runs")
    }
}

func TestForceHeartbeatFailureMarksMonitorDead(t *testing.T) {
    p := NewLocal("node-1", time.Hour, rclock.NewMock(), nil)

    var id string
    _ = p.Monitor(context.Background(), func(ctx context.Context, info Info) {
        id = info.MonitorID
    })

    if p.HasFailedHeartbeat(id) {
        t.Fatalf("expected fresh monitor to be alive")
    }
    p.ForceHeartbeatFailure(id)
    if !p.HasFailedHeartbeat(id) {
        t.Fatalf("expected forced failure to be observed")
    }
}

func TestHasFailedHeartbeatTrueForUnknownMonitor(t *testing.T) {
    p := NewLocal("node-1", time.Hour, rclock.NewMock(), nil)
    if !p.HasFailedHeartbeat("nonexistent") {
        t.Fatalf("expected unknown monitor to report failed")
    }
}

func TestShutdownRejectsNewMonitors(t *testing.T) {
    p := NewLocal("node-1", time.Hour, rclock.NewMock(), nil)
    p.Shutdown()
    err := p.Monitor(context.Background(), func(ctx context.Context, info Info) {})
    if err != ErrShuttingDown {
        t.Fatalf("expected ErrShuttingDown, got %v", err)
    }
}
