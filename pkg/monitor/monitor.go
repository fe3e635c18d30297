// Package monitor defines the narrow liveness-heartbeat contract the task
// scheduler core depends on. The heartbeat registry itself (gossip,
// cluster membership, failure detection) lives outside this module;
// distq only ever calls through Provider.
package monitor

import (
    "context"
    "errors"
)

// Info identifies the live worker a task is currently running under.
type Info struct {
    MonitorID string
    NodeName  string
}

// ErrShuttingDown is raised by a Provider when no further work may be
// dispatched; the dispatcher disables itself on receiving it.
var ErrShuttingDown = errors.New("monitor: shutting down")

// Provider is the external heartbeat registry contract. A real deployment
// supplies its own implementation backed by whatever cluster-membership
// system it runs; pkg/monitor/local.go ships an in-process reference
// implementation for tests and the demo CLI.
type Provider interface {
    // Monitor runs fn under a live heartbeat context, renewing it in the
    // background until ctx is canceled, the heartbeat is forced to fail,
    // or fn returns. It returns ErrShuttingDown if called after shutdown.
    Monitor(ctx context.Context, fn func(context.Context, Info)) error

    // HasFailedHeartbeat reports whether monitorID's heartbeat has lapsed
    // or been forced to fail.
    HasFailedHeartbeat(monitorID string) bool

    // ForceHeartbeatFailure marks monitorID as dead immediately, the
    // trigger for peer recovery of all its locks and tasks.
    ForceHeartbeatFailure(monitorID string)

    // IsActiveMonitor reports whether info's monitor is still live.
    IsActiveMonitor(info Info) bool
}
