package scheduler

import (
    "context"
    "errors"
    "strings"

    "distq/pkg/kv"
    "distq/pkg/model"
)

// ErrNotFound is returned by GetTask when no task exists with the given ID.
var ErrNotFound = errors.New("scheduler: task not found")

// GetTask fetches one task by ID.
func (s *Scheduler) GetTask(ctx context.Context, taskID int64) (*model.Task, error) {
    rec, ok, err := s.store.Get(ctx, model.TasksTable, kv.SortKey(taskID), "")
    if err != nil {
        return nil, err
    }
    if !ok {
        return nil, ErrNotFound
    }
    return model.DecodeTask(rec)
}

// QueryByEntityType returns a page of tasks of the given entity type,
// ordered by entityID then taskID.
func (s *Scheduler) QueryByEntityType(ctx context.Context, entityType string, page kv.Page) ([]*model.Task, string, error) {
    return s.queryIndex(ctx, model.ByEntityIndex, entityType, page)
}

// QueryNonTerminalByEntityType is QueryByEntityType restricted to tasks
// that haven't yet reached a terminal state.
func (s *Scheduler) QueryNonTerminalByEntityType(ctx context.Context, entityType string, page kv.Page) ([]*model.Task, string, error) {
    return s.queryIndex(ctx, model.ByNonTerminalEntityIndex, entityType, page)
}

// QueryByEntityTypeAndIDPrefix returns tasks of entityType whose entityID
// begins with idPrefix. The underlying index is ordered by the compound
// entityID@taskID range key, so this pages the index and filters
// client-side rather than relying on a native prefix query.
func (s *Scheduler) QueryByEntityTypeAndIDPrefix(ctx context.Context, entityType, idPrefix string, page kv.Page) ([]*model.Task, string, error) {
    return s.queryIndexWithPrefix(ctx, model.ByEntityIndex, entityType, idPrefix, page)
}

// QueryNonTerminalByEntityTypeAndIDPrefix is QueryByEntityTypeAndIDPrefix
// restricted to non-terminal tasks.
func (s *Scheduler) QueryNonTerminalByEntityTypeAndIDPrefix(ctx context.Context, entityType, idPrefix string, page kv.Page) ([]*model.Task, string, error) {
    return s.queryIndexWithPrefix(ctx, model.ByNonTerminalEntityIndex, entityType, idPrefix, page)
}

// AllNonTerminal pages every task across every entity type that hasn't
// reached a terminal state yet.
func (s *Scheduler) AllNonTerminal(ctx context.Context, page kv.Page) ([]*model.Task, string, error) {
    res, err := s.store.ScanByIndex(ctx, model.TasksTable, model.ByNonTerminalEntityIndex, page)
    if err != nil {
        return nil, "", err
    }
    tasks, err := decodeAll(res.Items)
    return tasks, res.NextToken, err
}

// AllTasks pages every task regardless of state.
func (s *Scheduler) AllTasks(ctx context.Context, page kv.Page) ([]*model.Task, string, error) {
    res, err := s.store.ScanByIndex(ctx, model.TasksTable, model.ByEntityIndex, page)
    if err != nil {
        return nil, "", err
    }
    tasks, err := decodeAll(res.Items)
    return tasks, res.NextToken, err
}

func (s *Scheduler) queryIndex(ctx context.Context, index, hashKey string, page kv.Page) ([]*model.Task, string, error) {
    res, err := s.store.QueryByIndex(ctx, model.TasksTable, index, hashKey, page)
    if err != nil {
        return nil, "", err
    }
    tasks, err := decodeAll(res.Items)
    return tasks, res.NextToken, err
}

func (s *Scheduler) queryIndexWithPrefix(ctx context.Context, index, hashKey, idPrefix string, page kv.Page) ([]*model.Task, string, error) {
    res, err := s.store.QueryByIndex(ctx, model.TasksTable, index, hashKey, page)
    if err != nil {
        return nil, "", err
    }
    tasks, err := decodeAll(res.Items)
    if err != nil {
        return nil, "", err
    }
    out := make([]*model.Task, 0, len(tasks))
    for _, t := range tasks {
        if strings.HasPrefix(t.EntityID, idPrefix) {
            out = append(out, t)
        }
    }
    return out, res.NextToken, nil
}

func decodeAll(items []kv.Record) ([]*model.Task, error) {
    out := make([]*model.Task, 0, len(items))
    for _, rec := range items {
        task, err := model.DecodeTask(rec)
        if err != nil {
            return nil, err
        }
        out = append(out, task)
    }
    return out, nil
}
