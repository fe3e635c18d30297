package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "strconv"
    "time"

    "go.uber.org/zap"

    "distq/pkg/codec"
    "distq/pkg/config"
    "distq/pkg/kv"
    "distq/pkg/model"
    "distq/pkg/monitor"
    "distq/pkg/observability"
    "distq/pkg/scheduler"
    "distq/pkg/taskrun"
)

// run wires config, logging, storage, and the scheduler, then dispatches
// to the requested subcommand. It is the entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("queuectl started", zap.String("app", cfg.AppName), zap.String("command", opts.Command))

    store := kv.NewMemStore()
    provider := monitor.NewLocal(cfg.NodeName, 10*time.Second, nil, logger)
    handlers := map[string]scheduler.HandlerFunc{
        "echo":  echoHandler(logger),
        "sleep": sleepHandler(logger),
    }

    sched, err := scheduler.Build(cfg.Scheduler, store, handlers, provider, logger)
    if err != nil {
        zap.L().Error("build scheduler", zap.Error(err))
        return 1
    }

    switch opts.Command {
    case "submit":
        return cmdSubmit(sched, opts.Args)
    case "status":
        return cmdStatus(sched, opts.Args)
    case "cancel":
        return cmdCancel(sched, opts.Args)
    case "dump":
        return cmdDump(sched, opts.Args)
    case "":
        _, _ = os.Stderr.WriteString("usage: queuectl [-config path] <submit|status|cancel|dump> [flags]\n")
        return 2
    default:
        _, _ = os.Stderr.WriteString("unknown command: " + opts.Command + "\n")
        return 2
    }
}

// echoHandler logs the task's update payload and finishes immediately.
func echoHandler(log *zap.Logger) scheduler.HandlerFunc {
    return func(c *taskrun.Context) (*model.Task, error) {
        task := c.Task()
        log.Info("echo task", zap.Int64("task", task.TaskID), zap.ByteString("payload", task.UpdateData))
        return nil, nil
    }
}

// sleepHandler sleeps for the duration encoded in the task's update
// payload (milliseconds as an ASCII integer, default 1s), checkpointing
// once before returning. It honors context cancellation.
func sleepHandler(log *zap.Logger) scheduler.HandlerFunc {
    return func(c *taskrun.Context) (*model.Task, error) {
        task := c.Task()
        d := time.Second
        if ms, err := strconv.Atoi(string(task.UpdateData)); err == nil && ms > 0 {
            d = time.Duration(ms) * time.Millisecond
        }
        if err := c.CommitCheckpoint([]byte("sleeping")); err != nil {
            return nil, err
        }
        select {
        case <-time.After(d):
            log.Info("sleep task done", zap.Int64("task", task.TaskID), zap.Duration("slept", d))
            return nil, nil
        case <-c.Context().Done():
            return nil, c.Context().Err()
        }
    }
}

func cmdSubmit(sched *scheduler.Scheduler, args []string) int {
    fs := flag.NewFlagSet("submit", flag.ExitOnError)
    entityType := fs.String("entity-type", "echo", "entity type (selects the handler)")
    entityID := fs.String("entity-id", "", "entity id")
    payload := fs.String("payload", "", "update payload passed to the handler")
    createdBy := fs.String("created-by", "queuectl", "creator identity recorded on the task")
    _ = fs.Parse(args)

    ctx := context.Background()
    task, err := sched.CreateTask().
        EntityType(*entityType).
        EntityID(*entityID).
        CreatedBy(*createdBy).
        Build(ctx)
    if err != nil {
        fmt.Fprintf(os.Stderr, "build task: %v\n", err)
        return 1
    }
    task.UpdateData = []byte(*payload)
    if err := sched.AddTask(ctx, task); err != nil {
        fmt.Fprintf(os.Stderr, "add task: %v\n", err)
        return 1
    }
    fmt.Printf("submitted task %d\n", task.TaskID)
    return 0
}

func cmdStatus(sched *scheduler.Scheduler, args []string) int {
    fs := flag.NewFlagSet("status", flag.ExitOnError)
    taskID := fs.Int64("task", 0, "task id")
    _ = fs.Parse(args)

    task, err := sched.GetTask(context.Background(), *taskID)
    if err != nil {
        fmt.Fprintf(os.Stderr, "get task: %v\n", err)
        return 1
    }
    fmt.Printf("task %d: state=%s monitor=%q entity=%s/%s canceledBy=%q error=%q\n",
        task.TaskID, task.State.String(), task.MonitorID, task.EntityType, task.EntityID, task.CanceledBy, task.ErrorMessage)
    return 0
}

func cmdCancel(sched *scheduler.Scheduler, args []string) int {
    fs := flag.NewFlagSet("cancel", flag.ExitOnError)
    taskID := fs.Int64("task", 0, "task id")
    by := fs.String("by", "queuectl", "canceling identity recorded on the task")
    _ = fs.Parse(args)

    if err := sched.CancelTask(context.Background(), *by, *taskID); err != nil {
        fmt.Fprintf(os.Stderr, "cancel task: %v\n", err)
        return 1
    }
    fmt.Printf("canceled task %d\n", *taskID)
    return 0
}

func cmdDump(sched *scheduler.Scheduler, args []string) int {
    fs := flag.NewFlagSet("dump", flag.ExitOnError)
    format := fs.String("format", "json", "output format: json, cbor, or proto")
    entityType := fs.String("entity-type", "", "restrict the dump to one entity type")
    _ = fs.Parse(args)

    registry := codec.NewRegistry()
    cb, err := codec.CBOR()
    if err != nil {
        fmt.Fprintf(os.Stderr, "init cbor codec: %v\n", err)
        return 1
    }
    registry.Register(cb)

    contentType := map[string]string{
        "json":  "application/json",
        "cbor":  "application/cbor",
        "proto": "application/x-protobuf",
    }[*format]
    c := registry.Get(contentType)
    if c == nil {
        fmt.Fprintf(os.Stderr, "unknown format: %s\n", *format)
        return 2
    }

    ctx := context.Background()
    var tasks []*model.Task
    if *entityType != "" {
        tasks, _, err = sched.QueryByEntityType(ctx, *entityType, kv.Page{})
    } else {
        tasks, _, err = sched.AllTasks(ctx, kv.Page{})
    }
    if err != nil {
        fmt.Fprintf(os.Stderr, "query tasks: %v\n", err)
        return 1
    }

    for _, task := range tasks {
        out, err := c.Marshal(task)
        if err != nil {
            fmt.Fprintf(os.Stderr, "marshal task %d: %v\n", task.TaskID, err)
            continue
        }
        fmt.Printf("%d: %s\n", task.TaskID, out)
    }
    return 0
}
