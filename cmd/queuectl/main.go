// Command queuectl is a demo CLI wiring distq's scheduler library: it
// registers two example task handlers (echo, sleep) over an in-memory
// store and exposes submit/status/cancel/dump subcommands for interactive
// exploration. It is not part of the scheduler's public API surface.
package main

import "os"

func main() {
    os.Exit(run(ParseFlags(os.Args[1:])))
}
