package main

import "flag"

// Options holds CLI options for queuectl, shared across every subcommand.
type Options struct {
    ConfigPath string
    Command    string
    Args       []string
}

// ParseFlags parses CLI flags from args and returns Options. The first
// non-flag argument selects the subcommand (submit, status, cancel, dump);
// everything after it is passed through for the subcommand's own flags.
func ParseFlags(args []string) Options {
    fs := flag.NewFlagSet("queuectl", flag.ExitOnError)
    var opts Options
    fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
    _ = fs.Parse(args)

    rest := fs.Args()
    if len(rest) > 0 {
        opts.Command = rest[0]
        opts.Args = rest[1:]
    }
    return opts
}
