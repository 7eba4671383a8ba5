// cmd/converge/main.go
//
// This is the entry point for the converge CLI.
// When you run `converge` from a project directory, this is what executes.
//
// Flow:
// 1. Parse the command line with cobra
// 2. The chosen command opens the .converge workspace (config, logs, events)
// 3. Errors are printed as JSON on stderr and recorded as command_error events

package main

import "os"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
