// Package procgroup runs shell commands in their own process group so a
// timeout kills every process the shell forked, not just the shell.
package procgroup
