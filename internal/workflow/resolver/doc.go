// Package resolver turns raw edge checklists into fully resolved check
// descriptors. Placeholders of the form `$a.b.c` are substituted textually
// against the project's constraints document; anything that cannot be
// resolved is left in place and reported so evaluators can skip the check
// instead of running a half-configured command.
package resolver
