// Package engine runs one submission inside a sandbox and classifies the outcome.
//
// Execute stages the source into a fresh directory, creates a sandbox with
// that directory mounted read-only, streams the program output through a
// Governor, and races natural exit against the job timeout. The result is a
// classified Result for anything the submitted program caused (success,
// timeout, output flood, fork bomb, denied write) or an error for failures
// of the sandbox infrastructure itself. The sandbox and the staging
// directory are always removed before Execute returns.
package engine
