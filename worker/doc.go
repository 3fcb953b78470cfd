// Package worker consumes jobs from the queue, runs them through the
// execution engine and settles each attempt.
//
// A classified result (including every user-caused failure) is stored and
// the job completes. An infrastructure error fails the attempt so the queue
// can retry it with backoff or dead-letter it once attempts are exhausted.
package worker
