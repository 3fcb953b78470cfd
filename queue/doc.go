// Package queue is a durable priority job queue stored in Redis.
//
// Jobs wait in a sorted set ordered by priority (lower runs first) with ties
// broken by submission order. Reserve hands a job to exactly one worker under
// a lease token; the worker then completes it, fails it, or lets the lease
// expire. Failed attempts are retried after an exponential backoff until the
// job's attempt budget is spent, after which the job is kept in the failed
// set and a dead-letter notification is raised. Completed jobs are pruned.
//
// All state transitions run as Lua scripts so they are atomic with respect
// to other workers.
package queue
