// Package engine runs asynchronous query and export jobs.
//
// The Executor accepts committed job records, queues them on a bounded
// execute pool and runs each through the Strategy registered for its kind.
// Every status transition goes through a keyed update pool so writes for a
// single job are applied in order, each in its own short store transaction.
// An in-flight registry guarantees a job ID executes at most once and lets
// callers cancel or wait on it.
package engine
