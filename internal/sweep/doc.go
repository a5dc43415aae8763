// Package sweep drives time-based work that must happen even when nobody
// reads the affected state: closing governance votes, activating passed
// proposals and releasing per-epoch rewards.
//
// The Sweeper publishes jobs to a Queue (in-memory, Redis list or RabbitMQ)
// and the Processor consumes them with a worker pool. Every job is
// idempotent, so duplicated or redelivered messages are harmless.
package sweep
