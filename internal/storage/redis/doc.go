// Package redis opens the shared go-redis client used by the epoch clock and
// the governance sweep queue.
package redis
