// Package redis provides distributed lock implementations using Redis.
//
// This package implements the lock.Locker and lock.RWLocker interfaces using
// Redis as the backend. It uses the Redlock algorithm for exclusive locks and
// Redis hashes of reader IDs for read-write locks.
//
// Features:
//   - Redlock algorithm for distributed exclusive locks, quorum-checked
//     across every configured node
//   - Retry with exponential backoff and jitter (github.com/shardcast/shardcast/pkg/lock.RetryConfig)
//   - Circuit breaker for Redis health monitoring
//   - Optional degraded mode (fallback to local locks)
package redis

import "errors"

// Errors returned by Redis lock operations.
var (
	ErrNoRedisAddrs            = errors.New("at least one Redis address is required")
	ErrInsufficientNodesQuorum = errors.New("insufficient Redis nodes reachable for Redlock quorum")
	ErrCircuitBreakerOpen      = errors.New("circuit breaker open: Redis is unavailable")
	ErrWriteLockHeld           = errors.New("write lock already held")
	ErrReadersTimeout          = errors.New("timeout waiting for readers to finish")
	ErrWriteLockTimeout        = errors.New("timeout waiting for write lock to clear")
)

// Circuit breaker states.
const (
	stateOpen   = "open"
	stateClosed = "closed"
)

// Config holds Redis configuration for distributed locking.
type Config struct {
	// Addrs is a list of Redis server addresses. NewLocker connects to every
	// one of them for Redlock HA; NewRWLocker uses a cluster client when more
	// than one address is given.
	Addrs []string

	// Username for authentication (optional, required for Redis ACL).
	Username string

	// Password for authentication (optional).
	Password string

	// DB is the Redis database number.
	DB int

	// UseTLS enables a TLS connection to every node.
	UseTLS bool

	// PoolSize is the maximum number of socket connections per node.
	PoolSize int

	// KeyPrefix for all distributed lock keys. Defaults to "ncps:lock:".
	KeyPrefix string
}
