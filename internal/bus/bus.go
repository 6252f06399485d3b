package bus

import (
	"context"
	"fmt"
	"time"
)

// Bus is the cross-replica publish/subscribe abstraction. It is not
// authoritative state; all durable truth lives in the database. When no
// bus is configured (or Redis is unreachable) the in-process LocalBus
// stands in and the system runs in single-replica mode.
type Bus interface {
	// Publish sends payload to every subscriber of channel, fleet-wide.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel of payloads and a cancel function.
	// Payloads arrive in publication order per publisher.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	// SetKey writes a volatile key with a TTL.
	SetKey(ctx context.Context, key, value string, ttl time.Duration) error

	// GetKey reads a key; the bool reports presence.
	GetKey(ctx context.Context, key string) (string, bool, error)

	// DeleteKey removes a key.
	DeleteKey(ctx context.Context, key string) error

	// Keys lists keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// AcquireLock takes a best-effort TTL lock. The bool reports success;
	// the release function is a no-op when acquisition failed.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, func(), error)

	// Distributed reports whether publishes reach other replicas.
	Distributed() bool

	Close() error
}

// Channel and key naming. These are the shared vocabulary between
// replicas; every component goes through these helpers.

// ContestChannel is the per-contest lifecycle fan-out channel
func ContestChannel(contestID string) string {
	return fmt.Sprintf("channel:contest:%s", contestID)
}

// AgentResponseChannel is the short-lived reply path for one request
func AgentResponseChannel(requestID string) string {
	return fmt.Sprintf("channel:agent_response:%s", requestID)
}

// ReplicaInbox is the per-replica inbox for cross-replica agent requests
func ReplicaInbox(replicaID string) string {
	return fmt.Sprintf("inbox:replica:%s", replicaID)
}

// AgentConnectedKey locates the replica owning an agent's socket
func AgentConnectedKey(agentID string) string {
	return fmt.Sprintf("key:agent_connected:%s", agentID)
}

// SpectatorsKey holds one replica's local viewer count for a contest
func SpectatorsKey(contestID, replicaID string) string {
	return fmt.Sprintf("key:spectators:%s:%s", contestID, replicaID)
}

// SpectatorsPattern matches every replica's viewer count for a contest
func SpectatorsPattern(contestID string) string {
	return fmt.Sprintf("key:spectators:%s:*", contestID)
}

// RecoveryLockKey arbitrates single-replica ownership of a recovery
func RecoveryLockKey(contestID string) string {
	return fmt.Sprintf("lock:recovery:%s", contestID)
}

// TTLs for the soft single-writer assertions
const (
	AgentConnectedTTL = 120 * time.Second
	SpectatorCountTTL = 60 * time.Second
	RecoveryLockTTL   = 30 * time.Second
)
