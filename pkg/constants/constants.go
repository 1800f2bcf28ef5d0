// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single frame write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)

// Signaling constants
const (
	// SignalingTopicPrefix prefixes every per-call topic name
	SignalingTopicPrefix = "call:"

	// CallChangesTopic carries call record change events for notification fan-out
	CallChangesTopic = "changes:calls"

	// SubscriptionBuffer is the per-subscriber queue depth; messages beyond it are dropped
	SubscriptionBuffer = 64
)

// Cache constants
const (
	// DisplayNameCacheTTL bounds how stale a cached display name may be
	DisplayNameCacheTTL = 10 * time.Minute

	// DisplayNameCacheSize caps the number of cached display names
	DisplayNameCacheSize = 10000
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)
