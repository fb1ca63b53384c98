// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a signaling socket may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// RequestTimeout bounds a single REST request
	RequestTimeout = 15 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 5 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 30 * time.Second
)

// Presence and directory caching
const (
	// PresenceTTL is how long a presence key lives without a refresh
	PresenceTTL = 5 * time.Minute

	// DirectoryCacheTTL is how long a conversation member list stays cached
	DirectoryCacheTTL = 5 * time.Minute
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Call history pagination
const (
	// DefaultHistoryPageSize is the number of history records returned when no limit is given
	DefaultHistoryPageSize = 50

	// MaxHistoryPageSize caps a single history page
	MaxHistoryPageSize = 100
)

// Call timers
const (
	// RingTimeout is how long invitees may ring before the invitation lapses
	RingTimeout = 25 * time.Second

	// ConnectTimeout is how long an accepted call may go without any connected peer
	ConnectTimeout = 30 * time.Second

	// DisconnectGrace is how long a disconnected peer may take to recover
	DisconnectGrace = 30 * time.Second

	// FailedGrace is the wait before removing a peer whose ICE restarts were exhausted
	FailedGrace = 3 * time.Second

	// NegotiationRetry is the backoff before retrying a negotiation that found the link unstable
	NegotiationRetry = 100 * time.Millisecond

	// MaxICERestarts bounds automatic ICE restarts per peer
	MaxICERestarts = 2
)
