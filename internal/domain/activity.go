// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Window is a bounded lookback over a subscriber's activity.
// The detection rules only ever use these three windows.
type Window string

const (
	Window1h  Window = "1h"
	Window24h Window = "24h"
	Window7d  Window = "7d"
)

// Duration returns the wall-clock length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case Window1h:
		return time.Hour
	case Window24h:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// ActivityRecord is one call/SMS/data session (CDR view) for a subscriber.
// Records are immutable; the engine never writes back to them.
type ActivityRecord struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriberId"` // MSISDN
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	Duration     int       `json:"duration"` // seconds

	// Financial details
	Cost     float64 `json:"cost"`
	Currency string  `json:"currency"`

	// Location, when the network captured it
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	CellTower string   `json:"cellTower,omitempty"`

	International bool `json:"international"`
	Roaming       bool `json:"roaming"`
}

// HasLocation reports whether the record carries both coordinates.
func (r *ActivityRecord) HasLocation() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// ActivityStore is the subscriber activity source consumed by the rules.
// Implementations must return records ordered newest-first; the location
// and device rules depend on that ordering.
type ActivityStore interface {
	// GetRecentActivity returns the subscriber's records with a start time
	// inside the window, newest first.
	GetRecentActivity(ctx context.Context, subscriberID string, window Window) ([]ActivityRecord, error)

	// SaveActivity persists a batch of records.
	SaveActivity(ctx context.Context, records []ActivityRecord) error

	// ListSubscribers returns the distinct subscriber IDs seen in the window.
	ListSubscribers(ctx context.Context, window Window) ([]string, error)

	// Custom rule configuration operations
	SaveCustomRule(ctx context.Context, rule *CustomRuleConfig) error
	GetCustomRule(ctx context.Context, ruleID string) (*CustomRuleConfig, error)
	ListCustomRules(ctx context.Context) ([]*CustomRuleConfig, error)
	DeleteCustomRule(ctx context.Context, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CustomRuleConfig is an operator-defined detection rule evaluated as a CEL
// expression over a subscriber's aggregate activity features.
type CustomRuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Expression is a CEL expression over the activity feature snapshot.
	// Bool expressions fire at Score; numeric expressions fire when > 0
	// and use their own value as the score.
	Expression string `json:"expression"`

	// Score used when Expression is boolean (0-100).
	Score float64 `json:"score"`

	// Confidence attached to alerts from this rule (0.0-1.0).
	Confidence float64 `json:"confidence"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// StoreConfig holds configuration for activity store initialization.
type StoreConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
