// Package repository provides the SQL-backed activity store.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-telecom/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLStore implements domain.ActivityStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// New creates a new activity store based on configuration.
func New(cfg domain.StoreConfig) (domain.ActivityStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &SQLStore{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// GetRecentActivity returns the subscriber's records inside the window,
// newest first. The location and device rules depend on that ordering.
func (s *SQLStore) GetRecentActivity(ctx context.Context, subscriberID string, window domain.Window) ([]domain.ActivityRecord, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("%w: subscriberID is required", ErrInvalidInput)
	}

	since := time.Now().UTC().Add(-window.Duration())

	query := `
		SELECT id, subscriber_id, start_time, end_time, duration,
			   cost, currency, latitude, longitude, cell_tower,
			   international, roaming
		FROM call_records
		WHERE subscriber_id = ? AND start_time >= ?
		ORDER BY start_time DESC
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), subscriberID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ActivityRecord
	for rows.Next() {
		var rec domain.ActivityRecord
		var lat, lon sql.NullFloat64
		var tower sql.NullString
		var international, roaming int

		if err := rows.Scan(
			&rec.ID, &rec.SubscriberID, &rec.StartTime, &rec.EndTime, &rec.Duration,
			&rec.Cost, &rec.Currency, &lat, &lon, &tower,
			&international, &roaming,
		); err != nil {
			return nil, err
		}

		if lat.Valid && lon.Valid {
			rec.Latitude = &lat.Float64
			rec.Longitude = &lon.Float64
		}
		if tower.Valid {
			rec.CellTower = tower.String
		}
		rec.International = international == 1
		rec.Roaming = roaming == 1

		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveActivity persists a batch of records inside one transaction.
func (s *SQLStore) SaveActivity(ctx context.Context, records []domain.ActivityRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO call_records (
			id, subscriber_id, start_time, end_time, duration,
			cost, currency, latitude, longitude, cell_tower,
			international, roaming
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stmt, err := tx.PrepareContext(ctx, s.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.ID == "" || rec.SubscriberID == "" {
			return fmt.Errorf("%w: record ID and subscriberID are required", ErrInvalidInput)
		}

		var lat, lon sql.NullFloat64
		if rec.Latitude != nil {
			lat = sql.NullFloat64{Float64: *rec.Latitude, Valid: true}
		}
		if rec.Longitude != nil {
			lon = sql.NullFloat64{Float64: *rec.Longitude, Valid: true}
		}

		var tower sql.NullString
		if rec.CellTower != "" {
			tower = sql.NullString{String: rec.CellTower, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.SubscriberID, rec.StartTime.UTC(), rec.EndTime.UTC(), rec.Duration,
			rec.Cost, rec.Currency, lat, lon, tower,
			boolToInt(rec.International), boolToInt(rec.Roaming),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListSubscribers returns the distinct subscriber IDs with activity in the
// window, used by the batch sweeps.
func (s *SQLStore) ListSubscribers(ctx context.Context, window domain.Window) ([]string, error) {
	since := time.Now().UTC().Add(-window.Duration())

	query := `
		SELECT DISTINCT subscriber_id
		FROM call_records
		WHERE start_time >= ?
		ORDER BY subscriber_id
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// SaveCustomRule stores or updates an operator-defined rule.
func (s *SQLStore) SaveCustomRule(ctx context.Context, rule *domain.CustomRuleConfig) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule ID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO custom_rules (
			id, name, description, expression, score, confidence, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			score = excluded.score,
			confidence = excluded.confidence,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		rule.Score, rule.Confidence, boolToInt(rule.Enabled),
		now, now,
	)
	return err
}

// GetCustomRule retrieves an operator-defined rule by ID.
func (s *SQLStore) GetCustomRule(ctx context.Context, ruleID string) (*domain.CustomRuleConfig, error) {
	query := `
		SELECT id, name, description, expression, score, confidence, enabled, created_at, updated_at
		FROM custom_rules
		WHERE id = ?
	`

	var rule domain.CustomRuleConfig
	var enabled int

	err := s.db.QueryRowContext(ctx, s.rebind(query), ruleID).Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.Expression,
		&rule.Score, &rule.Confidence, &enabled,
		&rule.CreatedAt, &rule.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	return &rule, nil
}

// ListCustomRules retrieves every operator-defined rule, enabled or not.
func (s *SQLStore) ListCustomRules(ctx context.Context) ([]*domain.CustomRuleConfig, error) {
	query := `
		SELECT id, name, description, expression, score, confidence, enabled, created_at, updated_at
		FROM custom_rules
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.CustomRuleConfig
	for rows.Next() {
		var rule domain.CustomRuleConfig
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Name, &rule.Description, &rule.Expression,
			&rule.Score, &rule.Confidence, &enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Enabled = enabled == 1
		configs = append(configs, &rule)
	}

	return configs, rows.Err()
}

// DeleteCustomRule removes an operator-defined rule.
func (s *SQLStore) DeleteCustomRule(ctx context.Context, ruleID string) error {
	query := `DELETE FROM custom_rules WHERE id = ?`

	result, err := s.db.ExecContext(ctx, s.rebind(query), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
