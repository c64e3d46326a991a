package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaCallRecords = `
CREATE TABLE IF NOT EXISTS call_records (
    id TEXT PRIMARY KEY,
    subscriber_id TEXT NOT NULL,
    start_time TIMESTAMP NOT NULL,
    end_time TIMESTAMP NOT NULL,
    duration INTEGER NOT NULL,
    cost REAL NOT NULL DEFAULT 0,
    currency TEXT NOT NULL DEFAULT 'USD',
    latitude REAL,
    longitude REAL,
    cell_tower TEXT,
    international INTEGER NOT NULL DEFAULT 0,
    roaming INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_call_records_subscriber ON call_records(subscriber_id);
CREATE INDEX IF NOT EXISTS idx_call_records_start_time ON call_records(subscriber_id, start_time);
`

const schemaCustomRules = `
CREATE TABLE IF NOT EXISTS custom_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    score REAL NOT NULL DEFAULT 50,
    confidence REAL NOT NULL DEFAULT 0.7,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_custom_rules_enabled ON custom_rules(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCallRecords,
		schemaCustomRules,
	}
}
