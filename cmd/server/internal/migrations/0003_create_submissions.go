package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0003, Down0003)
}

func Up0003(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE submissions (
    id UUID PRIMARY KEY DEFAULT uuidv7_sub_ms(),
    user_id UUID NOT NULL REFERENCES users (id),
    year INTEGER NOT NULL,
    stage TEXT NOT NULL,
    task_number INTEGER NOT NULL,
    image_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    score INTEGER DEFAULT NULL,
    abuse_score INTEGER DEFAULT NULL,
    feedback TEXT DEFAULT NULL,
    issue_type TEXT DEFAULT NULL,
    error_message TEXT DEFAULT NULL,
    meta JSONB DEFAULT NULL,
    archived_images JSONB DEFAULT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp
);
`)

	return err
}

func Down0003(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE submissions;`)
	return err
}
