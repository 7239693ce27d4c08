package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0004, Down0004)
}

// Rolling window admission queries filter on created_at, per user and
// globally. Without these the count query walks the whole table.
func Up0004(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE INDEX idx_submissions_created_at ON submissions (created_at);
`)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
CREATE INDEX idx_submissions_user_created_at ON submissions (user_id, created_at);
`)

	return err
}

func Down0004(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP INDEX idx_submissions_user_created_at;`)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DROP INDEX idx_submissions_created_at;`)
	return err
}
