package record_repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

func NewPostgresRecords(db *sql.DB) *PostgresRecords {
	return &PostgresRecords{db: db}
}

type PostgresRecords struct {
	db *sql.DB
}

func (r *PostgresRecords) FindByReference(ctx context.Context, reference string) (*Record, error) {
	rec := Record{Reference: reference}
	err := r.db.QueryRowContext(
		ctx,
		`SELECT image_keys FROM obituaries WHERE reference = $1;`,
		reference,
	).Scan(pq.Array(&rec.ImageKeys))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresRecords) Create(ctx context.Context, reference string) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO obituaries (reference) VALUES ($1) ON CONFLICT (reference) DO NOTHING;`,
		reference,
	)
	return err
}

func (r *PostgresRecords) AppendImageKey(ctx context.Context, reference, key string) error {
	_, err := r.db.ExecContext(
		ctx,
		`
		UPDATE obituaries
		SET image_keys = array_append(image_keys, $2)
		WHERE reference = $1 AND NOT ($2 = ANY (image_keys));
		`,
		reference,
		key,
	)
	return err
}

func (r *PostgresRecords) RemoveImageKey(ctx context.Context, reference, key string) error {
	_, err := r.db.ExecContext(
		ctx,
		`
		UPDATE obituaries
		SET image_keys = array_remove(image_keys, $2)
		WHERE reference = $1;
		`,
		reference,
		key,
	)
	return err
}
