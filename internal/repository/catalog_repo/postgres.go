package catalog_repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"
)

func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

type PostgresCatalog struct {
	db *sql.DB
}

func (c *PostgresCatalog) Upsert(ctx context.Context, e Entry) error {
	_, err := c.db.ExecContext(
		ctx,
		`
		INSERT INTO catalog_entries (
			key,
			size_bytes,
			fingerprint,
			content_type,
			owner_reference,
			modified_at
		) VALUES (
			$1,
			$2,
			$3,
			$4,
			$5,
			$6
		)
		ON CONFLICT (key) DO UPDATE SET
			size_bytes = EXCLUDED.size_bytes,
			fingerprint = EXCLUDED.fingerprint,
			content_type = EXCLUDED.content_type,
			owner_reference = EXCLUDED.owner_reference,
			modified_at = EXCLUDED.modified_at;
		`,
		e.Key,
		e.SizeBytes,
		e.Fingerprint,
		e.ContentType,
		nullableRef(e.OwnerReference),
		e.ModifiedTimestamp,
	)
	return err
}

func (c *PostgresCatalog) UpdateContent(ctx context.Context, key string, sizeBytes int64, fingerprint string, modified *time.Time) error {
	res, err := c.db.ExecContext(
		ctx,
		`
		UPDATE catalog_entries SET
			size_bytes = $2,
			fingerprint = $3,
			modified_at = $4
		WHERE key = $1;
		`,
		key,
		sizeBytes,
		fingerprint,
		modified,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PostgresCatalog) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM catalog_entries WHERE key = $1;`, key)
	return err
}

func (c *PostgresCatalog) GetByKey(ctx context.Context, key string) (*Entry, error) {
	row := c.db.QueryRowContext(
		ctx,
		`
		SELECT key, size_bytes, fingerprint, content_type, owner_reference, modified_at, created_at
		FROM catalog_entries
		WHERE key = $1;
		`,
		key,
	)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (c *PostgresCatalog) All(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(
		ctx,
		`
		SELECT key, size_bytes, fingerprint, content_type, owner_reference, modified_at, created_at
		FROM catalog_entries;
		`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e        Entry
		owner    sql.NullString
		modified sql.NullTime
	)
	err := row.Scan(
		&e.Key,
		&e.SizeBytes,
		&e.Fingerprint,
		&e.ContentType,
		&owner,
		&modified,
		&e.CreatedTimestamp,
	)
	if err != nil {
		return nil, err
	}
	if owner.Valid {
		e.OwnerReference = owner.String
	}
	if modified.Valid {
		t := modified.Time
		e.ModifiedTimestamp = &t
	}
	return &e, nil
}

func nullableRef(ref string) sql.NullString {
	return sql.NullString{String: ref, Valid: ref != ""}
}
