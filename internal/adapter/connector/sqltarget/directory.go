package sqltarget

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
)

// Directory is a connector.Directory backed by a Postgres table. Applied
// idempotency keys are recorded in a companion table inside the same
// transaction as the write.
type Directory struct {
	pool    *pgxpool.Pool
	table   string
	applied string
}

// Open connects to dsn. The pool connects lazily.
func Open(ctx context.Context, dsn, table string) (*Directory, error) {
	if table == "" {
		table = "directory_entities"
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return New(pool, table), nil
}

func New(pool *pgxpool.Pool, table string) *Directory {
	return &Directory{
		pool:    pool,
		table:   pgx.Identifier{table}.Sanitize(),
		applied: pgx.Identifier{table + "_applied_writes"}.Sanitize(),
	}
}

// EnsureSchema creates the entity and idempotency tables if missing.
func (d *Directory) EnsureSchema(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			ref         TEXT PRIMARY KEY,
			key         TEXT NOT NULL,
			link        TEXT NOT NULL DEFAULT '',
			attributes  JSONB NOT NULL DEFAULT '{}',
			deleted     BOOLEAN NOT NULL DEFAULT FALSE,
			modified_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (key);
		CREATE TABLE IF NOT EXISTS %[2]s (
			idempotency_key TEXT PRIMARY KEY,
			applied_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, d.table, d.applied, pgx.Identifier{"idx_" + unquote(d.table) + "_key"}.Sanitize()))
	return err
}

func (d *Directory) Close() {
	d.pool.Close()
}

const selectColumns = "ref, key, link, attributes, deleted, modified_at"

func scanEntity(row pgx.Row) (connector.Entity, error) {
	var e connector.Entity
	err := row.Scan(&e.Ref, &e.Key, &e.Link, &e.Attributes, &e.Deleted, &e.ModifiedAt)
	return e, err
}

func (d *Directory) Scan(ctx context.Context, req connector.ScanRequest) iter.Seq2[connector.Entity, error] {
	return func(yield func(connector.Entity, error) bool) {
		rows, err := d.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE $1::timestamptz IS NULL OR modified_at > $1 ORDER BY ref`, selectColumns, d.table),
			req.Since,
		)
		if err != nil {
			yield(connector.Entity{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntity(rows)
			if !yield(e, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(connector.Entity{}, err)
		}
	}
}

func (d *Directory) Fetch(ctx context.Context, keys []string) ([]connector.Entity, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := d.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE key = ANY($1) ORDER BY ref`, selectColumns, d.table),
		keys,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (connector.Entity, error) {
		return scanEntity(row)
	})
}

func (d *Directory) Observe(ctx context.Context, ref string) (*connector.Entity, error) {
	row := d.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE ref = $1 AND NOT deleted`, selectColumns, d.table),
		ref,
	)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (d *Directory) Apply(ctx context.Context, req connector.ApplyRequest) connector.Result {
	attrs, link := splitLink(req.Payload)

	var result connector.Result
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		var (
			tag pgconn.CommandTag
			err error
		)
		if req.IdempotencyKey != "" {
			tag, err = tx.Exec(ctx,
				fmt.Sprintf(`INSERT INTO %s (idempotency_key) VALUES ($1) ON CONFLICT DO NOTHING`, d.applied),
				req.IdempotencyKey,
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				result = connector.Applied("already applied")
				return nil
			}
		}

		now := time.Now().UTC()
		switch req.Kind {
		case connector.ApplyCreate:
			_, err = tx.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %s (ref, key, link, attributes, deleted, modified_at)
				VALUES ($1, $1, COALESCE($2, ''), $3, FALSE, $4)
				ON CONFLICT (ref) DO UPDATE
				SET attributes = EXCLUDED.attributes, link = EXCLUDED.link, deleted = FALSE, modified_at = EXCLUDED.modified_at`, d.table),
				req.Ref, link, attrs, now)
			result = connector.Applied("created")
		case connector.ApplyUpdate:
			tag, err = tx.Exec(ctx, fmt.Sprintf(`
				UPDATE %s SET attributes = attributes || $2::jsonb, link = COALESCE($3, link), modified_at = $4
				WHERE ref = $1 AND NOT deleted`, d.table),
				req.Ref, attrs, link, now)
			if err == nil && tag.RowsAffected() == 0 {
				return &notFoundError{ref: req.Ref}
			}
			result = connector.Applied("updated")
		case connector.ApplyDelete:
			_, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET deleted = TRUE, modified_at = $2 WHERE ref = $1`, d.table), req.Ref, now)
			result = connector.Applied("deleted")
		default:
			return &notFoundError{ref: req.Ref, kind: string(req.Kind)}
		}
		return err
	})
	if err != nil {
		return connector.Failed(classify(err), err.Error())
	}
	return result
}

func splitLink(payload connector.Attributes) (connector.Attributes, *string) {
	attrs := connector.Attributes{}
	var link *string
	for k, v := range payload {
		if k == connector.LinkAttribute {
			v := v
			link = &v
			continue
		}
		attrs[k] = v
	}
	return attrs, link
}

type notFoundError struct {
	ref  string
	kind string
}

func (e *notFoundError) Error() string {
	if e.kind != "" {
		return "unsupported write " + e.kind
	}
	return "entity " + e.ref + " not found"
}

func classify(err error) connector.FailureKind {
	var nf *notFoundError
	if errors.As(err, &nf) {
		return connector.FailurePermanent
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return connector.FailureTransient
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "23" || pgErr.Code[:2] == "22"):
			return connector.FailurePermanent
		}
	}
	return connector.FailureTransient
}

func unquote(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}
