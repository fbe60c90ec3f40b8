// Package sqlite provides a SQLite-backed catalog.Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"eventlake/internal/catalog"
)

// Fixed-width so text comparison orders like time comparison.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store is a SQLite-backed catalog.Store.
type Store struct {
	db   *sql.DB
	path string
}

var _ catalog.Store = (*Store)(nil)

// NewStore opens (or creates) the database at path and runs migrations.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isUniqueViolation matches SQLite's constraint error text; modernc does
// not expose typed constraint codes through database/sql.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func orderClause(opts catalog.ListOptions, columns map[string]string, def string) (string, error) {
	col := def
	if opts.SortBy != "" {
		c, ok := columns[opts.SortBy]
		if !ok {
			return "", catalog.ErrBadSort
		}
		col = c
	}
	dir := "ASC"
	if opts.Desc {
		dir = "DESC"
	}
	clause := fmt.Sprintf(" ORDER BY %s %s, id ASC", col, dir)
	if opts.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
	} else if opts.Offset > 0 {
		clause += fmt.Sprintf(" LIMIT -1 OFFSET %d", opts.Offset)
	}
	return clause, nil
}

// Collections

const collectionColumns = "id, name, description, time_field, datalake_id, last_entry_at, created_at, updated_at, deleted_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(r rowScanner) (*catalog.Collection, error) {
	var (
		c                    catalog.Collection
		id, created, updated string
		lastEntry, deleted   sql.NullString
	)
	if err := r.Scan(&id, &c.Name, &c.Description, &c.TimeField, &c.DatalakeID, &lastEntry, &created, &updated, &deleted); err != nil {
		return nil, err
	}
	var err error
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse collection id %q: %w", id, err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if c.LastEntryAt, err = parseNullTime(lastEntry); err != nil {
		return nil, err
	}
	if c.DeletedAt, err = parseNullTime(deleted); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCollection(ctx context.Context, c catalog.Collection) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (`+collectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		c.ID.String(), c.Name, c.Description, c.TimeField, c.DatalakeID,
		nullTime(c.LastEntryAt), formatTime(c.CreatedAt), formatTime(c.CreatedAt))
	if isUniqueViolation(err) {
		return catalog.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert collection: %w", err)
	}
	return nil
}

func (s *Store) GetCollection(ctx context.Context, id uuid.UUID) (*catalog.Collection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE id = ? AND deleted_at IS NULL`, id.String())
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	return c, nil
}

func (s *Store) FindCollection(ctx context.Context, idOrName string) (*catalog.Collection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections
		 WHERE (id = ? OR name = ?) AND deleted_at IS NULL
		 ORDER BY id = ? DESC LIMIT 1`, idOrName, idOrName, idOrName)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find collection: %w", err)
	}
	return c, nil
}

func (s *Store) UpdateCollection(ctx context.Context, c catalog.Collection) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE collections SET name = ?, description = ?, time_field = ?, datalake_id = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		c.Name, c.Description, c.TimeField, c.DatalakeID, formatTime(time.Now()), c.ID.String())
	if isUniqueViolation(err) {
		return catalog.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update collection: %w", err)
	}
	return expectOne(res, "collection", c.ID)
}

func (s *Store) AdvanceLastEntry(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE collections SET last_entry_at = ?1
		 WHERE id = ?2 AND (last_entry_at IS NULL OR last_entry_at < ?1)`,
		formatTime(at), id.String())
	if err != nil {
		return fmt.Errorf("advance last entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM collections WHERE id = ?`, id.String()).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.NotFound("collection", id.String())
		}
		return err
	}
	return nil
}

func (s *Store) DeleteCollection(ctx context.Context, id uuid.UUID, hard bool) error {
	var (
		res sql.Result
		err error
	)
	if hard {
		res, err = s.db.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id.String())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE collections SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
			formatTime(time.Now()), id.String())
	}
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return expectOne(res, "collection", id)
}

func (s *Store) CountCollections(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE deleted_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count collections: %w", err)
	}
	return n, nil
}

var collectionSorts = map[string]string{
	catalog.SortName:        "name",
	catalog.SortCreatedAt:   "created_at",
	catalog.SortLastEntryAt: "last_entry_at",
}

func (s *Store) ListCollections(ctx context.Context, opts catalog.ListOptions) ([]catalog.Collection, error) {
	order, err := orderClause(opts, collectionSorts, "name")
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + collectionColumns + ` FROM collections`
	if !opts.IncludeDeleted {
		q += ` WHERE deleted_at IS NULL`
	}
	rows, err := s.db.QueryContext(ctx, q+order)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()
	var out []catalog.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Batches

const batchColumns = "id, collection_id, ingested_at, num_events, min_occurred_at, max_occurred_at, hash, archive_url, size_bytes, deleted_at"

func scanBatch(r rowScanner) (*catalog.Batch, error) {
	var (
		b                            catalog.Batch
		id, collID, ingested, lo, hi string
		deleted                      sql.NullString
	)
	if err := r.Scan(&id, &collID, &ingested, &b.NumEvents, &lo, &hi, &b.Hash, &b.ArchiveURL, &b.SizeBytes, &deleted); err != nil {
		return nil, err
	}
	var err error
	if b.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse batch id %q: %w", id, err)
	}
	if b.CollectionID, err = uuid.Parse(collID); err != nil {
		return nil, fmt.Errorf("parse collection id %q: %w", collID, err)
	}
	for _, f := range []struct {
		src string
		dst *time.Time
	}{{ingested, &b.IngestedAt}, {lo, &b.MinOccurredAt}, {hi, &b.MaxOccurredAt}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
	}
	if b.DeletedAt, err = parseNullTime(deleted); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) CreateBatch(ctx context.Context, b catalog.Batch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (`+batchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		b.ID.String(), b.CollectionID.String(), formatTime(b.IngestedAt), b.NumEvents,
		formatTime(b.MinOccurredAt), formatTime(b.MaxOccurredAt), b.Hash, b.ArchiveURL, b.SizeBytes)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return catalog.NotFound("collection", b.CollectionID.String())
	}
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*catalog.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = ? AND deleted_at IS NULL`, id.String())
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (s *Store) AttachArchive(ctx context.Context, id uuid.UUID, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET archive_url = ? WHERE id = ? AND archive_url = ''`, url, id.String())
	if err != nil {
		return fmt.Errorf("attach archive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT archive_url FROM batches WHERE id = ?`, id.String()).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.NotFound("batch", id.String())
	}
	if err != nil {
		return fmt.Errorf("attach archive: %w", err)
	}
	return catalog.ErrArchiveAttached
}

func (s *Store) DeleteBatch(ctx context.Context, id uuid.UUID, hard bool) error {
	var (
		res sql.Result
		err error
	)
	if hard {
		res, err = s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id.String())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE batches SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
			formatTime(time.Now()), id.String())
	}
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	return expectOne(res, "batch", id)
}

func (s *Store) CountBatches(ctx context.Context, collectionID uuid.UUID) (int, error) {
	q := `SELECT COUNT(*) FROM batches WHERE deleted_at IS NULL`
	var args []any
	if collectionID != uuid.Nil {
		q += ` AND collection_id = ?`
		args = append(args, collectionID.String())
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return n, nil
}

var batchSorts = map[string]string{
	catalog.SortIngestedAt: "ingested_at",
	catalog.SortNumEvents:  "num_events",
}

func (s *Store) ListBatches(ctx context.Context, collectionID uuid.UUID, opts catalog.ListOptions) ([]catalog.Batch, error) {
	order, err := orderClause(opts, batchSorts, "ingested_at")
	if err != nil {
		return nil, err
	}
	var (
		conds []string
		args  []any
	)
	if collectionID != uuid.Nil {
		conds = append(conds, "collection_id = ?")
		args = append(args, collectionID.String())
	}
	if !opts.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	q := `SELECT ` + batchColumns + ` FROM batches`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, q+order, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	var out []catalog.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Policies

func scanPolicy(r rowScanner) (*catalog.AccessPolicy, error) {
	var (
		p                            catalog.AccessPolicy
		id, grants, created, updated string
	)
	if err := r.Scan(&id, &p.Name, &grants, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse policy id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(grants), &p.Grants); err != nil {
		return nil, fmt.Errorf("decode grants: %w", err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) PutPolicy(ctx context.Context, p catalog.AccessPolicy) error {
	grants, err := json.Marshal(p.Grants)
	if err != nil {
		return fmt.Errorf("encode grants: %w", err)
	}
	now := formatTime(time.Now())
	created := now
	if !p.CreatedAt.IsZero() {
		created = formatTime(p.CreatedAt)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO access_policies (id, name, grants, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, grants = excluded.grants, updated_at = excluded.updated_at`,
		p.ID.String(), p.Name, string(grants), created, now)
	if isUniqueViolation(err) {
		return catalog.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("put access policy: %w", err)
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, id uuid.UUID) (*catalog.AccessPolicy, error) {
	return s.findPolicy(ctx, `id = ?`, id.String())
}

func (s *Store) FindPolicy(ctx context.Context, idOrName string) (*catalog.AccessPolicy, error) {
	return s.findPolicy(ctx, `id = ?1 OR name = ?1`, idOrName)
}

func (s *Store) findPolicy(ctx context.Context, where string, arg string) (*catalog.AccessPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, grants, created_at, updated_at FROM access_policies WHERE `+where+` LIMIT 1`, arg)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get access policy: %w", err)
	}
	return p, nil
}

func (s *Store) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_policies WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete access policy: %w", err)
	}
	return expectOne(res, "access policy", id)
}

var namedSorts = map[string]string{
	catalog.SortName:      "name",
	catalog.SortCreatedAt: "created_at",
}

func (s *Store) ListPolicies(ctx context.Context, opts catalog.ListOptions) ([]catalog.AccessPolicy, error) {
	order, err := orderClause(opts, namedSorts, "name")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, grants, created_at, updated_at FROM access_policies`+order)
	if err != nil {
		return nil, fmt.Errorf("list access policies: %w", err)
	}
	defer rows.Close()
	var out []catalog.AccessPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access policy: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Credentials

const credentialColumns = "id, name, policy_id, scope_values, secret_hash, created_at, updated_at"

func scanCredential(r rowScanner) (*catalog.AccessCredential, error) {
	var (
		c                                      catalog.AccessCredential
		id, policyID, values, created, updated string
	)
	if err := r.Scan(&id, &c.Name, &policyID, &values, &c.SecretHash, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse credential id %q: %w", id, err)
	}
	if c.PolicyID, err = uuid.Parse(policyID); err != nil {
		return nil, fmt.Errorf("parse policy id %q: %w", policyID, err)
	}
	if err := json.Unmarshal([]byte(values), &c.ScopeValues); err != nil {
		return nil, fmt.Errorf("decode scope values: %w", err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) PutCredential(ctx context.Context, c catalog.AccessCredential) error {
	values, err := json.Marshal(c.ScopeValues)
	if err != nil {
		return fmt.Errorf("encode scope values: %w", err)
	}
	now := formatTime(time.Now())
	created := now
	if !c.CreatedAt.IsZero() {
		created = formatTime(c.CreatedAt)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO access_credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, policy_id = excluded.policy_id,
		   scope_values = excluded.scope_values, secret_hash = excluded.secret_hash, updated_at = excluded.updated_at`,
		c.ID.String(), c.Name, c.PolicyID.String(), string(values), c.SecretHash, created, now)
	switch {
	case isUniqueViolation(err):
		return catalog.ErrConflict
	case err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return catalog.NotFound("access policy", c.PolicyID.String())
	case err != nil:
		return fmt.Errorf("put access credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id uuid.UUID) (*catalog.AccessCredential, error) {
	return s.findCredential(ctx, `id = ?`, id.String())
}

func (s *Store) FindCredential(ctx context.Context, idOrName string) (*catalog.AccessCredential, error) {
	return s.findCredential(ctx, `id = ?1 OR name = ?1`, idOrName)
}

func (s *Store) findCredential(ctx context.Context, where, arg string) (*catalog.AccessCredential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM access_credentials WHERE `+where+` LIMIT 1`, arg)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get access credential: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_credentials WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete access credential: %w", err)
	}
	return expectOne(res, "access credential", id)
}

func (s *Store) ListCredentials(ctx context.Context, opts catalog.ListOptions) ([]catalog.AccessCredential, error) {
	order, err := orderClause(opts, namedSorts, "name")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM access_credentials`+order)
	if err != nil {
		return nil, fmt.Errorf("list access credentials: %w", err)
	}
	defer rows.Close()
	var out []catalog.AccessCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access credential: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, kind string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return catalog.NotFound(kind, id.String())
	}
	return nil
}
