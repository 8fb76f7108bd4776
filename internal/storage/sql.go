package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/multikey-encryption/internal/config"
)

const (
	driverSQLite = "sqlite3"
	driverPgx    = "pgx"

	tablePublicKeys  = "public_keys"
	tablePrivateKeys = "private_keys"
	tableFileKeys    = "file_keys"
)

// SQLBackend stores key material in sqlite or postgres.
type SQLBackend struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

// OpenSQLBackend connects with cfg and runs migrations when enabled.
func OpenSQLBackend(ctx context.Context, cfg *config.SQLConfig) (*SQLBackend, error) {
	conn, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening connection to DB: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error connecting database (ping): %w", err)
	}
	if cfg.Driver == driverSQLite {
		// sqlite allows a single writer
		conn.SetMaxOpenConns(1)
	}

	if cfg.AutoMigrate {
		if err := Migrate(conn, cfg.Driver, logrus.StandardLogger()); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return NewSQLBackend(conn, cfg.Driver), nil
}

// NewSQLBackend wraps an open database. driver selects the placeholder format.
func NewSQLBackend(db *sql.DB, driver string) *SQLBackend {
	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == driverPgx {
		placeholder = sq.Dollar
	}
	return &SQLBackend{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

func (s *SQLBackend) getBlob(ctx context.Context, column, table string, where sq.Eq) ([]byte, error) {
	query, args, err := s.builder.Select(column).From(table).Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var blob []byte
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("unexpected DB error: %w", err)
	}
	return blob, nil
}

func (s *SQLBackend) upsertBlob(ctx context.Context, table, column, uid string, blob []byte) error {
	query, args, err := s.builder.Insert(table).
		Columns("user_id", column).
		Values(uid, blob).
		Suffix(fmt.Sprintf("ON CONFLICT (user_id) DO UPDATE SET %s = excluded.%s", column, column)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("unexpected DB error: %w", err)
	}
	return nil
}

func (s *SQLBackend) GetPublicKey(ctx context.Context, uid string) ([]byte, error) {
	return s.getBlob(ctx, "public_key", tablePublicKeys, sq.Eq{"user_id": uid})
}

func (s *SQLBackend) SetPublicKey(ctx context.Context, uid string, key []byte) error {
	return s.upsertBlob(ctx, tablePublicKeys, "public_key", uid, key)
}

func (s *SQLBackend) GetPrivateKey(ctx context.Context, uid string) ([]byte, error) {
	return s.getBlob(ctx, "private_key", tablePrivateKeys, sq.Eq{"user_id": uid})
}

func (s *SQLBackend) SetPrivateKey(ctx context.Context, uid string, blob []byte) error {
	return s.upsertBlob(ctx, tablePrivateKeys, "private_key", uid, blob)
}

func (s *SQLBackend) GetFileKey(ctx context.Context, path, recipient string) ([]byte, error) {
	return s.getBlob(ctx, "wrapped_key", tableFileKeys, sq.Eq{"path": normalizePath(path), "recipient": recipient})
}

func (s *SQLBackend) GetFileKeys(ctx context.Context, path string) (map[string][]byte, error) {
	query, args, err := s.builder.Select("recipient", "wrapped_key").
		From(tableFileKeys).
		Where(sq.Eq{"path": normalizePath(path)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unexpected DB error: %w", err)
	}
	defer rows.Close()

	keys := make(map[string][]byte)
	for rows.Next() {
		var recipient string
		var wrapped []byte
		if err := rows.Scan(&recipient, &wrapped); err != nil {
			return nil, fmt.Errorf("scanning error: %w", err)
		}
		keys[recipient] = wrapped
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unexpected DB error: %w", err)
	}
	return keys, nil
}

// SetAllFileKeys replaces the recipient set in one transaction.
func (s *SQLBackend) SetAllFileKeys(ctx context.Context, path string, keys map[string][]byte) error {
	path = normalizePath(path)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.deletePaths(ctx, tx, []string{path}); err != nil {
			return err
		}
		return s.insertFileKeys(ctx, tx, map[string]map[string][]byte{path: keys})
	})
}

func (s *SQLBackend) DeleteFileKeys(ctx context.Context, path string) error {
	root := normalizePath(path)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		paths, err := s.pathsBelow(ctx, tx, root)
		if err != nil {
			return err
		}
		return s.deletePaths(ctx, tx, paths)
	})
}

func (s *SQLBackend) RenameFileKeys(ctx context.Context, oldPath, newPath string) error {
	oldRoot, newRoot := normalizePath(oldPath), normalizePath(newPath)
	if oldRoot == newRoot {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.fileKeysBelow(ctx, tx, oldRoot)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		stale, err := s.pathsBelow(ctx, tx, newRoot)
		if err != nil {
			return err
		}
		oldPaths := make([]string, 0, len(rows))
		moved := make(map[string]map[string][]byte, len(rows))
		for p, keys := range rows {
			oldPaths = append(oldPaths, p)
			moved[rebase(p, oldRoot, newRoot)] = keys
		}
		if err := s.deletePaths(ctx, tx, append(stale, oldPaths...)); err != nil {
			return err
		}
		return s.insertFileKeys(ctx, tx, moved)
	})
}

func (s *SQLBackend) Close() error {
	return s.db.Close()
}

func (s *SQLBackend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// belowCondition over-selects with LIKE; callers filter with isBelow since
// LIKE may be case-insensitive.
func belowCondition(root string) sq.Sqlizer {
	return sq.Or{
		sq.Eq{"path": root},
		sq.Expr(`path LIKE ? ESCAPE '\'`, escapeLike(subtreePrefix(root))+"%"),
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *SQLBackend) pathsBelow(ctx context.Context, tx *sql.Tx, root string) ([]string, error) {
	query, args, err := s.builder.Select("DISTINCT path").From(tableFileKeys).Where(belowCondition(root)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unexpected DB error: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning error: %w", err)
		}
		if isBelow(p, root) {
			paths = append(paths, p)
		}
	}
	return paths, rows.Err()
}

func (s *SQLBackend) fileKeysBelow(ctx context.Context, tx *sql.Tx, root string) (map[string]map[string][]byte, error) {
	query, args, err := s.builder.Select("path", "recipient", "wrapped_key").
		From(tableFileKeys).
		Where(belowCondition(root)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unexpected DB error: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string][]byte)
	for rows.Next() {
		var p, recipient string
		var wrapped []byte
		if err := rows.Scan(&p, &recipient, &wrapped); err != nil {
			return nil, fmt.Errorf("scanning error: %w", err)
		}
		if !isBelow(p, root) {
			continue
		}
		if out[p] == nil {
			out[p] = make(map[string][]byte)
		}
		out[p][recipient] = wrapped
	}
	return out, rows.Err()
}

func (s *SQLBackend) deletePaths(ctx context.Context, tx *sql.Tx, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	var where sq.Eq
	if len(paths) == 1 {
		where = sq.Eq{"path": paths[0]}
	} else {
		where = sq.Eq{"path": paths}
	}
	query, args, err := s.builder.Delete(tableFileKeys).Where(where).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("unexpected DB error: %w", err)
	}
	return nil
}

func (s *SQLBackend) insertFileKeys(ctx context.Context, tx *sql.Tx, keys map[string]map[string][]byte) error {
	insert := s.builder.Insert(tableFileKeys).Columns("path", "recipient", "wrapped_key")

	// stable statement text for identical input
	paths := make([]string, 0, len(keys))
	for p := range keys {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	n := 0
	for _, p := range paths {
		recipients := make([]string, 0, len(keys[p]))
		for r := range keys[p] {
			recipients = append(recipients, r)
		}
		sort.Strings(recipients)
		for _, r := range recipients {
			insert = insert.Values(p, r, keys[p][r])
			n++
		}
	}
	if n == 0 {
		return nil
	}

	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("unexpected DB error: %w", err)
	}
	return nil
}
