package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"streamvault/internal/models"
)

// SQLiteConfig describes how the SQLite repository opens its database.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	Clock       func() time.Time
}

const (
	sqliteBusyCode          = 5
	sqliteConstraintUnique  = 2067
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
	defaultSQLiteBusyWait   = 5 * time.Second
)

type sqliteRepository struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// NewSQLiteRepository opens (or creates) the SQLite database at path and
// applies the embedded migrations.
func NewSQLiteRepository(path string, opts ...Option) (Repository, error) {
	cfg := SQLiteConfig{
		Path:        strings.TrimSpace(path),
		BusyTimeout: defaultSQLiteBusyWait,
		Clock:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serialises read-modify-write transactions inside
	// this process; busy retries cover other processes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	repo := &sqliteRepository{db: db, cfg: cfg}
	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isSQLiteUnique(err error) bool {
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteConstraintUnique {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// withTx runs fn in a transaction, retrying the whole unit when SQLite
// reports the database as busy.
func (r *sqliteRepository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (r *sqliteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *sqliteRepository) Close(context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *sqliteRepository) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
			return fmt.Errorf("ensure schema_migrations: %w", err)
		}
		for _, m := range migrations {
			var count int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", m.version).Scan(&count); err != nil {
				return fmt.Errorf("scan migration version: %w", err)
			}
			if count > 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.version, err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return fmt.Errorf("record migration %s: %w", m.version, err)
			}
		}
		return nil
	})
}

// sqliteTimeLayout keeps a fixed-width fraction so text ordering matches
// chronological ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row rowScanner) (models.User, error) {
	var (
		user               models.User
		role               string
		createdAt, updated string
	)
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &role, &user.TenantID, &createdAt, &updated); err != nil {
		return models.User{}, err
	}
	user.Role = models.Role(role)
	user.CreatedAt = parseTime(createdAt)
	user.UpdatedAt = parseTime(updated)
	return user, nil
}

func scanSQLiteAsset(row rowScanner) (models.Asset, error) {
	var (
		asset                  models.Asset
		status, classification string
		createdAt, updated     string
	)
	if err := row.Scan(
		&asset.ID,
		&asset.TenantID,
		&asset.UploaderID,
		&asset.Title,
		&asset.Filename,
		&asset.ContentType,
		&asset.SizeBytes,
		&asset.StoragePath,
		&status,
		&asset.Progress,
		&classification,
		&createdAt,
		&updated,
	); err != nil {
		return models.Asset{}, err
	}
	asset.Status = models.AssetStatus(status)
	asset.Classification = models.Classification(classification)
	asset.CreatedAt = parseTime(createdAt)
	asset.UpdatedAt = parseTime(updated)
	return asset, nil
}

func (r *sqliteRepository) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}
	user, err := newUser(id, params, r.cfg.Clock())
	if err != nil {
		return models.User{}, err
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx,
			`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			user.ID, user.Username, user.Email, user.PasswordHash, string(user.Role), user.TenantID,
			formatTime(user.CreatedAt), formatTime(user.UpdatedAt),
		)
		if isSQLiteUnique(execErr) {
			return fmt.Errorf("%w: username or email already in use", ErrConflict)
		}
		if execErr != nil {
			return fmt.Errorf("insert user: %w", execErr)
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *sqliteRepository) queryUser(ctx context.Context, where string, arg any) (models.User, error) {
	user, err := scanSQLiteUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (r *sqliteRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	return r.queryUser(ctx, "id = ?", id)
}

func (r *sqliteRepository) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return r.queryUser(ctx, "email = ?", normalizeEmail(email))
}

func (r *sqliteRepository) ListUsers(ctx context.Context, tenantID string) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE tenant_id = ? ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		user, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *sqliteRepository) UpdateUser(ctx context.Context, id string, update UserUpdate) (models.User, error) {
	var user models.User
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanSQLiteUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		user, err = applyUserUpdate(current, update, r.cfg.Clock())
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET username = ?, email = ?, password_hash = ?, role = ?, updated_at = ? WHERE id = ?`,
			user.Username, user.Email, user.PasswordHash, string(user.Role), formatTime(user.UpdatedAt), id,
		)
		if isSQLiteUnique(err) {
			return fmt.Errorf("%w: username or email already in use", ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *sqliteRepository) deleteByID(ctx context.Context, table, kind, id string) error {
	return retryOnBusy(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete %s: %w", kind, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete %s: %w", kind, err)
		}
		if affected == 0 {
			return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return nil
	})
}

func (r *sqliteRepository) DeleteUser(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "users", "user", id)
}

func (r *sqliteRepository) CountUsersByRole(ctx context.Context, tenantID string) (map[models.Role]int, error) {
	counts := make(map[models.Role]int, len(models.Roles))
	for _, role := range models.Roles {
		counts[role] = 0
	}
	rows, err := r.db.QueryContext(ctx, `SELECT role, COUNT(*) FROM users WHERE tenant_id = ? GROUP BY role`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			role  string
			count int
		)
		if err := rows.Scan(&role, &count); err != nil {
			return nil, fmt.Errorf("scan role count: %w", err)
		}
		counts[models.Role(role)] = count
	}
	return counts, rows.Err()
}

func (r *sqliteRepository) CreateAsset(ctx context.Context, params CreateAssetParams) (models.Asset, error) {
	id, err := generateID()
	if err != nil {
		return models.Asset{}, err
	}
	asset, err := newAsset(id, params, r.cfg.Clock())
	if err != nil {
		return models.Asset{}, err
	}
	err = retryOnBusy(ctx, func() error {
		_, execErr := r.db.ExecContext(ctx,
			`INSERT INTO assets (`+assetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			asset.ID, asset.TenantID, asset.UploaderID, asset.Title, asset.Filename, asset.ContentType,
			asset.SizeBytes, asset.StoragePath, string(asset.Status), asset.Progress, string(asset.Classification),
			formatTime(asset.CreatedAt), formatTime(asset.UpdatedAt),
		)
		return execErr
	})
	if err != nil {
		return models.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return asset, nil
}

func (r *sqliteRepository) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	asset, err := scanSQLiteAsset(r.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

func (r *sqliteRepository) listAssets(ctx context.Context, query string, arg any) ([]models.Asset, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	assets := make([]models.Asset, 0)
	for rows.Next() {
		asset, err := scanSQLiteAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func (r *sqliteRepository) ListAssets(ctx context.Context, tenantID string) ([]models.Asset, error) {
	return r.listAssets(ctx, `SELECT `+assetColumns+` FROM assets WHERE tenant_id = ? ORDER BY created_at DESC, id DESC`, tenantID)
}

func (r *sqliteRepository) ListAssetsByStatus(ctx context.Context, status models.AssetStatus) ([]models.Asset, error) {
	return r.listAssets(ctx, `SELECT `+assetColumns+` FROM assets WHERE status = ? ORDER BY created_at, id`, string(status))
}

func (r *sqliteRepository) UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error) {
	var asset models.Asset
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanSQLiteAsset(tx.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("asset %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get asset: %w", err)
		}
		asset, err = applyAssetUpdate(current, update, r.cfg.Clock())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE assets SET status = ?, progress = ?, classification = ?, updated_at = ? WHERE id = ?`,
			string(asset.Status), asset.Progress, string(asset.Classification), formatTime(asset.UpdatedAt), id,
		); err != nil {
			return fmt.Errorf("update asset: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

func (r *sqliteRepository) DeleteAsset(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "assets", "asset", id)
}
