package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamvault/internal/models"
)

const (
	userColumns  = "id, username, email, password_hash, role, tenant_id, created_at, updated_at"
	assetColumns = "id, tenant_id, uploader_id, title, filename, content_type, size_bytes, storage_path, status, progress, classification, created_at, updated_at"

	pgUniqueViolation = "23505"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. Migrations are
// applied separately through Migrate.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) now() time.Time {
	return r.cfg.Clock()
}

// withConn acquires a pooled connection bounded by the acquire timeout and
// runs fn with it.
func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

// Migrate applies the embedded schema migrations that have not run yet.
func (r *postgresRepository) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		defer rollbackTx(ctx, tx)

		if _, err := tx.Exec(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
			return fmt.Errorf("ensure schema_migrations: %w", err)
		}
		for _, m := range migrations {
			var count int
			if err := tx.QueryRow(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = $1", m.version).Scan(&count); err != nil {
				return fmt.Errorf("scan migration version: %w", err)
			}
			if count > 0 {
				continue
			}
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.version, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
				return fmt.Errorf("record migration %s: %w", m.version, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migrations: %w", err)
		}
		return nil
	})
}

func translatePgError(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s (%s)", ErrConflict, what, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func scanUser(row pgx.Row) (models.User, error) {
	var (
		user models.User
		role string
	)
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &role, &user.TenantID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return models.User{}, err
	}
	user.Role = models.Role(role)
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

func scanAsset(row pgx.Row) (models.Asset, error) {
	var (
		asset          models.Asset
		status         string
		classification string
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
		&asset.CreatedAt,
		&asset.UpdatedAt,
	); err != nil {
		return models.Asset{}, err
	}
	asset.Status = models.AssetStatus(status)
	asset.Classification = models.Classification(classification)
	asset.CreatedAt = asset.CreatedAt.UTC()
	asset.UpdatedAt = asset.UpdatedAt.UTC()
	return asset, nil
}

func (r *postgresRepository) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}
	user, err := newUser(id, params, r.now())
	if err != nil {
		return models.User{}, err
	}
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, execErr := conn.Exec(ctx,
			`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			user.ID, user.Username, user.Email, user.PasswordHash, string(user.Role), user.TenantID, user.CreatedAt, user.UpdatedAt,
		)
		if execErr != nil {
			return translatePgError(execErr, "insert user")
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) queryUser(ctx context.Context, where string, arg any) (models.User, error) {
	var user models.User
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var scanErr error
		user, scanErr = scanUser(conn.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return fmt.Errorf("user %v: %w", arg, ErrNotFound)
		}
		if scanErr != nil {
			return fmt.Errorf("get user: %w", scanErr)
		}
		return nil
	})
	return user, err
}

func (r *postgresRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	return r.queryUser(ctx, "id = $1", id)
}

func (r *postgresRepository) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return r.queryUser(ctx, "email = $1", normalizeEmail(email))
}

func (r *postgresRepository) ListUsers(ctx context.Context, tenantID string) ([]models.User, error) {
	users := make([]models.User, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+userColumns+` FROM users WHERE tenant_id = $1 ORDER BY created_at, id`, tenantID)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			user, err := scanUser(rows)
			if err != nil {
				return fmt.Errorf("scan user: %w", err)
			}
			users = append(users, user)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *postgresRepository) UpdateUser(ctx context.Context, id string, update UserUpdate) (models.User, error) {
	var user models.User
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin user update: %w", err)
		}
		defer rollbackTx(ctx, tx)

		current, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		user, err = applyUserUpdate(current, update, r.now())
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET username = $2, email = $3, password_hash = $4, role = $5, updated_at = $6 WHERE id = $1`,
			id, user.Username, user.Email, user.PasswordHash, string(user.Role), user.UpdatedAt,
		); err != nil {
			return translatePgError(err, "update user")
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) DeleteUser(ctx context.Context, id string) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (r *postgresRepository) CountUsersByRole(ctx context.Context, tenantID string) (map[models.Role]int, error) {
	counts := make(map[models.Role]int, len(models.Roles))
	for _, role := range models.Roles {
		counts[role] = 0
	}
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT role, COUNT(*) FROM users WHERE tenant_id = $1 GROUP BY role`, tenantID)
		if err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				role  string
				count int
			)
			if err := rows.Scan(&role, &count); err != nil {
				return fmt.Errorf("scan role count: %w", err)
			}
			counts[models.Role(role)] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *postgresRepository) CreateAsset(ctx context.Context, params CreateAssetParams) (models.Asset, error) {
	id, err := generateID()
	if err != nil {
		return models.Asset{}, err
	}
	asset, err := newAsset(id, params, r.now())
	if err != nil {
		return models.Asset{}, err
	}
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, execErr := conn.Exec(ctx,
			`INSERT INTO assets (`+assetColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			asset.ID, asset.TenantID, asset.UploaderID, asset.Title, asset.Filename, asset.ContentType,
			asset.SizeBytes, asset.StoragePath, string(asset.Status), asset.Progress, string(asset.Classification),
			asset.CreatedAt, asset.UpdatedAt,
		)
		if execErr != nil {
			return translatePgError(execErr, "insert asset")
		}
		return nil
	})
	if err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

func (r *postgresRepository) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	var asset models.Asset
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var scanErr error
		asset, scanErr = scanAsset(conn.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return fmt.Errorf("asset %s: %w", id, ErrNotFound)
		}
		if scanErr != nil {
			return fmt.Errorf("get asset: %w", scanErr)
		}
		return nil
	})
	return asset, err
}

func (r *postgresRepository) listAssets(ctx context.Context, query string, arg any) ([]models.Asset, error) {
	assets := make([]models.Asset, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, arg)
		if err != nil {
			return fmt.Errorf("list assets: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			asset, err := scanAsset(rows)
			if err != nil {
				return fmt.Errorf("scan asset: %w", err)
			}
			assets = append(assets, asset)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

func (r *postgresRepository) ListAssets(ctx context.Context, tenantID string) ([]models.Asset, error) {
	return r.listAssets(ctx, `SELECT `+assetColumns+` FROM assets WHERE tenant_id = $1 ORDER BY created_at DESC, id DESC`, tenantID)
}

func (r *postgresRepository) ListAssetsByStatus(ctx context.Context, status models.AssetStatus) ([]models.Asset, error) {
	return r.listAssets(ctx, `SELECT `+assetColumns+` FROM assets WHERE status = $1 ORDER BY created_at, id`, string(status))
}

// UpdateAsset locks the row with SELECT ... FOR UPDATE so concurrent writers
// validate their transition against the committed state.
func (r *postgresRepository) UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error) {
	var asset models.Asset
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin asset update: %w", err)
		}
		defer rollbackTx(ctx, tx)

		current, err := scanAsset(tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("asset %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock asset: %w", err)
		}
		asset, err = applyAssetUpdate(current, update, r.now())
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE assets SET status = $2, progress = $3, classification = $4, updated_at = $5 WHERE id = $1`,
			id, string(asset.Status), asset.Progress, string(asset.Classification), asset.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update asset: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit asset update: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

func (r *postgresRepository) DeleteAsset(ctx context.Context, id string) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete asset: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("asset %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
