package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lib/pq"
	"golang.org/x/time/rate"

	"github.com/gatewire/permcore/pkg/permission"
)

const (
	getPermissionsQuery = `
		SELECT DISTINCT p.code
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1 AND p.enabled`

	checkQuery = `
		SELECT EXISTS (
			SELECT 1
			FROM permissions p
			JOIN role_permissions rp ON rp.permission_id = p.id
			JOIN user_roles ur ON ur.role_id = rp.role_id
			WHERE ur.user_id = $1 AND p.code = $2 AND p.enabled
		)`
)

// Postgres is the SQL-backed store client. Calls are bounded by a
// process-wide rate limiter so a cache-miss storm cannot overwhelm the
// authoritative database.
type Postgres struct {
	db      *sql.DB
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.RWMutex
	getStmt   *sql.Stmt
	checkStmt *sql.Stmt
}

// PostgresConfig configures the client.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	QueriesPerS  float64 // 0 disables rate limiting
	Burst        int
}

// NewPostgres opens the database and prepares the lookup statements.
func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open permission store: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	p, err := NewPostgresFromDB(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresFromDB wraps an existing handle (used by tests).
func NewPostgresFromDB(db *sql.DB, cfg PostgresConfig) (*Postgres, error) {
	var limiter *rate.Limiter
	if cfg.QueriesPerS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.QueriesPerS)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.QueriesPerS), burst)
	}
	p := &Postgres{
		db:      db,
		limiter: limiter,
		logger:  slog.Default().With("component", "store.postgres"),
	}
	if err := p.prepare(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) prepare(ctx context.Context) error {
	getStmt, err := p.db.PrepareContext(ctx, getPermissionsQuery)
	if err != nil {
		return classify(fmt.Errorf("prepare bulk lookup: %w", err))
	}
	checkStmt, err := p.db.PrepareContext(ctx, checkQuery)
	if err != nil {
		getStmt.Close()
		return classify(fmt.Errorf("prepare point lookup: %w", err))
	}

	p.mu.Lock()
	oldGet, oldCheck := p.getStmt, p.checkStmt
	p.getStmt, p.checkStmt = getStmt, checkStmt
	p.mu.Unlock()

	if oldGet != nil {
		oldGet.Close()
	}
	if oldCheck != nil {
		oldCheck.Close()
	}
	return nil
}

// Close releases statements and the connection pool.
func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.getStmt != nil {
		p.getStmt.Close()
	}
	if p.checkStmt != nil {
		p.checkStmt.Close()
	}
	p.mu.Unlock()
	return p.db.Close()
}

func (p *Postgres) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", permission.ErrStoreUnavailable, err)
	}
	return nil
}

// GetPermissions implements PermissionStore.
func (p *Postgres) GetPermissions(ctx context.Context, subjectID string) (map[string]struct{}, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	stmt := p.getStmt
	p.mu.RUnlock()

	rows, err := stmt.QueryContext(ctx, subjectID)
	if err != nil {
		return nil, classify(fmt.Errorf("bulk lookup for subject %s: %w", subjectID, err))
	}
	defer rows.Close()

	perms := make(map[string]struct{})
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, classify(fmt.Errorf("scan permission code: %w", err))
		}
		perms[code] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("bulk lookup for subject %s: %w", subjectID, err))
	}
	return perms, nil
}

// Check implements PermissionStore.
func (p *Postgres) Check(ctx context.Context, subjectID, permissionCode string) (bool, error) {
	if err := p.wait(ctx); err != nil {
		return false, err
	}
	p.mu.RLock()
	stmt := p.checkStmt
	p.mu.RUnlock()

	var allowed bool
	if err := stmt.QueryRowContext(ctx, subjectID, permissionCode).Scan(&allowed); err != nil {
		return false, classify(fmt.Errorf("point lookup %s/%s: %w", subjectID, permissionCode, err))
	}
	return allowed, nil
}

// OptimizeQueryPatterns re-prepares the lookup statements and verifies
// connectivity. Re-preparing forces fresh plans after statistics or
// schema drift degraded the existing ones.
func (p *Postgres) OptimizeQueryPatterns(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return classify(fmt.Errorf("ping during optimization: %w", err))
	}
	if err := p.prepare(ctx); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "query patterns re-optimized")
	return nil
}

// classify wraps transient failures in ErrStoreUnavailable so the
// scheduler retries them; everything else surfaces as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, permission.ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", permission.ErrStoreUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", permission.ErrStoreUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions. Class 57: operator
		// intervention (shutdown, crash). Class 53: insufficient
		// resources. All transient from the caller's point of view.
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return fmt.Errorf("%w: %v", permission.ErrStoreUnavailable, err)
		}
	}
	return err
}
