package customer

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	poolAcquireSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outreach_db_acquire_seconds",
		Help:    "Time spent waiting for a pooled Postgres connection.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"op"})
	poolHoldSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outreach_db_hold_seconds",
		Help:    "Time a pooled Postgres connection was held by one operation.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"op"})
)

// instrumentedPool hands out pooled connections and always releases them,
// recording how long each operation waited for and held its connection.
type instrumentedPool struct {
	pool *pgxpool.Pool
}

func (p *instrumentedPool) withConn(ctx context.Context, op string, fn func(conn *pgxpool.Conn) error) error {
	start := time.Now()
	conn, err := p.pool.Acquire(ctx)
	poolAcquireSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("acquiring connection for %s: %w", op, err)
	}

	held := time.Now()
	defer func() {
		conn.Release()
		poolHoldSeconds.WithLabelValues(op).Observe(time.Since(held).Seconds())
	}()

	return fn(conn)
}

// PostgresDB implements the DB interface using PostgreSQL
type PostgresDB struct {
	pool *instrumentedPool
}

// NewPostgresDB connects to PostgreSQL and applies the embedded migrations
func NewPostgresDB(ctx context.Context, dsn string) (*PostgresDB, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	slog.Info("Connected to PostgreSQL", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &PostgresDB{pool: &instrumentedPool{pool: pool}}, nil
}

// Migrate applies the embedded SQL migrations
func Migrate(dsn string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(dsn))
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	slog.Info("Migrations applied", "version", version, "dirty", dirty)
	return nil
}

// migrationURL rewrites a postgres:// DSN to the pgx5:// scheme golang-migrate expects
func migrationURL(dsn string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, scheme) {
			return "pgx5://" + strings.TrimPrefix(dsn, scheme)
		}
	}
	return dsn
}

const customerColumns = `id, tenant_id, email, full_name, customer_type, country_code, language, upload_id, created_at, updated_at`

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.TenantID, &c.Email, &c.FullName, &c.CustomerType,
		&c.CountryCode, &c.Language, &c.UploadID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindCustomer looks up a customer by tenant and email
func (p *PostgresDB) FindCustomer(ctx context.Context, tenantID, email string) (*Customer, error) {
	var customer *Customer
	err := p.pool.withConn(ctx, "find_customer", func(conn *pgxpool.Conn) error {
		var err error
		customer, err = scanCustomer(conn.QueryRow(ctx,
			`SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND email = $2`,
			tenantID, email))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return customer, nil
}

// InsertCustomer stores a new customer; a concurrent insert of the same email wins last
func (p *PostgresDB) InsertCustomer(ctx context.Context, c *Customer) error {
	return p.pool.withConn(ctx, "insert_customer", func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO customers (`+customerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (tenant_id, email) DO UPDATE SET
				full_name = EXCLUDED.full_name,
				customer_type = EXCLUDED.customer_type,
				country_code = EXCLUDED.country_code,
				language = EXCLUDED.language,
				updated_at = EXCLUDED.updated_at`,
			c.ID, c.TenantID, c.Email, c.FullName, c.CustomerType,
			c.CountryCode, c.Language, c.UploadID, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting customer: %w", err)
		}
		return nil
	})
}

// UpdateCustomer updates the mutable fields of a stored customer
func (p *PostgresDB) UpdateCustomer(ctx context.Context, c *Customer) error {
	return p.pool.withConn(ctx, "update_customer", func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
			UPDATE customers SET full_name = $3, customer_type = $4, country_code = $5, language = $6, updated_at = $7
			WHERE tenant_id = $1 AND email = $2`,
			c.TenantID, c.Email, c.FullName, c.CustomerType, c.CountryCode, c.Language, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating customer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListCustomers returns every customer of a tenant ordered by email
func (p *PostgresDB) ListCustomers(ctx context.Context, tenantID string) ([]*Customer, error) {
	customers := make([]*Customer, 0)
	err := p.pool.withConn(ctx, "list_customers", func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 ORDER BY email`, tenantID)
		if err != nil {
			return fmt.Errorf("querying customers: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			customer, err := scanCustomer(rows)
			if err != nil {
				return fmt.Errorf("scanning customer: %w", err)
			}
			customers = append(customers, customer)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return customers, nil
}

// SaveUpload inserts or replaces an upload row
func (p *PostgresDB) SaveUpload(ctx context.Context, u *Upload) error {
	return p.pool.withConn(ctx, "save_upload", func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO uploads (id, tenant_id, user_id, filename, content_type, hash, size, cache_hit, extracted, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				cache_hit = EXCLUDED.cache_hit,
				extracted = EXCLUDED.extracted,
				status = EXCLUDED.status`,
			u.ID, u.TenantID, u.UserID, u.Filename, u.ContentType, u.Hash, u.Size,
			u.CacheHit, u.Extracted, u.Status, u.CreatedAt)
		if err != nil {
			return fmt.Errorf("saving upload: %w", err)
		}
		return nil
	})
}

// GetUpload returns a tenant's upload by ID
func (p *PostgresDB) GetUpload(ctx context.Context, tenantID, id string) (*Upload, error) {
	var u Upload
	err := p.pool.withConn(ctx, "get_upload", func(conn *pgxpool.Conn) error {
		err := conn.QueryRow(ctx, `
			SELECT id, tenant_id, user_id, filename, content_type, hash, size, cache_hit, extracted, status, created_at
			FROM uploads WHERE id = $1 AND tenant_id = $2`, id, tenantID).
			Scan(&u.ID, &u.TenantID, &u.UserID, &u.Filename, &u.ContentType, &u.Hash, &u.Size,
				&u.CacheHit, &u.Extracted, &u.Status, &u.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// RecordUsage adds to a user's usage for the day
func (p *PostgresDB) RecordUsage(ctx context.Context, u Usage) error {
	return p.pool.withConn(ctx, "record_usage", func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO extraction_usage (user_id, day, requests, prompt_tokens, output_tokens, total_tokens)
			VALUES ($1, $2::date, $3, $4, $5, $6)
			ON CONFLICT (user_id, day) DO UPDATE SET
				requests = extraction_usage.requests + EXCLUDED.requests,
				prompt_tokens = extraction_usage.prompt_tokens + EXCLUDED.prompt_tokens,
				output_tokens = extraction_usage.output_tokens + EXCLUDED.output_tokens,
				total_tokens = extraction_usage.total_tokens + EXCLUDED.total_tokens`,
			u.UserID, u.Day, u.Requests, u.PromptTokens, u.OutputTokens, u.TotalTokens)
		if err != nil {
			return fmt.Errorf("recording usage: %w", err)
		}
		return nil
	})
}

// GetUsage returns a user's usage for a day
func (p *PostgresDB) GetUsage(ctx context.Context, userID, day string) (*Usage, error) {
	usage := &Usage{UserID: userID, Day: day}
	err := p.pool.withConn(ctx, "get_usage", func(conn *pgxpool.Conn) error {
		err := conn.QueryRow(ctx, `
			SELECT requests, prompt_tokens, output_tokens, total_tokens
			FROM extraction_usage WHERE user_id = $1 AND day = $2::date`, userID, day).
			Scan(&usage.Requests, &usage.PromptTokens, &usage.OutputTokens, &usage.TotalTokens)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting usage: %w", err)
	}
	return usage, nil
}

// GetExtraction returns a cached extraction created at or after notBefore
func (p *PostgresDB) GetExtraction(ctx context.Context, tenant, hash string, notBefore time.Time) (*Extraction, error) {
	extraction := &Extraction{Tenant: tenant, Hash: hash}
	err := p.pool.withConn(ctx, "get_extraction", func(conn *pgxpool.Conn) error {
		var records []byte
		err := conn.QueryRow(ctx, `
			SELECT records, created_at FROM extraction_cache
			WHERE tenant_id = $1 AND hash = $2 AND created_at >= $3`, tenant, hash, notBefore).
			Scan(&records, &extraction.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying extraction: %w", err)
		}
		return json.Unmarshal(records, &extraction.Records)
	})
	if err != nil {
		return nil, err
	}
	return extraction, nil
}

// PutExtraction stores an extraction, superseding any earlier one for the same image
func (p *PostgresDB) PutExtraction(ctx context.Context, e *Extraction) error {
	records, err := json.Marshal(e.Records)
	if err != nil {
		return fmt.Errorf("marshaling records: %w", err)
	}
	return p.pool.withConn(ctx, "put_extraction", func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO extraction_cache (tenant_id, hash, records, created_at)
			VALUES ($1, $2, $3::jsonb, $4)
			ON CONFLICT (tenant_id, hash) DO UPDATE SET
				records = EXCLUDED.records,
				created_at = EXCLUDED.created_at`,
			e.Tenant, e.Hash, string(records), e.CreatedAt)
		if err != nil {
			return fmt.Errorf("storing extraction: %w", err)
		}
		return nil
	})
}

// Close closes the connection pool
func (p *PostgresDB) Close() error {
	p.pool.pool.Close()
	return nil
}
